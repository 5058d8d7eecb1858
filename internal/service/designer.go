package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mech-search/internal/metrics"
	"mech-search/internal/model"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type candidateProposal struct {
	Title            string
	Mechanism        string
	PredictedEffects []string
}

// designPhase 生成候选直到达到 candidate_count；eval_only 只校验用户候选存在
func (s *PipelineService) designPhase(ctx context.Context, env *runEnv) (map[string]int, error) {
	run := env.run
	pc, err := loadProjectContext(ctx, s.db, run.ProjectID, s.cfg.ChatContextMessages)
	if err != nil {
		return nil, err
	}

	var existing []model.Candidate
	if err := s.db.WithContext(ctx).Where("run_id = ?", run.ID).Order("id").Find(&existing).Error; err != nil {
		return nil, fmt.Errorf("查询候选失败: %w", err)
	}

	produced := map[string]int{"candidates": 0, "existing": len(existing), "fallback": 0}
	if run.Mode == model.RunModeEvalOnly {
		if len(existing) == 0 {
			return produced, errors.New("eval_only 模式需要先注入用户候选")
		}
		return produced, nil
	}

	need := run.Config.CandidateCount - len(existing)
	if need <= 0 {
		return produced, nil
	}

	var seeds []model.Candidate
	if run.Mode == model.RunModeSeeded {
		for _, c := range existing {
			if c.Origin == model.CandidateOriginUser {
				seeds = append(seeds, c)
			}
		}
	}
	var parentIDs []uint
	for _, c := range seeds {
		parentIDs = append(parentIDs, c.ID)
	}

	res, err := env.gen.Generate(ctx, GenerationRequest{
		Phase:    PhaseDesign,
		System:   designSystemPrompt,
		Prompt:   buildDesignPrompt(pc, seeds, existing, need),
		JSONMode: true,
	})
	if err != nil {
		return produced, err
	}

	proposals := parseCandidateProposals(res.Text, need)
	if len(proposals) < need {
		metrics.GenerationMalformed.WithLabelValues("design").Inc()
		env.update(func(m *model.RunMetrics) { m.MalformedOutputs++ })
		s.logger.Warn("候选生成输出不足或不合法，使用兜底候选",
			zap.Uint("run_id", run.ID),
			zap.Int("need", need),
			zap.Int("parsed", len(proposals)),
			zap.String("raw", truncate(res.Text, 300)))
		fallback := fallbackCandidates(pc, need-len(proposals), len(existing)+len(proposals))
		produced["fallback"] = len(fallback)
		proposals = append(proposals, fallback...)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, p := range proposals {
			c := &model.Candidate{
				RunID:            run.ID,
				Origin:           model.CandidateOriginSystem,
				Title:            p.Title,
				Mechanism:        p.Mechanism,
				PredictedEffects: p.PredictedEffects,
				ParentIDs:        parentIDs,
				Status:           model.CandidateStatusNew,
			}
			if err := tx.Create(c).Error; err != nil {
				return fmt.Errorf("保存候选失败: %w", err)
			}
			_, err := appendEvent(tx, c.ID, run.ID, model.ProvenanceDesign, map[string]any{
				"origin":     string(model.CandidateOriginSystem),
				"provider":   res.Provider,
				"fallback":   i >= len(proposals)-produced["fallback"],
				"parent_ids": parentIDs,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return produced, err
	}
	produced["candidates"] = len(proposals)
	return produced, nil
}

const designSystemPrompt = `你是机制设计专家。根据问题描述与世界模型提出候选机制，只输出一个 JSON 对象：
{"candidates": [{"title": "...", "mechanism": "机制的具体描述", "predicted_effects": ["..."]}]}
不要输出 JSON 以外的内容。`

func buildDesignPrompt(pc *projectContext, seeds, existing []model.Candidate, need int) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("请提出 %d 个互不相同的候选机制。\n\n", need))

	b.WriteString("## 目标\n")
	for _, g := range pc.Spec.Goals {
		b.WriteString(fmt.Sprintf("- %s\n", g))
	}
	if pc.Spec.Resolution != "" {
		b.WriteString(fmt.Sprintf("粒度: %s\n", pc.Spec.Resolution))
	}

	b.WriteString("\n## 约束（权重 100 为硬约束）\n")
	for _, c := range pc.Spec.Constraints {
		b.WriteString(fmt.Sprintf("- %s（权重 %.0f）%s\n", c.Name, c.Weight, c.Description))
	}

	b.WriteString("\n## 世界模型\n")
	writeEntities(&b, "参与者", pc.WorldModel.Actors)
	writeEntities(&b, "机制", pc.WorldModel.Mechanisms)
	writeEntities(&b, "资源", pc.WorldModel.Resources)
	writeEntities(&b, "约束", pc.WorldModel.Constraints)
	writeEntities(&b, "假设", pc.WorldModel.Assumptions)
	writeEntities(&b, "简化", pc.WorldModel.Simplifications)

	if len(seeds) > 0 {
		b.WriteString("\n## 种子候选（在此基础上变异/组合）\n")
		for _, c := range seeds {
			b.WriteString(fmt.Sprintf("- #%d %s\n", c.ID, truncate(c.Mechanism, 300)))
		}
	} else if len(existing) > 0 {
		b.WriteString("\n## 已有候选（避免重复）\n")
		for _, c := range existing {
			b.WriteString(fmt.Sprintf("- %s\n", truncate(c.Mechanism, 200)))
		}
	}

	if chat := renderChat(pc.Chat); chat != "" {
		b.WriteString("\n## 近期对话\n")
		b.WriteString(chat)
	}
	return b.String()
}

func parseCandidateProposals(text string, need int) []candidateProposal {
	obj, ok := extractJSONObject(text)
	if !ok {
		return nil
	}
	items := getObjects(obj, "candidates")
	if len(items) == 0 {
		items = getObjects(obj, "mechanisms")
	}
	out := make([]candidateProposal, 0, need)
	for _, it := range items {
		mech := getString(it, "mechanism", "description", "mechanism_description")
		if mech == "" {
			continue
		}
		out = append(out, candidateProposal{
			Title:            getString(it, "title", "name"),
			Mechanism:        mech,
			PredictedEffects: getStrings(it, "predicted_effects", "effects"),
		})
		if len(out) == need {
			break
		}
	}
	return out
}

// fallbackCandidates 依次从世界模型机制、目标派生，最后退化为占位候选
func fallbackCandidates(pc *projectContext, n, offset int) []candidateProposal {
	out := make([]candidateProposal, 0, n)
	for _, m := range pc.WorldModel.Mechanisms {
		if len(out) == n {
			return out
		}
		desc := m.Description
		if desc == "" {
			desc = m.Name
		}
		out = append(out, candidateProposal{
			Title:     m.Name,
			Mechanism: fmt.Sprintf("基于世界模型机制「%s」：%s", m.Name, desc),
		})
	}
	for _, g := range pc.Spec.Goals {
		if len(out) == n {
			return out
		}
		out = append(out, candidateProposal{
			Title:            "目标驱动: " + truncate(g, 60),
			Mechanism:        fmt.Sprintf("围绕目标「%s」设计的基线机制", g),
			PredictedEffects: []string{g},
		})
	}
	for len(out) < n {
		out = append(out, candidateProposal{
			Title:     fmt.Sprintf("基线候选 #%d", offset+len(out)+1),
			Mechanism: "维持现状的基线机制，用作对照",
		})
	}
	return out
}
