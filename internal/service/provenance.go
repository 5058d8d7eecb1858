package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mech-search/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxAppendAttempts = 5

// appendEvent 追加一条溯源事件：先锁住候选行串行化同一候选的写入者，再用加锁读取最新的 MAX(seq)+1 插入。
// (candidate_id, seq) 冲突时重读重试。调用方已在事务内时以 savepoint 嵌套，锁持有到外层提交。
func appendEvent(g *gorm.DB, candidateID, runID uint, typ model.ProvenanceType, payload map[string]any) (*model.CandidateEvent, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: 未知溯源事件类型 %s", ErrInvalidArgument, typ)
	}
	var out *model.CandidateEvent
	err := g.Transaction(func(tx *gorm.DB) error {
		if err := lockCandidate(tx, candidateID).Take(&model.Candidate{}).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCandidateNotFound
			}
			return fmt.Errorf("锁定候选失败: %w", err)
		}
		for attempt := 0; attempt < maxAppendAttempts; attempt++ {
			var maxSeq int
			// 加锁读取总是读最新提交版本，不受 REPEATABLE READ 快照影响
			if err := tx.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
				Model(&model.CandidateEvent{}).
				Where("candidate_id = ?", candidateID).
				Select("COALESCE(MAX(seq), 0)").
				Scan(&maxSeq).Error; err != nil {
				return fmt.Errorf("读取溯源序号失败: %w", err)
			}
			ev := &model.CandidateEvent{
				CandidateID: candidateID,
				RunID:       runID,
				Seq:         maxSeq + 1,
				Type:        typ,
				Payload:     payload,
			}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(ev)
			if res.Error != nil {
				return fmt.Errorf("追加溯源事件失败: %w", res.Error)
			}
			if res.RowsAffected == 1 {
				out = ev
				return nil
			}
		}
		return ErrProvenanceConflict
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// lockCandidate 候选行排他锁（SELECT ... FOR UPDATE）；sqlite 方言忽略该子句，靠单连接串行
func lockCandidate(tx *gorm.DB, candidateID uint) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).Where("id = ?", candidateID)
}

type UserCandidateInput struct {
	Title            string   `json:"title"`
	Mechanism        string   `json:"mechanism" binding:"required"`
	PredictedEffects []string `json:"predicted_effects"`
	ParentIDs        []uint   `json:"parent_ids"`
}

// CandidateService 候选的读取、用户候选注入与反馈补丁
type CandidateService struct {
	db *gorm.DB
}

func NewCandidateService(g *gorm.DB) *CandidateService {
	return &CandidateService{db: g}
}

// AddUserCandidate 向 run 注入用户候选（eval_only / seeded 模式的输入）
func (s *CandidateService) AddUserCandidate(ctx context.Context, runID uint, in UserCandidateInput) (*model.Candidate, error) {
	if strings.TrimSpace(in.Mechanism) == "" {
		return nil, fmt.Errorf("%w: mechanism 不能为空", ErrInvalidArgument)
	}
	var run model.Run
	if err := s.db.WithContext(ctx).First(&run, runID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("获取run失败: %w", err)
	}

	c := &model.Candidate{
		RunID:            runID,
		Origin:           model.CandidateOriginUser,
		Title:            strings.TrimSpace(in.Title),
		Mechanism:        strings.TrimSpace(in.Mechanism),
		PredictedEffects: in.PredictedEffects,
		ParentIDs:        in.ParentIDs,
		Status:           model.CandidateStatusNew,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(c).Error; err != nil {
			return fmt.Errorf("保存候选失败: %w", err)
		}
		_, err := appendEvent(tx, c.ID, runID, model.ProvenanceDesign, map[string]any{
			"origin":     string(model.CandidateOriginUser),
			"parent_ids": in.ParentIDs,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// AddFeedbackPatch 记录一条人工反馈；只进溯源日志，不改动分数
func (s *CandidateService) AddFeedbackPatch(ctx context.Context, candidateID uint, patch map[string]any) (*model.CandidateEvent, error) {
	var c model.Candidate
	if err := s.db.WithContext(ctx).First(&c, candidateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCandidateNotFound
		}
		return nil, fmt.Errorf("获取候选失败: %w", err)
	}
	if len(patch) == 0 {
		return nil, fmt.Errorf("%w: 反馈内容不能为空", ErrInvalidArgument)
	}
	return appendEvent(s.db.WithContext(ctx), c.ID, c.RunID, model.ProvenanceFeedbackPatch, patch)
}

// ListRanked 按最近一次排序结果返回候选（含溯源）；未排序的排在最后
func (s *CandidateService) ListRanked(ctx context.Context, runID uint) ([]model.Candidate, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.Run{}).Where("id = ?", runID).Count(&n).Error; err != nil {
		return nil, fmt.Errorf("获取run失败: %w", err)
	}
	if n == 0 {
		return nil, ErrRunNotFound
	}
	var cands []model.Candidate
	err := s.db.WithContext(ctx).
		Preload("Provenance", func(tx *gorm.DB) *gorm.DB { return tx.Order("seq") }).
		Where("run_id = ?", runID).
		Order("id").
		Find(&cands).Error
	if err != nil {
		return nil, fmt.Errorf("查询候选失败: %w", err)
	}
	sortByRank(cands)
	return cands, nil
}
