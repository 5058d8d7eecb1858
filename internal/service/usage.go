package service

import (
	"context"
	"sync"

	"mech-search/internal/metrics"
	"mech-search/internal/model"
)

// usageTracker 单个 run 的用量与预算计数，评估并发写入时由 mu 保护
type usageTracker struct {
	mu        sync.Mutex
	usage     model.LLMUsage
	budgetUSD float64
}

func newUsageTracker(initial model.LLMUsage, budgetUSD float64) *usageTracker {
	t := &usageTracker{budgetUSD: budgetUSD}
	t.usage = copyUsage(initial)
	return t
}

func (t *usageTracker) record(phase Phase, res *GenerationResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.Record(string(phase), res.Provider, model.UsageBucket{
		Calls:            1,
		PromptTokens:     res.PromptTokens,
		CompletionTokens: res.CompletionTokens,
		TotalTokens:      res.TotalTokens,
		Retries:          res.Retries,
		CostUSD:          res.CostUSD,
	})
}

func (t *usageTracker) exhausted() bool {
	if t.budgetUSD <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage.Total.CostUSD >= t.budgetUSD
}

func (t *usageTracker) snapshot() model.LLMUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyUsage(t.usage)
}

func copyUsage(u model.LLMUsage) model.LLMUsage {
	out := model.LLMUsage{
		Total:      u.Total,
		ByPhase:    make(map[string]model.UsageBucket, len(u.ByPhase)),
		ByProvider: make(map[string]model.UsageBucket, len(u.ByProvider)),
	}
	for k, v := range u.ByPhase {
		out.ByPhase[k] = v
	}
	for k, v := range u.ByProvider {
		out.ByProvider[k] = v
	}
	return out
}

// meteredGenerator 给共享 Generator 加上 run 级计量与预算闸门
type meteredGenerator struct {
	next    Generator
	tracker *usageTracker
}

func (g *meteredGenerator) Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	if g.tracker.exhausted() {
		return nil, ErrBudgetExhausted
	}
	res, err := g.next.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	g.tracker.record(req.Phase, res)
	metrics.GenerationCostUSD.WithLabelValues(res.Provider, string(req.Phase)).Add(res.CostUSD)
	return res, nil
}
