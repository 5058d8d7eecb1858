package service

import (
	"context"
	"fmt"
	"time"

	"mech-search/internal/config"
	"mech-search/internal/metrics"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// GenerationRequest 一次生成调用。Phase 只用于用量归集
type GenerationRequest struct {
	Phase  Phase
	System string
	Prompt string
	// 期望模型只输出 JSON 对象
	JSONMode bool
}

type GenerationResult struct {
	Text             string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Retries          int
	CostUSD          float64
}

// Generator 非确定性的生成能力（LLM）。实现只负责一次调用，不保证可复现
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error)
}

type Pricing struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

func (p Pricing) Cost(promptTokens, completionTokens, totalTokens int) float64 {
	if promptTokens == 0 && completionTokens == 0 {
		// 部分端点只返回 total_tokens，按 completion 价格保守估算
		return float64(totalTokens) * p.CompletionPer1K / 1000
	}
	return (float64(promptTokens)*p.PromptPer1K + float64(completionTokens)*p.CompletionPer1K) / 1000
}

// NewGenerator 按配置选择 provider，并包上重试与限流
func NewGenerator(cfg config.LLMConfig, logger *zap.Logger) (Generator, error) {
	pricing := Pricing{PromptPer1K: cfg.PromptPricePer1K, CompletionPer1K: cfg.CompletionPricePer1K}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	var base Generator
	switch cfg.Provider {
	case "dify", "":
		client := NewDifyClient(
			cfg.Dify.BaseURL,
			cfg.Dify.APIKey,
			cfg.Dify.AppType,
			cfg.Dify.ResponseMode,
			cfg.Dify.WorkflowSystemKey,
			cfg.Dify.WorkflowQueryKey,
			cfg.Dify.WorkflowOutputKey,
		)
		client.Client.Timeout = timeout
		base = &DifyGenerator{client: client, pricing: pricing}
	case "openai":
		g, err := NewOpenAIGenerator(cfg.OpenAI, pricing)
		if err != nil {
			return nil, err
		}
		base = g
	default:
		return nil, fmt.Errorf("不支持的 LLM provider: %s", cfg.Provider)
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return NewRetryingGenerator(base, cfg.MaxRetries, time.Duration(cfg.RetryBaseDelayMS)*time.Millisecond, limiter, logger), nil
}

// RetryingGenerator 生成调用层的重试/退避与限流；编排器本身从不重试
type RetryingGenerator struct {
	next       Generator
	maxRetries int
	baseDelay  time.Duration
	limiter    *rate.Limiter
	logger     *zap.Logger
}

func NewRetryingGenerator(next Generator, maxRetries int, baseDelay time.Duration, limiter *rate.Limiter, logger *zap.Logger) *RetryingGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryingGenerator{
		next:       next,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		limiter:    limiter,
		logger:     logger,
	}
}

func (g *RetryingGenerator) Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("等待限流失败: %w", err)
			}
		}

		res, err := g.next.Generate(ctx, req)
		if err == nil {
			res.Retries += attempt
			return res, nil
		}
		lastErr = err
		if attempt == g.maxRetries || ctx.Err() != nil {
			break
		}

		metrics.GenerationRetries.Inc()
		delay := g.baseDelay << attempt
		g.logger.Warn("生成调用失败，准备重试",
			zap.String("phase", string(req.Phase)),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("生成调用失败: %w", lastErr)
}
