package service

import (
	"context"
	"errors"
	"fmt"

	"mech-search/internal/config"

	"github.com/sashabaranov/go-openai"
)

// OpenAIGenerator OpenAI 兼容的 chat completions 端点
type OpenAIGenerator struct {
	client  *openai.Client
	model   string
	pricing Pricing
}

func NewOpenAIGenerator(cfg config.OpenAIConfig, pricing Pricing) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("未配置 OpenAI api_key（可用环境变量 OPENAI_API_KEY）")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIGenerator{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   model,
		pricing: pricing,
	}, nil
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	chatReq := openai.ChatCompletionRequest{
		Model:    g.model,
		Messages: messages,
	}
	if req.JSONMode {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := g.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("OpenAI 调用失败: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("OpenAI 未返回任何结果")
	}

	return &GenerationResult{
		Text:             resp.Choices[0].Message.Content,
		Provider:         "openai",
		Model:            g.model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		CostUSD:          g.pricing.Cost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalTokens),
	}, nil
}
