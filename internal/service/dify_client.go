package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type DifyClient struct {
	BaseURL           string
	APIKey            string
	Client            *http.Client
	AppType           string
	ResponseMode      string
	WorkflowSystemKey string
	WorkflowQueryKey  string
	WorkflowOutputKey string
}

func NewDifyClient(baseURL, apiKey string, appType string, responseMode string, workflowSystemKey string, workflowQueryKey string, workflowOutputKey string) *DifyClient {
	if responseMode == "" {
		responseMode = "blocking"
	}
	if workflowSystemKey == "" {
		workflowSystemKey = "system"
	}
	if workflowQueryKey == "" {
		workflowQueryKey = "query"
	}
	return &DifyClient{
		BaseURL:           baseURL,
		APIKey:            apiKey,
		AppType:           appType,
		ResponseMode:      responseMode,
		WorkflowSystemKey: workflowSystemKey,
		WorkflowQueryKey:  workflowQueryKey,
		WorkflowOutputKey: workflowOutputKey,
		Client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type difyUsage struct {
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	TotalPrice       string `json:"total_price"`
}

type ChatRequest struct {
	Inputs         map[string]interface{} `json:"inputs"`
	Query          string                 `json:"query"`
	ResponseMode   string                 `json:"response_mode"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	User           string                 `json:"user"`
}

// ChatResponse chat/completion 两种端点的公共响应
type ChatResponse struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Answer         string `json:"answer"`
	Metadata       struct {
		Usage difyUsage `json:"usage"`
	} `json:"metadata"`
}

type CompletionRequest struct {
	Inputs       map[string]interface{} `json:"inputs"`
	Query        string                 `json:"query"`
	ResponseMode string                 `json:"response_mode"`
	User         string                 `json:"user"`
}

type WorkflowRunRequest struct {
	Inputs       map[string]interface{} `json:"inputs"`
	ResponseMode string                 `json:"response_mode"`
	User         string                 `json:"user"`
}

type WorkflowRunResponse struct {
	TaskID string `json:"task_id"`
	Data   struct {
		ID          string                 `json:"id"`
		Outputs     map[string]interface{} `json:"outputs"`
		Status      string                 `json:"status"`
		Error       string                 `json:"error"`
		TotalTokens int                    `json:"total_tokens"`
	} `json:"data"`
}

func (c *DifyClient) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	url := fmt.Sprintf("%s%s", c.BaseURL, path)

	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.APIKey))

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		// 尝试解析错误信息
		var errResp map[string]interface{}
		if json.Unmarshal(body, &errResp) == nil {
			if msg, ok := errResp["message"].(string); ok {
				return fmt.Errorf("API返回错误: %d, %s", resp.StatusCode, msg)
			}
		}
		// 如果无法解析，返回原始body（截取前500字符避免过长）
		return fmt.Errorf("API返回错误: %d, %s", resp.StatusCode, truncate(string(body), 500))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}

// Chat 使用chat-messages端点（适用于chat模式应用）
func (c *DifyClient) Chat(ctx context.Context, prompt string, inputs map[string]interface{}) (*ChatResponse, error) {
	var chatResp ChatResponse
	err := c.post(ctx, "/chat-messages", ChatRequest{
		Inputs:       inputs,
		Query:        prompt,
		ResponseMode: c.ResponseMode,
		User:         "mech-search",
	}, &chatResp)
	if err != nil {
		return nil, err
	}
	return &chatResp, nil
}

// Completion 使用completions端点（适用于completion模式应用）
func (c *DifyClient) Completion(ctx context.Context, prompt string, inputs map[string]interface{}) (*ChatResponse, error) {
	var resp ChatResponse
	err := c.post(ctx, "/completion-messages", CompletionRequest{
		Inputs:       inputs,
		Query:        prompt,
		ResponseMode: c.ResponseMode,
		User:         "mech-search",
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *DifyClient) WorkflowRun(ctx context.Context, inputs map[string]interface{}) (string, int, error) {
	// streaming 模式会返回 SSE；这里不解析 SSE，建议用 blocking
	var runResp WorkflowRunResponse
	err := c.post(ctx, "/workflows/run", WorkflowRunRequest{
		Inputs:       inputs,
		ResponseMode: c.ResponseMode,
		User:         "mech-search",
	}, &runResp)
	if err != nil {
		return "", 0, err
	}
	if runResp.Data.Status == "failed" {
		return "", runResp.Data.TotalTokens, fmt.Errorf("workflow 执行失败: %s", runResp.Data.Error)
	}

	answer := extractWorkflowAnswer(runResp.Data.Outputs, c.WorkflowOutputKey)
	return answer, runResp.Data.TotalTokens, nil
}

func extractWorkflowAnswer(outputs map[string]interface{}, outputKey string) string {
	if outputs == nil {
		return ""
	}

	if outputKey != "" {
		if v, ok := outputs[outputKey]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			b, _ := json.Marshal(v)
			return string(b)
		}
	}

	for _, k := range []string{"answer", "text", "output", "result"} {
		if v, ok := outputs[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			b, _ := json.Marshal(v)
			return string(b)
		}
	}

	for _, v := range outputs {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}

	b, _ := json.Marshal(outputs)
	return string(b)
}

// ChatOrCompletion 智能选择API端点：workflow -> completion -> chat
func (c *DifyClient) ChatOrCompletion(ctx context.Context, system, prompt string) (*ChatResponse, error) {
	if c.AppType == "workflow" {
		ans, tokens, err := c.WorkflowRun(ctx, map[string]interface{}{
			c.WorkflowSystemKey: system,
			c.WorkflowQueryKey:  prompt,
		})
		if err != nil {
			return nil, err
		}
		var resp ChatResponse
		resp.Answer = ans
		resp.Metadata.Usage.TotalTokens = tokens
		return &resp, nil
	}

	full := prompt
	if system != "" {
		full = system + "\n\n" + prompt
	}
	inputs := map[string]interface{}{}

	completionResp, err := c.Completion(ctx, full, inputs)
	if err == nil {
		return completionResp, nil
	}
	completionErr := err

	chatResp, chatErr := c.Chat(ctx, full, inputs)
	if chatErr == nil {
		return chatResp, nil
	}

	// 所有模式都失败，返回详细错误信息
	return nil, fmt.Errorf("所有API端点都失败: appType=%s, completion(%v), chat(%v)",
		c.AppType, completionErr, chatErr)
}

// DifyGenerator 把 Dify 应用适配为 Generator
type DifyGenerator struct {
	client  *DifyClient
	pricing Pricing
}

func NewDifyGenerator(client *DifyClient, pricing Pricing) *DifyGenerator {
	return &DifyGenerator{client: client, pricing: pricing}
}

func (g *DifyGenerator) Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	resp, err := g.client.ChatOrCompletion(ctx, req.System, req.Prompt)
	if err != nil {
		return nil, fmt.Errorf("调用AI失败: %w", err)
	}
	u := resp.Metadata.Usage
	return &GenerationResult{
		Text:             resp.Answer,
		Provider:         "dify",
		Model:            g.client.AppType,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		CostUSD:          g.pricing.Cost(u.PromptTokens, u.CompletionTokens, u.TotalTokens),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
