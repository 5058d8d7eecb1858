package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"mech-search/internal/config"
	"mech-search/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDifyGenerator_Workflow(t *testing.T) {
	var got WorkflowRunRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/workflows/run", r.URL.Path)
		assert.Equal(t, "Bearer k-1", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"task_id": "t", "data": {"status": "succeeded", "total_tokens": 1200, "outputs": {"text": "{\"p\": 0.5}"}}}`))
	}))
	defer srv.Close()

	client := NewDifyClient(srv.URL, "k-1", "workflow", "", "", "", "text")
	gen := NewDifyGenerator(client, Pricing{PromptPer1K: 1, CompletionPer1K: 2})

	res, err := gen.Generate(context.Background(), GenerationRequest{Phase: PhaseEvaluation, System: "sys", Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, `{"p": 0.5}`, res.Text)
	assert.Equal(t, "dify", res.Provider)
	assert.Equal(t, 1200, res.TotalTokens)
	// 只有 total_tokens 时按 completion 单价估算
	assert.InDelta(t, 2.4, res.CostUSD, 1e-9)

	assert.Equal(t, "sys", got.Inputs["system"])
	assert.Equal(t, "hello", got.Inputs["query"])
	assert.Equal(t, "blocking", got.ResponseMode)
}

func TestDifyGenerator_WorkflowFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": {"status": "failed", "error": "node timeout"}}`))
	}))
	defer srv.Close()

	gen := NewDifyGenerator(NewDifyClient(srv.URL, "k", "workflow", "", "", "", ""), Pricing{})
	_, err := gen.Generate(context.Background(), GenerationRequest{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node timeout")
}

func TestDifyGenerator_CompletionFallsBackToChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/completion-messages":
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"message": "app mode mismatch"}`))
		case "/chat-messages":
			var req ChatRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "sys\n\nhello", req.Query)
			w.Write([]byte(`{"answer": "ok", "metadata": {"usage": {"prompt_tokens": 1000, "completion_tokens": 500, "total_tokens": 1500}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	gen := NewDifyGenerator(NewDifyClient(srv.URL, "k", "chat", "", "", "", ""), Pricing{PromptPer1K: 0.1, CompletionPer1K: 0.2})
	res, err := gen.Generate(context.Background(), GenerationRequest{System: "sys", Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, 1500, res.TotalTokens)
	assert.InDelta(t, 0.2, res.CostUSD, 1e-9)
}

func TestDifyClient_ErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message": "invalid api key"}`))
	}))
	defer srv.Close()

	client := NewDifyClient(srv.URL, "bad", "chat", "", "", "", "")
	_, err := client.ChatOrCompletion(context.Background(), "", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestExtractWorkflowAnswer(t *testing.T) {
	assert.Equal(t, "a", extractWorkflowAnswer(map[string]interface{}{"answer": "a"}, ""))
	assert.Equal(t, "x", extractWorkflowAnswer(map[string]interface{}{"custom": "x", "text": "t"}, "custom"))
	assert.Equal(t, `{"k":1}`, extractWorkflowAnswer(map[string]interface{}{"result": map[string]interface{}{"k": 1}}, ""))
	assert.Equal(t, "", extractWorkflowAnswer(nil, ""))
}

func TestOpenAIGenerator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-test", body["model"])
		assert.Len(t, body["messages"], 2)
		assert.NotNil(t, body["response_format"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": "c1", "object": "chat.completion", "model": "gpt-test",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"candidates\": []}"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 2000, "completion_tokens": 1000, "total_tokens": 3000}}`))
	}))
	defer srv.Close()

	gen, err := NewOpenAIGenerator(config.OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1", Model: "gpt-test"},
		Pricing{PromptPer1K: 0.5, CompletionPer1K: 1})
	require.NoError(t, err)

	res, err := gen.Generate(context.Background(), GenerationRequest{Phase: PhaseDesign, System: "s", Prompt: "p", JSONMode: true})
	require.NoError(t, err)
	assert.Equal(t, `{"candidates": []}`, res.Text)
	assert.Equal(t, "openai", res.Provider)
	assert.Equal(t, 3000, res.TotalTokens)
	assert.InDelta(t, 2.0, res.CostUSD, 1e-9)
}

func TestNewOpenAIGenerator_RequiresKey(t *testing.T) {
	_, err := NewOpenAIGenerator(config.OpenAIConfig{}, Pricing{})
	assert.Error(t, err)
}

func TestNewGenerator_UnknownProvider(t *testing.T) {
	_, err := NewGenerator(config.LLMConfig{Provider: "carrier-pigeon"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

type flakyGenerator struct {
	failures int32
	calls    atomic.Int32
}

func (f *flakyGenerator) Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return nil, errFakeUpstream
	}
	return &GenerationResult{Text: "ok", Provider: "flaky"}, nil
}

func TestRetryingGenerator_RetriesThenSucceeds(t *testing.T) {
	next := &flakyGenerator{failures: 2}
	gen := NewRetryingGenerator(next, 2, time.Millisecond, nil, zaptest.NewLogger(t))

	res, err := gen.Generate(context.Background(), GenerationRequest{Phase: PhaseDesign})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Retries)
	assert.Equal(t, int32(3), next.calls.Load())
}

func TestRetryingGenerator_GivesUp(t *testing.T) {
	next := &flakyGenerator{failures: 10}
	gen := NewRetryingGenerator(next, 1, time.Millisecond, nil, zaptest.NewLogger(t))

	_, err := gen.Generate(context.Background(), GenerationRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errFakeUpstream))
	assert.Equal(t, int32(2), next.calls.Load())
}

func TestRetryingGenerator_StopsOnCancel(t *testing.T) {
	next := &flakyGenerator{failures: 10}
	gen := NewRetryingGenerator(next, 5, time.Hour, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := gen.Generate(ctx, GenerationRequest{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), next.calls.Load())
}

func TestMeteredGenerator_BudgetGate(t *testing.T) {
	fake := newFakeGenerator()
	fake.costPerCall = 0.6
	tracker := newUsageTracker(model.LLMUsage{}, 1.0)
	gen := &meteredGenerator{next: fake, tracker: tracker}

	for i := 0; i < 2; i++ {
		_, err := gen.Generate(context.Background(), GenerationRequest{Phase: PhaseDesign})
		require.NoError(t, err)
	}
	_, err := gen.Generate(context.Background(), GenerationRequest{Phase: PhaseDesign})
	assert.ErrorIs(t, err, ErrBudgetExhausted)
	assert.Equal(t, 2, fake.Calls(PhaseDesign))

	u := tracker.snapshot()
	assert.Equal(t, 2, u.Total.Calls)
	assert.InDelta(t, 1.2, u.Total.CostUSD, 1e-9)
	assert.Equal(t, 2, u.ByProvider["fake"].Calls)
}
