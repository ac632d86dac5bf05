package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/c360studio/testgen/llm"
	"github.com/c360studio/testgen/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestProvidersRegistered(t *testing.T) {
	for _, name := range []string{"anthropic", "openai", "ollama"} {
		assert.NotNil(t, llm.GetProvider(name), "provider %s", name)
	}
	assert.NotNil(t, llm.GetSDKProvider("gemini"))
	assert.Equal(t, []string{"anthropic", "gemini", "ollama", "openai"}, llm.ListProviders())
}

func TestAnthropicProvider_BuildURL(t *testing.T) {
	p := &AnthropicProvider{}
	assert.Equal(t, "https://api.anthropic.com/v1/messages", p.BuildURL(""))
	assert.Equal(t, "https://proxy.test/v1/messages", p.BuildURL("https://proxy.test/"))
}

func TestAnthropicProvider_BuildRequestBody(t *testing.T) {
	p := &AnthropicProvider{}

	messages := []llm.Message{
		{Role: "system", Content: "Answer with JSON."},
		{Role: "user", Content: "Plan tests"},
	}

	temp := 0.0
	body, err := p.BuildRequestBody("claude-x", messages, &temp, 0)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "Answer with JSON.", got["system"])
	assert.Equal(t, float64(anthropicDefaultMaxTokens), got["max_tokens"])
	assert.Equal(t, 0.0, got["temperature"], "zero temperature must be sent")
	assert.Len(t, got["messages"], 1)
	assert.NotContains(t, string(body), `"role":"system"`)
}

func TestAnthropicProvider_ParseResponse(t *testing.T) {
	p := &AnthropicProvider{}

	resp, err := p.ParseResponse([]byte(`{
		"model": "claude-x-2025",
		"content": [
			{"type": "text", "text": "First part. "},
			{"type": "tool_use", "text": "ignored"},
			{"type": "text", "text": "Second part."}
		],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 15, "output_tokens": 8}
	}`), "claude-x")
	require.NoError(t, err)

	assert.Equal(t, "First part. Second part.", resp.Content)
	assert.Equal(t, "claude-x-2025", resp.Model)
	assert.Equal(t, 23, resp.Usage.TotalTokens)
	assert.Equal(t, "end_turn", resp.FinishReason)
}

func TestChatCompletionsProvider_BuildURL(t *testing.T) {
	openai := llm.GetProvider("openai")
	ollama := llm.GetProvider("ollama")

	tests := []struct {
		name     string
		provider llm.Provider
		baseURL  string
		want     string
	}{
		{"openai default", openai, "", "https://api.openai.com/v1/chat/completions"},
		{"ollama default", ollama, "", "http://localhost:11434/v1/chat/completions"},
		{"custom base", openai, "https://openrouter.ai/api/v1/", "https://openrouter.ai/api/v1/chat/completions"},
		{"already complete", ollama, "http://gpu:8000/v1/chat/completions", "http://gpu:8000/v1/chat/completions"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.provider.BuildURL(tt.baseURL))
		})
	}
}

func TestChatCompletionsProvider_SetHeaders(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-api-key")
	t.Setenv("OPENROUTER_SITE_NAME", "Test Gen")

	req, _ := http.NewRequest("POST", "https://api.openai.com/v1/chat/completions", nil)
	llm.GetProvider("openai").SetHeaders(req)

	assert.Equal(t, "Bearer test-api-key", req.Header.Get("Authorization"))
	assert.Equal(t, "Test Gen", req.Header.Get("X-Title"))
}

func TestChatCompletionsProvider_BuildRequestBody(t *testing.T) {
	p := llm.GetProvider("ollama")

	body, err := p.BuildRequestBody("qwen", []llm.Message{{Role: "user", Content: "hi"}}, nil, 0)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "temperature")
	assert.NotContains(t, string(body), "max_tokens")

	temp := 0.2
	body, err = p.BuildRequestBody("qwen", []llm.Message{{Role: "user", Content: "hi"}}, &temp, 512)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"temperature":0.2`)
	assert.Contains(t, string(body), `"max_tokens":512`)
}

func TestChatCompletionsProvider_ParseResponse_NoChoices(t *testing.T) {
	p := llm.GetProvider("openai")

	resp, err := p.ParseResponse([]byte(`{"model": "gpt", "choices": []}`), "gpt")
	require.NoError(t, err)
	assert.Empty(t, resp.Content)
	assert.Equal(t, "gpt", resp.Model)
}

func TestChatCompletionsProvider_ParseResponse_Invalid(t *testing.T) {
	p := llm.GetProvider("openai")

	_, err := p.ParseResponse([]byte(`not json`), "gpt")
	require.Error(t, err)
}

func TestGeminiProvider_MissingKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")

	p := &GeminiProvider{}
	_, err := p.Complete(context.Background(), &model.EndpointConfig{Provider: "gemini", Model: "gemini-2.0-flash"},
		llm.Request{Messages: []llm.Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
}

func TestBuildGeminiRequest(t *testing.T) {
	temp := 0.4
	contents, cfg := buildGeminiRequest(llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "plan"},
			{Role: "assistant", Content: "ok"},
		},
		Temperature: &temp,
		MaxTokens:   256,
	})

	require.Len(t, contents, 2)
	assert.Equal(t, string(genai.RoleUser), contents[0].Role)
	assert.Equal(t, string(genai.RoleModel), contents[1].Role)
	require.NotNil(t, cfg.SystemInstruction)
	require.NotNil(t, cfg.Temperature)
	assert.InDelta(t, 0.4, *cfg.Temperature, 1e-6)
	assert.Equal(t, int32(256), cfg.MaxOutputTokens)
}

func TestClassifyGeminiError(t *testing.T) {
	assert.True(t, llm.IsTransient(classifyGeminiError(genai.APIError{Code: 429, Message: "slow down"})))
	assert.True(t, llm.IsTransient(classifyGeminiError(genai.APIError{Code: 503})))
	assert.True(t, llm.IsFatal(classifyGeminiError(genai.APIError{Code: 403})))
	assert.True(t, llm.IsTransient(classifyGeminiError(errors.New("connection reset"))))
	assert.ErrorIs(t, classifyGeminiError(context.Canceled), context.Canceled)
}
