package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/c360studio/testgen/llm"
)

// ChatCompletionsProvider speaks the OpenAI chat completions format. It backs
// both OpenAI itself and OpenAI-compatible servers such as Ollama and vLLM.
type ChatCompletionsProvider struct {
	name       string
	defaultURL string
	apiKeyEnv  string
}

func init() {
	llm.RegisterProvider(&ChatCompletionsProvider{
		name:       "openai",
		defaultURL: "https://api.openai.com/v1",
		apiKeyEnv:  "OPENAI_API_KEY",
	})
	llm.RegisterProvider(&ChatCompletionsProvider{
		name:       "ollama",
		defaultURL: "http://localhost:11434/v1",
		apiKeyEnv:  "OLLAMA_API_KEY",
	})
}

// Name returns the provider identifier.
func (p *ChatCompletionsProvider) Name() string {
	return p.name
}

// BuildURL appends /chat/completions unless the base already ends with it.
func (p *ChatCompletionsProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = p.defaultURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + "/chat/completions"
}

// SetHeaders adds a bearer token when the provider's key variable is set,
// plus OpenRouter attribution headers.
func (p *ChatCompletionsProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv(p.apiKeyEnv); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if siteURL := os.Getenv("OPENROUTER_SITE_URL"); siteURL != "" {
		req.Header.Set("HTTP-Referer", siteURL)
	}
	if siteName := os.Getenv("OPENROUTER_SITE_NAME"); siteName != "" {
		req.Header.Set("X-Title", siteName)
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// BuildRequestBody creates the chat completions request body.
func (p *ChatCompletionsProvider) BuildRequestBody(model string, messages []llm.Message, temperature *float64, maxTokens int) ([]byte, error) {
	req := chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature, // nil = use default, 0 = deterministic
	}
	if maxTokens > 0 {
		req.MaxTokens = &maxTokens
	}
	return json.Marshal(req)
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// ParseResponse reads the first choice. A response without choices yields
// empty content so the gateway can report it as "no content".
func (p *ChatCompletionsProvider) ParseResponse(body []byte, model string) (*llm.Response, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse %s response: %w", p.name, err)
	}

	out := &llm.Response{
		Model: resp.Model,
		Usage: llm.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if out.Model == "" {
		out.Model = model
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
		out.FinishReason = resp.Choices[0].FinishReason
	}
	return out, nil
}
