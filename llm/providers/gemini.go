package providers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/c360studio/testgen/llm"
	"github.com/c360studio/testgen/model"
	"google.golang.org/genai"
)

// GeminiProvider calls Google's Gemini API through the genai SDK.
// Clients are created lazily per base URL and reused.
type GeminiProvider struct {
	mu      sync.Mutex
	clients map[string]*genai.Client

	// apiKey overrides the GEMINI_API_KEY / GOOGLE_API_KEY lookup when set.
	apiKey string
}

func init() {
	llm.RegisterSDKProvider(&GeminiProvider{})
}

// Name returns the provider identifier.
func (g *GeminiProvider) Name() string {
	return "gemini"
}

func (g *GeminiProvider) resolveAPIKey() string {
	if g.apiKey != "" {
		return g.apiKey
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		return key
	}
	return os.Getenv("GOOGLE_API_KEY")
}

func (g *GeminiProvider) client(ctx context.Context, baseURL string) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.clients[baseURL]; ok {
		return c, nil
	}

	apiKey := g.resolveAPIKey()
	if apiKey == "" {
		return nil, llm.NewFatalError(fmt.Errorf("gemini: GEMINI_API_KEY is not set"))
	}

	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}

	c, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, llm.NewFatalError(fmt.Errorf("create gemini client: %w", err))
	}
	if g.clients == nil {
		g.clients = make(map[string]*genai.Client)
	}
	g.clients[baseURL] = c
	return c, nil
}

// Complete sends the request through Models.GenerateContent.
func (g *GeminiProvider) Complete(ctx context.Context, ep *model.EndpointConfig, req llm.Request) (*llm.Response, error) {
	client, err := g.client(ctx, ep.URL)
	if err != nil {
		return nil, err
	}

	contents, cfg := buildGeminiRequest(req)

	resp, err := client.Models.GenerateContent(ctx, ep.Model, contents, cfg)
	if err != nil {
		return nil, classifyGeminiError(err)
	}

	out := &llm.Response{
		Content: resp.Text(),
		Model:   resp.ModelVersion,
	}
	if out.Model == "" {
		out.Model = ep.Model
	}
	if len(resp.Candidates) > 0 {
		out.FinishReason = string(resp.Candidates[0].FinishReason)
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.TokenUsage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

// buildGeminiRequest maps chat messages onto genai contents. System messages
// become the system instruction; assistant turns use the model role.
func buildGeminiRequest(req llm.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	cfg := &genai.GenerateContentConfig{}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		cfg.Temperature = &t
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			cfg.SystemInstruction = genai.NewContentFromText(msg.Content, genai.RoleUser)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}
	return contents, cfg
}

// classifyGeminiError maps API status codes onto transient/fatal.
func classifyGeminiError(err error) error {
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	default:
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return llm.NewTransientError(fmt.Errorf("gemini request failed: %w", err))
	}

	wrapped := fmt.Errorf("gemini API error (status %d): %w", code, err)
	if code == 429 || code >= 500 {
		return llm.NewTransientError(wrapped)
	}
	return llm.NewFatalError(wrapped)
}
