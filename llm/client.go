// Package llm provides the model gateway: a single-call, provider-agnostic
// text generation client. It resolves model ids through model.Registry.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/c360studio/testgen/metrics"
	"github.com/c360studio/testgen/model"
	"github.com/google/uuid"
)

// maxResponseSize limits the LLM response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Gateway is the capability the generation pipeline depends on.
// Implementations make exactly one backend call and never retry.
//
// A call that fails returns *ModelError. A call that succeeds without text
// returns an error matching ErrNoContent.
type Gateway interface {
	Generate(ctx context.Context, prompt, modelID string, temperature float64) (string, error)
}

// Client is the registry-backed Gateway implementation.
type Client struct {
	registry   *model.Registry
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request defines a completion request.
type Request struct {
	// Model is the registry model id. Empty uses the registry default.
	Model string

	// Messages is the chat history to send to the LLM.
	Messages []Message

	// Temperature controls randomness. nil uses endpoint default, 0 is deterministic.
	Temperature *float64

	// MaxTokens limits response length. 0 uses endpoint default.
	MaxTokens int
}

// TokenUsage represents token consumption details for an LLM call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the LLM completion result.
type Response struct {
	// RequestID uniquely identifies this call in logs.
	RequestID string

	// Content is the generated text.
	Content string

	// Model is the actual model that was used.
	Model string

	// Usage contains detailed token consumption metrics.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// WithMetrics records call latency per model.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(client *Client) {
		client.metrics = m
	}
}

// NewClient creates a new LLM client with the given model registry.
func NewClient(registry *model.Registry, opts ...ClientOption) *Client {
	c := &Client{
		registry: registry,
		httpClient: &http.Client{
			Timeout: 180 * time.Second, // Allow time for LLM responses
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Generate sends prompt as a single user message and returns the text.
func (c *Client) Generate(ctx context.Context, prompt, modelID string, temperature float64) (string, error) {
	resp, err := c.Complete(ctx, Request{
		Model:       modelID,
		Messages:    []Message{{Role: "user", Content: prompt}},
		Temperature: &temperature,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Complete sends one completion request. There is no retry or fallback.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	modelName := c.registry.Resolve(req.Model)
	endpoint := c.registry.GetEndpoint(modelName)
	if endpoint == nil {
		return nil, &ModelError{
			Model: modelName,
			Err:   NewFatalError(fmt.Errorf("no endpoint configured for model %q", modelName)),
		}
	}

	requestID := uuid.New().String()
	startedAt := time.Now()

	resp, err := c.dispatch(ctx, endpoint, req)
	duration := time.Since(startedAt)

	if err != nil {
		c.metrics.ModelCall(modelName, "error", duration)
		c.logger.Warn("Model call failed",
			"request_id", requestID,
			"model", modelName,
			"provider", endpoint.Provider,
			"duration", duration,
			"error", err)
		return nil, &ModelError{Model: modelName, Provider: endpoint.Provider, Err: err}
	}

	if strings.TrimSpace(resp.Content) == "" {
		c.metrics.ModelCall(modelName, "empty", duration)
		c.logger.Warn("Model returned no content",
			"request_id", requestID,
			"model", modelName,
			"finish_reason", resp.FinishReason)
		return nil, fmt.Errorf("%w: model %s, finish reason %q", ErrNoContent, modelName, resp.FinishReason)
	}

	c.metrics.ModelCall(modelName, "ok", duration)
	c.logger.Debug("Model call complete",
		"request_id", requestID,
		"model", modelName,
		"total_tokens", resp.Usage.TotalTokens,
		"duration", duration)

	resp.RequestID = requestID
	if resp.Model == "" {
		resp.Model = endpoint.Model
	}
	return resp, nil
}

// dispatch routes to an SDK provider if one is registered, else the HTTP path.
func (c *Client) dispatch(ctx context.Context, ep *model.EndpointConfig, req Request) (*Response, error) {
	if sdk := GetSDKProvider(ep.Provider); sdk != nil {
		if req.MaxTokens == 0 {
			req.MaxTokens = ep.MaxTokens
		}
		return sdk.Complete(ctx, ep, req)
	}
	return c.doRequest(ctx, ep, req)
}

// doRequest executes a single HTTP request to the LLM endpoint.
func (c *Client) doRequest(ctx context.Context, ep *model.EndpointConfig, req Request) (*Response, error) {
	provider := GetProvider(ep.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", ep.Provider))
	}

	url := provider.BuildURL(ep.URL)

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = ep.MaxTokens
	}
	body, err := provider.BuildRequestBody(ep.Model, req.Messages, req.Temperature, maxTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	c.logger.Debug("Sending LLM request",
		"provider", ep.Provider,
		"model", ep.Model,
		"url", url,
		"messages", len(req.Messages))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		// Network errors are transient
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	// Read response body with size limit to prevent memory exhaustion
	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	resp, err := provider.ParseResponse(respBody, ep.Model)
	if err != nil {
		return nil, NewFatalError(err)
	}
	return resp, nil
}

// classifyHTTPError determines if an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("LLM API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		// Rate limiting is transient
		return NewTransientError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	default:
		// Auth, bad request and unknown errors are fatal
		return NewFatalError(err)
	}
}
