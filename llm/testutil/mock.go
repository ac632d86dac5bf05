// Package testutil provides a scripted llm.Gateway for pipeline tests.
package testutil

import (
	"context"
	"sync"

	"github.com/c360studio/testgen/llm"
)

// Call records one Generate invocation.
type Call struct {
	Prompt      string
	Model       string
	Temperature float64
}

// MockGateway is a thread-safe llm.Gateway that returns scripted replies.
//
// Usage:
//
//	mock := &MockGateway{Responses: []string{"```json\n[...]\n```"}}
//	mock := &MockGateway{Err: &llm.ModelError{Model: "m", Err: errors.New("down")}}
type MockGateway struct {
	mu sync.Mutex

	// Responses are returned in order. Once exhausted the last one repeats.
	Responses []string

	// Err takes precedence over Responses.
	Err error

	calls []Call
	ctx   context.Context
}

var _ llm.Gateway = (*MockGateway)(nil)

// Generate records the call and returns the next scripted reply.
func (m *MockGateway) Generate(ctx context.Context, prompt, modelID string, temperature float64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ctx = ctx
	m.calls = append(m.calls, Call{Prompt: prompt, Model: modelID, Temperature: temperature})

	if m.Err != nil {
		return "", m.Err
	}
	if err := ctx.Err(); err != nil {
		return "", &llm.ModelError{Model: modelID, Err: err}
	}
	if len(m.Responses) == 0 {
		return "", llm.ErrNoContent
	}

	i := len(m.calls) - 1
	if i >= len(m.Responses) {
		i = len(m.Responses) - 1
	}
	return m.Responses[i], nil
}

// Calls returns a copy of all recorded calls.
func (m *MockGateway) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of Generate calls.
func (m *MockGateway) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// LastPrompt returns the prompt of the most recent call.
func (m *MockGateway) LastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return ""
	}
	return m.calls[len(m.calls)-1].Prompt
}

// CapturedContext returns the context passed to the last call.
func (m *MockGateway) CapturedContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}
