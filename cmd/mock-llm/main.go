// Package main implements a mock model server for local development and
// end-to-end checks of testgen without a real model backend.
//
// It serves OpenAI-compatible /v1/chat/completions responses. Replies come
// from fixture files named by model ("mock-smoke.txt" serves model
// "mock-smoke"); numbered files ("mock-smoke.1.txt", "mock-smoke.2.txt")
// are returned in order on successive calls before the base file repeats.
// Fixtures are raw model text, so malformed output can be replayed too.
//
// A model without fixtures gets a generated smoke plan that navigates to the
// application URL found in the prompt.
//
// Usage:
//
//	mock-llm --fixtures ./fixtures --addr :11434
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
)

// --- OpenAI-compatible types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Server ---

type server struct {
	fixtures map[string][]string // model name → ordered replies
	calls    atomic.Int64
	logger   *slog.Logger

	mu         sync.Mutex
	modelCalls map[string]int
	prompts    map[string][]string
}

func newServer(fixtures map[string][]string, logger *slog.Logger) *server {
	if fixtures == nil {
		fixtures = map[string][]string{}
	}
	return &server{
		fixtures:   fixtures,
		logger:     logger,
		modelCalls: make(map[string]int),
		prompts:    make(map[string][]string),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /stats", s.handleStats)
	return mux
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		fixtureDir string
		addr       string
	)

	cmd := &cobra.Command{
		Use:          "mock-llm",
		Short:        "OpenAI-compatible mock model server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))

			if fixtureDir == "" {
				fixtureDir = os.Getenv("MOCK_LLM_FIXTURES")
			}

			var fixtures map[string][]string
			if fixtureDir != "" {
				var err error
				if fixtures, err = loadFixtures(fixtureDir); err != nil {
					return fmt.Errorf("load fixtures from %s: %w", fixtureDir, err)
				}
				for model, seq := range fixtures {
					logger.Info("Loaded fixtures", "model", model, "count", len(seq))
				}
			}

			s := newServer(fixtures, logger)
			srv := &http.Server{Addr: addr, Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}
			logger.Info("Mock model server listening", "addr", addr)
			return srv.ListenAndServe()
		},
	}

	cmd.Flags().StringVar(&fixtureDir, "fixtures", "", "Directory of fixture replies (default $MOCK_LLM_FIXTURES)")
	cmd.Flags().StringVar(&addr, "addr", ":11434", "Listen address")
	return cmd
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	callNum := s.calls.Add(1)
	prompt := lastUserMessage(req.Messages)

	s.mu.Lock()
	callIndex := s.modelCalls[req.Model]
	s.modelCalls[req.Model]++
	s.prompts[req.Model] = append(s.prompts[req.Model], prompt)
	s.mu.Unlock()

	content, source := s.reply(req.Model, callIndex, prompt)
	s.logger.Info("Chat completion",
		"call", callNum,
		"model", req.Model,
		"call_index", callIndex+1,
		"source", source,
		"bytes", len(content))

	writeJSON(w, chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     len(prompt) / 4, // rough estimate
			CompletionTokens: len(content) / 4,
			TotalTokens:      (len(prompt) + len(content)) / 4,
		},
	})
}

// reply picks the fixture for the call, or a generated smoke plan.
func (s *server) reply(model string, callIndex int, prompt string) (string, string) {
	seq, ok := s.fixtures[model]
	if !ok {
		seq, ok = s.fixtures[strings.TrimPrefix(model, "mock-")]
	}
	if !ok || len(seq) == 0 {
		return smokePlan(prompt), "generated"
	}
	if callIndex < len(seq) {
		return seq[callIndex], "fixture"
	}
	return seq[len(seq)-1], "fixture"
}

// appURLPattern finds the application URL line of a generation prompt.
var appURLPattern = regexp.MustCompile(`\*\*Application URL:\*\*\s+(\S+)`)

// smokePlan returns a fenced single-case plan for the prompt's application.
func smokePlan(prompt string) string {
	appURL := "http://localhost:3000"
	if m := appURLPattern.FindStringSubmatch(prompt); m != nil {
		appURL = m[1]
	}

	plan := []map[string]any{{
		"name":        "Application loads",
		"description": "The landing page renders with a heading",
		"steps": []map[string]any{
			{"action": "navigate", "value": appURL},
			{"action": "wait", "value": "1000", "optional": true},
			{"action": "assert", "selector": "body", "expected": ""},
		},
	}}
	data, _ := json.MarshalIndent(plan, "", "  ")
	return "```json\n" + string(data) + "\n```"
}

func lastUserMessage(msgs []chatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}

// handleModels lists fixture models (OpenAI-compatible).
func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	names := make([]string, 0, len(s.fixtures))
	for name := range s.fixtures {
		names = append(names, name)
	}
	sort.Strings(names)

	models := make([]modelEntry, 0, len(names))
	for _, name := range names {
		models = append(models, modelEntry{ID: name, Object: "model", OwnedBy: "mock-llm"})
	}
	writeJSON(w, map[string]any{"object": "list", "data": models})
}

// handleStats returns call counts and captured prompts.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	calls := make(map[string]int, len(s.modelCalls))
	for model, n := range s.modelCalls {
		calls[model] = n
	}
	prompts := make(map[string][]string, len(s.prompts))
	for model, p := range s.prompts {
		prompts[model] = append([]string(nil), p...)
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"total_calls":    s.calls.Load(),
		"calls_by_model": calls,
		"prompts":        prompts,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// numberedFileRe matches files like "mock-smoke.1.txt".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.(txt|md|json)$`)

var fixtureExts = []string{".txt", ".md", ".json"}

// loadFixtures reads fixture files from dir and returns model → replies.
// Numbered files come first in numeric order; the base file is appended
// as the repeating fallback.
func loadFixtures(dir string) (map[string][]string, error) {
	base := make(map[string]string)
	numbered := make(map[string]map[int]string)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		if !isFixtureExt(ext) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}

		if m := numberedFileRe.FindStringSubmatch(name); m != nil {
			idx, _ := strconv.Atoi(m[2])
			if numbered[m[1]] == nil {
				numbered[m[1]] = make(map[int]string)
			}
			numbered[m[1]][idx] = string(data)
			continue
		}
		base[strings.TrimSuffix(name, ext)] = string(data)
	}

	fixtures := make(map[string][]string)
	for model, byIndex := range numbered {
		indices := make([]int, 0, len(byIndex))
		for idx := range byIndex {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			fixtures[model] = append(fixtures[model], byIndex[idx])
		}
	}
	for model, content := range base {
		fixtures[model] = append(fixtures[model], content)
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}

func isFixtureExt(ext string) bool {
	for _, e := range fixtureExts {
		if ext == e {
			return true
		}
	}
	return false
}
