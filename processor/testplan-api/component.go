// Package testplanapi exposes the generation pipeline, the run lifecycle
// and document lookup over HTTP.
//
// Authentication happens upstream. The resolved caller arrives in the
// X-User-ID and X-User-Admin headers; requests without a user id are
// rejected before reaching any handler.
package testplanapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/testgen/metrics"
	"github.com/c360studio/testgen/model"
	"github.com/c360studio/testgen/processor/lifecycle"
	plangenerator "github.com/c360studio/testgen/processor/plan-generator"
	runlifecycle "github.com/c360studio/testgen/processor/run-lifecycle"
	"github.com/c360studio/testgen/storage"
	"github.com/c360studio/testgen/testplan"
)

// DefaultMaxBodyBytes caps request bodies.
const DefaultMaxBodyBytes = 1 << 20 // 1 MB

// Generator is the generation pipeline.
type Generator interface {
	Generate(ctx context.Context, req plangenerator.Request) (*plangenerator.Result, error)
}

// RunManager is the run lifecycle.
type RunManager interface {
	CreateRun(ctx context.Context, p testplan.Principal, planID string) (*testplan.TestReport, error)
	ListRuns(ctx context.Context, p testplan.Principal, f storage.ReportFilter) ([]*testplan.TestReport, error)
	Advance(ctx context.Context, p testplan.Principal, id string, next testplan.Status, results json.RawMessage) (*testplan.TestReport, error)
	DeleteRun(ctx context.Context, p testplan.Principal, id string) error
}

var (
	_ Generator  = (*plangenerator.Component)(nil)
	_ RunManager = (*runlifecycle.Component)(nil)
)

// Dependencies are the collaborators of a Component.
type Dependencies struct {
	Generator Generator
	Runs      RunManager
	Plans     storage.PlanStore
	Reports   storage.ReportStore
	Models    *model.Registry

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Config holds configuration for the API.
type Config struct {
	// Prefix is the route prefix of the API endpoints.
	Prefix string `json:"prefix" schema:"type:string,description:Route prefix of the API endpoints,category:basic,default:api"`

	MaxBodyBytes int64 `json:"max_body_bytes" schema:"type:int,description:Request body limit in bytes,category:advanced,default:1048576"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Prefix:       "api",
		MaxBodyBytes: DefaultMaxBodyBytes,
	}
}

// HealthReporter is a component whose health /healthz includes.
type HealthReporter interface {
	Meta() component.Metadata
	Health() component.HealthStatus
}

// Component serves the HTTP API.
type Component struct {
	config    Config
	generator Generator
	runs      RunManager
	plans     storage.PlanStore
	reports   storage.ReportStore
	models    *model.Registry
	logger    *slog.Logger
	metrics   *metrics.Metrics

	life      lifecycle.State
	monitorMu sync.RWMutex
	monitored []HealthReporter
}

// NewComponent constructs the API component.
func NewComponent(config Config, deps Dependencies) (*Component, error) {
	switch {
	case deps.Generator == nil:
		return nil, fmt.Errorf("generator is required")
	case deps.Runs == nil:
		return nil, fmt.Errorf("run manager is required")
	case deps.Plans == nil || deps.Reports == nil:
		return nil, fmt.Errorf("plan and report stores are required")
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if config.Prefix == "" {
		config.Prefix = "api"
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Component{
		config:    config,
		generator: deps.Generator,
		runs:      deps.Runs,
		plans:     deps.Plans,
		reports:   deps.Reports,
		models:    deps.Models,
		logger:    logger.With("component", "testplan-api"),
		metrics:   deps.Metrics,
	}, nil
}

// Handler returns the full HTTP surface: the API routes plus /healthz and,
// when metrics are configured, /metrics.
func (c *Component) Handler() http.Handler {
	mux := http.NewServeMux()
	c.RegisterHTTPHandlers(c.config.Prefix, mux)

	mux.HandleFunc("GET /healthz", c.handleHealth)
	if c.metrics != nil {
		mux.Handle("GET /metrics", c.metrics.Handler())
	}
	return c.logRequests(mux)
}

// Monitor adds components to the /healthz report.
func (c *Component) Monitor(reporters ...HealthReporter) {
	c.monitorMu.Lock()
	defer c.monitorMu.Unlock()
	c.monitored = append(c.monitored, reporters...)
}

// ComponentHealth is one entry of the /healthz report.
type ComponentHealth struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Healthy    bool   `json:"healthy"`
	ErrorCount int    `json:"errorCount"`
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components []ComponentHealth `json:"components"`
}

// handleHealth reports this component and every monitored one. Any
// unhealthy component turns the response into a 503.
func (c *Component) handleHealth(w http.ResponseWriter, _ *http.Request) {
	c.monitorMu.RLock()
	reporters := append([]HealthReporter{c}, c.monitored...)
	c.monitorMu.RUnlock()

	resp := HealthResponse{Status: "ok"}
	code := http.StatusOK
	for _, r := range reporters {
		h := r.Health()
		resp.Components = append(resp.Components, ComponentHealth{
			Name:       r.Meta().Name,
			Status:     h.Status,
			Healthy:    h.Healthy,
			ErrorCount: h.ErrorCount,
		})
		if !h.Healthy {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized testplan-api",
		"prefix", c.config.Prefix,
		"max_body_bytes", c.config.MaxBodyBytes)
	return nil
}

// Start marks the API as serving. The HTTP listener belongs to the host.
func (c *Component) Start(_ context.Context) error {
	if err := c.life.Start(nil); err != nil {
		return err
	}
	c.logger.Info("testplan-api started", "prefix", c.config.Prefix)
	return nil
}

// Stop marks the API as stopped.
func (c *Component) Stop(_ time.Duration) error {
	return c.life.Stop(func() {
		c.logger.Info("testplan-api stopped")
	})
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        componentName,
		Type:        "processor",
		Description: componentDescription,
		Version:     componentVersion,
	}
}

// InputPorts returns an empty list; the API is served over HTTP.
func (c *Component) InputPorts() []component.Port {
	return []component.Port{}
}

// OutputPorts returns an empty list.
func (c *Component) OutputPorts() []component.Port {
	return []component.Port{}
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return testplanAPISchema
}

// Health returns the current health status. Server errors count as
// errors.
func (c *Component) Health() component.HealthStatus {
	return c.life.Health()
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return c.life.DataFlow()
}
