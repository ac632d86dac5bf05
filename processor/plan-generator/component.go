// Package plangenerator runs the documentation-to-test-plan pipeline:
// quota admission, documentation fetch, prompt rendering, one model call,
// output validation and persistence.
//
// The steps run strictly in that order within a request. A failed fetch
// degrades the prompt instead of failing the request; every other failure
// is returned to the caller.
package plangenerator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/testgen/llm"
	"github.com/c360studio/testgen/metrics"
	"github.com/c360studio/testgen/model"
	"github.com/c360studio/testgen/processor/lifecycle"
	"github.com/c360studio/testgen/quota"
	"github.com/c360studio/testgen/source/weburl"
	"github.com/c360studio/testgen/storage"
	"github.com/c360studio/testgen/testplan"
	"github.com/c360studio/testgen/workflow/prompts"
)

// Generation outcomes recorded in metrics.
const (
	OutcomeOK        = "ok"
	OutcomeInvalid   = "input_invalid"
	OutcomeQuota     = "quota_exceeded"
	OutcomeForbidden = "forbidden"
	OutcomeUpstream  = "upstream_failed"
	OutcomeMalformed = "malformed_output"
	OutcomeError     = "error"
)

// Admitter gates generation per user.
type Admitter interface {
	Admit(ctx context.Context, userID string) (*quota.Decision, error)
}

// ContentFetcher retrieves documentation text. A false result means the
// fetch failed; the reason has already been logged.
type ContentFetcher interface {
	Fetch(ctx context.Context, url string) (string, bool)
}

// Dependencies are the collaborators of a Component.
type Dependencies struct {
	Limiter Admitter
	Fetcher ContentFetcher
	Gateway llm.Gateway
	Plans   storage.PlanStore

	// Models, when set, rejects unknown model ids as invalid input
	// instead of letting the gateway fail the call.
	Models *model.Registry

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Component implements the generation pipeline.
type Component struct {
	config  Config
	limiter Admitter
	fetcher ContentFetcher
	gateway llm.Gateway
	plans   storage.PlanStore
	models  *model.Registry
	logger  *slog.Logger
	metrics *metrics.Metrics

	life lifecycle.State
}

// NewComponent constructs a plan generator.
func NewComponent(config Config, deps Dependencies) (*Component, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	switch {
	case deps.Limiter == nil:
		return nil, fmt.Errorf("limiter is required")
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case deps.Gateway == nil:
		return nil, fmt.Errorf("gateway is required")
	case deps.Plans == nil:
		return nil, fmt.Errorf("plan store is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Component{
		config:  config,
		limiter: deps.Limiter,
		fetcher: deps.Fetcher,
		gateway: deps.Gateway,
		plans:   deps.Plans,
		models:  deps.Models,
		logger:  logger.With("component", "plan-generator"),
		metrics: deps.Metrics,
	}, nil
}

// Request is one generation request.
type Request struct {
	OwnerID string `json:"-"`
	DocLink string `json:"docLink"`
	AppURL  string `json:"appUrl"`
	Model   string `json:"model,omitempty"`
}

// Validation reports step-level problems in an accepted plan.
type Validation struct {
	Partial  bool     `json:"partial"`
	Warnings []string `json:"warnings,omitempty"`
}

// Result is a stored plan and how it was produced.
type Result struct {
	TestPlanID    string              `json:"testPlanId"`
	GeneratedPlan []testplan.TestCase `json:"generatedPlan"`
	ModelUsed     string              `json:"modelUsed"`

	// FetchDegraded is set when the documentation could not be fetched
	// and the plan was generated from the application URL alone.
	FetchDegraded bool       `json:"fetchDegraded"`
	Validation    Validation `json:"validation"`
}

// Generate runs the pipeline for req.
//
// Errors match testplan.ErrInputInvalid, testplan.ErrQuotaExceeded,
// testplan.ErrForbidden (unknown user), testplan.ErrUpstreamFailed or
// testplan.ErrMalformedOutput. A *testplan.MalformedOutputError carries the
// raw model output.
func (c *Component) Generate(ctx context.Context, req Request) (*Result, error) {
	modelID, err := c.validate(req)
	if err != nil {
		c.metrics.Generation(OutcomeInvalid)
		return nil, err
	}

	if _, err := c.limiter.Admit(ctx, req.OwnerID); err != nil {
		c.metrics.Generation(admitOutcome(err))
		return nil, err
	}

	content, ok := c.fetcher.Fetch(ctx, req.DocLink)
	if !ok {
		c.logger.Warn("Documentation unavailable, generating from application URL only",
			"doc_link", req.DocLink,
			"app_url", req.AppURL)
		content = ""
	}

	prompt := prompts.TestPlanPrompt(req.AppURL, content)

	raw, err := c.callModel(ctx, prompt, modelID)
	if err != nil {
		c.metrics.Generation(OutcomeUpstream)
		c.life.RecordError()
		return nil, err
	}

	parsed, err := testplan.Parse(raw)
	if err != nil {
		c.metrics.Generation(OutcomeMalformed)
		c.life.RecordError()
		var mo *testplan.MalformedOutputError
		if errors.As(err, &mo) {
			c.logger.Warn("Model output rejected",
				"model", modelID,
				"reason", mo.Reason,
				"detail", mo.Detail,
				"raw_len", len(mo.Raw))
		}
		return nil, err
	}
	if parsed.Partial {
		c.logger.Warn("Accepting partially valid plan",
			"model", modelID,
			"warnings", strings.Join(parsed.Warnings, "; "))
	}

	plan := &testplan.TestPlan{
		OwnerID:   req.OwnerID,
		DocLink:   req.DocLink,
		AppURL:    req.AppURL,
		ModelUsed: modelID,
		Plan:      parsed.Cases,
	}
	id, err := c.plans.CreatePlan(ctx, plan)
	if err != nil {
		c.metrics.Generation(OutcomeError)
		c.life.RecordError()
		return nil, fmt.Errorf("store plan: %w", err)
	}

	c.metrics.Generation(OutcomeOK)
	c.life.Touch()
	c.logger.Info("Generated test plan",
		"test_plan_id", id,
		"owner", req.OwnerID,
		"model", modelID,
		"cases", len(parsed.Cases),
		"fetch_degraded", !ok)

	return &Result{
		TestPlanID:    id,
		GeneratedPlan: parsed.Cases,
		ModelUsed:     modelID,
		FetchDegraded: !ok,
		Validation: Validation{
			Partial:  parsed.Partial,
			Warnings: parsed.Warnings,
		},
	}, nil
}

// validate checks required fields and returns the model id to use.
func (c *Component) validate(req Request) (string, error) {
	if req.OwnerID == "" {
		return "", fmt.Errorf("%w: owner is required", testplan.ErrInputInvalid)
	}
	if strings.TrimSpace(req.DocLink) == "" || strings.TrimSpace(req.AppURL) == "" {
		return "", fmt.Errorf("%w: docLink and appUrl are required", testplan.ErrInputInvalid)
	}
	if _, err := weburl.Parse(req.DocLink); err != nil {
		return "", fmt.Errorf("%w: docLink: %w", testplan.ErrInputInvalid, err)
	}
	if _, err := weburl.Parse(req.AppURL); err != nil {
		return "", fmt.Errorf("%w: appUrl: %w", testplan.ErrInputInvalid, err)
	}

	modelID := req.Model
	if modelID == "" {
		modelID = c.config.DefaultModel
	}
	if c.models != nil {
		modelID = c.models.Resolve(modelID)
		if c.models.GetEndpoint(modelID) == nil {
			return "", fmt.Errorf("%w: unknown model %q", testplan.ErrInputInvalid, modelID)
		}
	}
	return modelID, nil
}

// callModel makes the single model call, bounded by the configured timeout.
func (c *Component) callModel(ctx context.Context, prompt, modelID string) (string, error) {
	if timeout := c.config.GetTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := c.gateway.Generate(ctx, prompt, modelID, c.config.Temperature)
	if err != nil {
		if errors.Is(err, llm.ErrNoContent) {
			c.logger.Warn("Model produced no content", "model", modelID, "duration", time.Since(start))
		} else {
			c.logger.Error("Model call failed", "model", modelID, "duration", time.Since(start), "error", err)
		}
		return "", fmt.Errorf("%w: %w", testplan.ErrUpstreamFailed, err)
	}
	return raw, nil
}

func admitOutcome(err error) string {
	switch {
	case errors.Is(err, testplan.ErrQuotaExceeded):
		return OutcomeQuota
	case errors.Is(err, testplan.ErrForbidden):
		return OutcomeForbidden
	default:
		return OutcomeError
	}
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized plan generator",
		"default_model", c.config.DefaultModel,
		"timeout", c.config.GetTimeout())
	return nil
}

// Start marks the generator as serving.
func (c *Component) Start(_ context.Context) error {
	if err := c.life.Start(nil); err != nil {
		return err
	}
	c.logger.Info("plan-generator started")
	return nil
}

// Stop marks the generator as stopped. In-flight requests finish on their
// own contexts.
func (c *Component) Stop(_ time.Duration) error {
	return c.life.Stop(func() {
		c.logger.Info("plan-generator stopped")
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

// InputPorts returns an empty list; requests arrive as direct calls.
func (c *Component) InputPorts() []component.Port {
	return []component.Port{}
}

// OutputPorts returns an empty list; plans are written to the store.
func (c *Component) OutputPorts() []component.Port {
	return []component.Port{}
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return planGeneratorSchema
}

// Health returns the current health status. Failed model calls and
// rejected outputs count as errors.
func (c *Component) Health() component.HealthStatus {
	return c.life.Health()
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return c.life.DataFlow()
}
