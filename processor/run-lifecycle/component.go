// Package runlifecycle manages TestReport records: creation in the queued
// state, ownership-checked reads, and the status transitions reported by
// the external execution engine.
//
//	queued -> running -> completed
//	                  -> failed
//
// Nothing here executes a plan. Queued runs are handed to a Dispatcher and
// the engine reports back through Advance.
package runlifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/c360studio/testgen/metrics"
	"github.com/c360studio/testgen/processor/lifecycle"
	"github.com/c360studio/testgen/storage"
	"github.com/c360studio/testgen/testplan"
)

// Dependencies are the collaborators of a Component.
type Dependencies struct {
	Plans   storage.PlanStore
	Reports storage.ReportStore

	// Dispatcher takes precedence over NATSClient. With neither, runs are
	// not published.
	Dispatcher Dispatcher

	// NATSClient, when set, backs a JetStreamDispatcher created on Start.
	NATSClient *natsclient.Client

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Now defaults to time.Now.
	Now func() time.Time
}

// Component implements the run lifecycle.
type Component struct {
	config     Config
	plans      storage.PlanStore
	reports    storage.ReportStore
	natsClient *natsclient.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu         sync.RWMutex
	dispatcher Dispatcher
	explicit   bool

	life lifecycle.State
}

// NewComponent constructs a run lifecycle manager.
func NewComponent(config Config, deps Dependencies) (*Component, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Plans == nil || deps.Reports == nil {
		return nil, fmt.Errorf("plan and report stores are required")
	}

	c := &Component{
		config:     config,
		plans:      deps.Plans,
		reports:    deps.Reports,
		natsClient: deps.NATSClient,
		dispatcher: deps.Dispatcher,
		explicit:   deps.Dispatcher != nil,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		now:        deps.Now,
	}
	if c.dispatcher == nil {
		c.dispatcher = NoopDispatcher{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.logger = c.logger.With("component", "run-lifecycle")
	return c, nil
}

// CreateRun queues a new report for planID.
//
// A missing plan fails with testplan.ErrNotFound before ownership is
// checked. The report is owned by the plan's owner even when an admin
// creates it. Dispatch failures are logged and leave the report queued.
func (c *Component) CreateRun(ctx context.Context, p testplan.Principal, planID string) (*testplan.TestReport, error) {
	if planID == "" {
		return nil, fmt.Errorf("%w: testPlanId is required", testplan.ErrInputInvalid)
	}

	plan, err := c.plans.GetPlan(ctx, planID)
	if err != nil {
		return nil, mapStoreError(err, "plan", planID)
	}
	if !p.CanAccess(plan.OwnerID) {
		c.logger.Info("Run request denied", "user", p.UserID, "test_plan_id", planID)
		return nil, fmt.Errorf("%w: plan %s", testplan.ErrForbidden, planID)
	}

	report := &testplan.TestReport{
		TestPlanID: plan.ID,
		OwnerID:    plan.OwnerID,
		Status:     testplan.StatusQueued,
	}
	if _, err := c.reports.CreateReport(ctx, report); err != nil {
		return nil, fmt.Errorf("create report: %w", err)
	}
	c.metrics.RunTransition(string(testplan.StatusQueued))

	if err := c.currentDispatcher().Dispatch(ctx, RunRequest{
		RunID:      report.ID,
		TestPlanID: report.TestPlanID,
		OwnerID:    report.OwnerID,
	}); err != nil {
		c.life.RecordError()
		c.logger.Warn("Failed to dispatch run, report stays queued",
			"run_id", report.ID,
			"test_plan_id", planID,
			"error", err)
	}

	c.life.Touch()
	c.logger.Info("Run queued", "run_id", report.ID, "test_plan_id", planID, "owner", report.OwnerID)
	return report, nil
}

// GetRun returns a report visible to p.
func (c *Component) GetRun(ctx context.Context, p testplan.Principal, id string) (*testplan.TestReport, error) {
	r, err := c.reports.GetReport(ctx, id)
	if err != nil {
		return nil, mapStoreError(err, "report", id)
	}
	if !p.CanAccess(r.OwnerID) {
		return nil, fmt.Errorf("%w: report %s", testplan.ErrForbidden, id)
	}
	return r, nil
}

// ListRuns returns reports matching f. Non-admins only see their own.
func (c *Component) ListRuns(ctx context.Context, p testplan.Principal, f storage.ReportFilter) ([]*testplan.TestReport, error) {
	if !p.IsAdmin {
		f.OwnerID = p.UserID
	}
	reports, err := c.reports.ListReports(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	return reports, nil
}

// Advance applies a status change reported by the execution engine.
// Only admins (the engine's service principal) may call it. Terminal
// reports reject every transition.
func (c *Component) Advance(ctx context.Context, p testplan.Principal, id string, next testplan.Status, results json.RawMessage) (*testplan.TestReport, error) {
	if !p.IsAdmin {
		return nil, fmt.Errorf("%w: status updates require the engine principal", testplan.ErrForbidden)
	}
	if _, ok := testplan.ParseStatus(string(next)); !ok {
		return nil, fmt.Errorf("%w: unknown status %q", testplan.ErrInputInvalid, next)
	}
	if len(results) > 0 {
		if !next.IsTerminal() {
			return nil, fmt.Errorf("%w: results are accepted only with a terminal status, got %q", testplan.ErrInputInvalid, next)
		}
		if !json.Valid(results) {
			return nil, fmt.Errorf("%w: results must be valid JSON", testplan.ErrInputInvalid)
		}
	}

	var from testplan.Status
	r, err := c.reports.UpdateReport(ctx, id, func(r *testplan.TestReport) error {
		from = r.Status
		return r.Advance(next, results, c.now().UTC())
	})
	if err != nil {
		if errors.Is(err, testplan.ErrInvalidTransition) {
			c.logger.Warn("Rejected status transition", "run_id", id, "from", from, "to", next)
			return nil, err
		}
		return nil, mapStoreError(err, "report", id)
	}

	c.metrics.RunTransition(string(next))
	c.life.Touch()
	c.logger.Info("Run advanced", "run_id", id, "from", from, "to", next)
	return r, nil
}

// DeleteRun removes a report visible to p.
func (c *Component) DeleteRun(ctx context.Context, p testplan.Principal, id string) error {
	if _, err := c.GetRun(ctx, p, id); err != nil {
		return err
	}
	if err := c.reports.DeleteReport(ctx, id); err != nil {
		return mapStoreError(err, "report", id)
	}
	c.logger.Info("Run deleted", "run_id", id, "user", p.UserID)
	return nil
}

// mapStoreError translates storage sentinels into the shared taxonomy.
func mapStoreError(err error, kind, id string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s %s", testplan.ErrNotFound, kind, id)
	}
	return fmt.Errorf("%s %s: %w", kind, id, err)
}

func (c *Component) currentDispatcher() Dispatcher {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dispatcher
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized run lifecycle",
		"dispatch_subject", c.config.DispatchSubject,
		"nats", c.natsClient != nil)
	return nil
}

// Start ensures the dispatch stream when a NATS client is configured and
// no dispatcher was injected.
func (c *Component) Start(ctx context.Context) error {
	return c.life.Start(func() error {
		if c.explicit || c.natsClient == nil || c.config.DispatchSubject == "" {
			if !c.explicit {
				c.logger.Info("Run dispatch disabled, runs stay queued until an engine advances them")
			}
			return nil
		}

		d, err := NewJetStreamDispatcher(ctx, c.natsClient, c.config.DispatchSubject)
		if err != nil {
			return fmt.Errorf("create run dispatcher: %w", err)
		}
		c.mu.Lock()
		c.dispatcher = d
		c.mu.Unlock()
		c.logger.Info("Dispatching runs", "subject", d.Subject())
		return nil
	})
}

// Stop marks the component stopped. A JetStream dispatcher created by
// Start is dropped; the client belongs to the caller.
func (c *Component) Stop(_ time.Duration) error {
	return c.life.Stop(func() {
		if !c.explicit {
			c.mu.Lock()
			c.dispatcher = NoopDispatcher{}
			c.mu.Unlock()
		}
		c.logger.Info("run-lifecycle stopped")
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

// InputPorts returns an empty list; transitions arrive as direct calls.
func (c *Component) InputPorts() []component.Port {
	return []component.Port{}
}

// OutputPorts returns the dispatch subject when runs are published.
func (c *Component) OutputPorts() []component.Port {
	if c.natsClient == nil || c.config.DispatchSubject == "" {
		return []component.Port{}
	}
	return []component.Port{{
		Name:        "queued-runs",
		Direction:   component.DirectionOutput,
		Required:    false,
		Description: "Publish queued runs to the execution engine",
		Config: component.NATSPort{
			Subject: c.config.DispatchSubject,
		},
	}}
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return runLifecycleSchema
}

// Health returns the current health status. Failed dispatches count as
// errors.
func (c *Component) Health() component.HealthStatus {
	return c.life.Health()
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return c.life.DataFlow()
}
