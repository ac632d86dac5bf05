package testplanapi

import (
	"context"
	"errors"
	"fmt"

	"github.com/c360studio/testgen/storage"
	"github.com/c360studio/testgen/testplan"
	"golang.org/x/sync/errgroup"
)

// DocumentFilter selects documents for the merged listing.
type DocumentFilter struct {
	// Type restricts to plans or reports; empty means both.
	Type testplan.DocumentType

	// Status only applies to reports. Setting it excludes plans.
	Status testplan.Status

	Search string
	Limit  int
	Skip   int
}

// Lookup resolves id to a report, falling back to a plan.
func (c *Component) Lookup(ctx context.Context, p testplan.Principal, id string) (testplan.Document, error) {
	doc, err := c.find(ctx, id)
	if err != nil {
		return testplan.Document{}, err
	}
	if !p.CanAccess(doc.OwnerID()) {
		return testplan.Document{}, fmt.Errorf("%w: %s %s", testplan.ErrForbidden, doc.Type, id)
	}
	return doc, nil
}

func (c *Component) find(ctx context.Context, id string) (testplan.Document, error) {
	report, err := c.reports.GetReport(ctx, id)
	if err == nil {
		return testplan.ReportDocument(report), nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return testplan.Document{}, fmt.Errorf("get report: %w", err)
	}

	plan, err := c.plans.GetPlan(ctx, id)
	if err == nil {
		return testplan.PlanDocument(plan), nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return testplan.Document{}, fmt.Errorf("%w: document %s", testplan.ErrNotFound, id)
	}
	return testplan.Document{}, fmt.Errorf("get plan: %w", err)
}

// Delete removes a plan or report visible to p. Reports of a deleted plan
// are kept.
func (c *Component) Delete(ctx context.Context, p testplan.Principal, id string) error {
	doc, err := c.Lookup(ctx, p, id)
	if err != nil {
		return err
	}
	if doc.Type == testplan.DocumentReport {
		return c.runs.DeleteRun(ctx, p, id)
	}
	if err := c.plans.DeletePlan(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: plan %s", testplan.ErrNotFound, id)
		}
		return fmt.Errorf("delete plan: %w", err)
	}
	c.logger.Info("Plan deleted", "test_plan_id", id, "user", p.UserID)
	return nil
}

// List returns plans and reports visible to p as one list, newest first.
// Report scoping is delegated to the run manager.
func (c *Component) List(ctx context.Context, p testplan.Principal, f DocumentFilter) ([]testplan.Document, error) {
	owner := p.UserID
	if p.IsAdmin {
		owner = ""
	}

	wantPlans := (f.Type == "" || f.Type == testplan.DocumentPlan) && f.Status == ""
	wantReports := f.Type == "" || f.Type == testplan.DocumentReport

	var (
		plans   []*testplan.TestPlan
		reports []*testplan.TestReport
	)

	g, gctx := errgroup.WithContext(ctx)
	if wantPlans {
		g.Go(func() error {
			var err error
			plans, err = c.plans.ListPlans(gctx, storage.PlanFilter{OwnerID: owner, Search: f.Search})
			if err != nil {
				return fmt.Errorf("list plans: %w", err)
			}
			return nil
		})
	}
	if wantReports {
		g.Go(func() error {
			var err error
			reports, err = c.runs.ListRuns(gctx, p, storage.ReportFilter{Status: f.Status, Search: f.Search})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	docs := make([]testplan.Document, 0, len(plans)+len(reports))
	for _, pl := range plans {
		docs = append(docs, testplan.PlanDocument(pl))
	}
	for _, r := range reports {
		docs = append(docs, testplan.ReportDocument(r))
	}

	storage.SortNewestFirst(docs, testplan.Document.CreatedAt, documentID)
	return storage.Paginate(docs, f.Skip, f.Limit), nil
}

func documentID(d testplan.Document) string {
	if d.Report != nil {
		return d.Report.ID
	}
	if d.Plan != nil {
		return d.Plan.ID
	}
	return ""
}
