// Package storage defines persistence for test plans, test reports and
// users. Backends live in the sqlite and natskv subpackages.
//
// Plans are write-once: there is no update operation. Reports and users
// change only through compare-and-swap update functions.
package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/c360studio/testgen/testplan"
	"github.com/google/uuid"
)

// MaxUpdateAttempts bounds compare-and-swap retries.
const MaxUpdateAttempts = 5

// QuotaState is the per-user daily generation counter.
type QuotaState struct {
	// Count is the number of admissions inside the window.
	Count int `json:"count"`

	// WindowStart is midnight of the window's calendar day, in the quota zone.
	WindowStart time.Time `json:"windowStart"`

	// LastRequest is the time of the latest admission.
	LastRequest time.Time `json:"lastRequest"`
}

// User is the slice of the user record this service reads and writes.
type User struct {
	ID                string     `json:"id"`
	SubscriptionState string     `json:"subscriptionState,omitempty"`
	Quota             QuotaState `json:"quota"`
}

// PlanFilter selects plans for listing.
type PlanFilter struct {
	// OwnerID restricts results to one owner. Empty lists all owners.
	OwnerID string

	// Search is a case-insensitive substring matched against docLink and appUrl.
	Search string

	Limit int
	Skip  int
}

// ReportFilter selects reports for listing.
type ReportFilter struct {
	OwnerID    string
	TestPlanID string
	Status     testplan.Status

	// Search is a case-insensitive substring matched against testPlanId.
	Search string

	Limit int
	Skip  int
}

// PlanStore persists generated plans.
type PlanStore interface {
	// CreatePlan assigns id and timestamps, stores p and returns the id.
	CreatePlan(ctx context.Context, p *testplan.TestPlan) (string, error)
	GetPlan(ctx context.Context, id string) (*testplan.TestPlan, error)
	// ListPlans returns plans newest first.
	ListPlans(ctx context.Context, f PlanFilter) ([]*testplan.TestPlan, error)
	DeletePlan(ctx context.Context, id string) error
}

// ReportStore persists run reports.
type ReportStore interface {
	CreateReport(ctx context.Context, r *testplan.TestReport) (string, error)
	GetReport(ctx context.Context, id string) (*testplan.TestReport, error)
	// ListReports returns reports newest first.
	ListReports(ctx context.Context, f ReportFilter) ([]*testplan.TestReport, error)
	// UpdateReport applies fn to the current report and stores the result
	// if nobody else changed it meanwhile. An error from fn aborts the update.
	UpdateReport(ctx context.Context, id string, fn func(*testplan.TestReport) error) (*testplan.TestReport, error)
	DeleteReport(ctx context.Context, id string) error
}

// UserStore persists the quota-relevant user fields.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*User, error)
	// PutUser creates or replaces a user record.
	PutUser(ctx context.Context, u *User) error
	// UpdateUser is the compare-and-swap counterpart of UpdateReport.
	UpdateUser(ctx context.Context, id string, fn func(*User) error) (*User, error)
}

// Store is the full persistence surface.
type Store interface {
	PlanStore
	ReportStore
	UserStore
	Close() error
}

// NewID returns a fresh record id.
func NewID() string {
	return uuid.New().String()
}

// RetryOnConflict calls fn until it returns something other than
// ErrConflict, up to MaxUpdateAttempts times.
func RetryOnConflict(ctx context.Context, fn func() error) error {
	var err error
	for range MaxUpdateAttempts {
		if err = fn(); !errors.Is(err, ErrConflict) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}

// MatchPlan reports whether p passes f, ignoring pagination.
func (f PlanFilter) MatchPlan(p *testplan.TestPlan) bool {
	if f.OwnerID != "" && p.OwnerID != f.OwnerID {
		return false
	}
	if f.Search == "" {
		return true
	}
	q := strings.ToLower(f.Search)
	return strings.Contains(strings.ToLower(p.DocLink), q) || strings.Contains(strings.ToLower(p.AppURL), q)
}

// MatchReport reports whether r passes f, ignoring pagination.
func (f ReportFilter) MatchReport(r *testplan.TestReport) bool {
	if f.OwnerID != "" && r.OwnerID != f.OwnerID {
		return false
	}
	if f.TestPlanID != "" && r.TestPlanID != f.TestPlanID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return f.Search == "" || strings.Contains(strings.ToLower(r.TestPlanID), strings.ToLower(f.Search))
}

// SortNewestFirst orders items by created time descending, breaking ties
// by id so the order is stable across calls.
func SortNewestFirst[T any](items []T, createdAt func(T) time.Time, id func(T) string) {
	sort.SliceStable(items, func(i, j int) bool {
		ci, cj := createdAt(items[i]), createdAt(items[j])
		if !ci.Equal(cj) {
			return ci.After(cj)
		}
		return id(items[i]) > id(items[j])
	})
}

// Paginate applies skip and limit. A limit <= 0 means no limit.
func Paginate[T any](items []T, skip, limit int) []T {
	if skip < 0 {
		skip = 0
	}
	if skip >= len(items) {
		return []T{}
	}
	items = items[skip:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
