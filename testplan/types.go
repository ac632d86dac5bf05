// Package testplan defines the test plan data model, the error taxonomy shared
// by the generation and run components, and the extractor/validator that turns
// raw model output into a plan.
package testplan

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action is the kind of operation a test step performs.
type Action string

const (
	ActionNavigate Action = "navigate"
	ActionClick    Action = "click"
	ActionType     Action = "type"
	ActionAssert   Action = "assert"
	ActionWait     Action = "wait"
)

// Valid reports whether a is one of the known step actions.
func (a Action) Valid() bool {
	switch a {
	case ActionNavigate, ActionClick, ActionType, ActionAssert, ActionWait:
		return true
	}
	return false
}

// TestStep is one atomic action within a test case.
type TestStep struct {
	Action   Action `json:"action"`
	Selector string `json:"selector,omitempty"`
	Value    string `json:"value,omitempty"`
	Expected string `json:"expected,omitempty"`

	// Optional steps may fail without aborting the run.
	Optional bool `json:"optional,omitempty"`
}

// TestCase is a named scenario made of ordered steps.
type TestCase struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Steps       []TestStep `json:"steps"`
}

// TestPlan is the persisted output of one generation request.
// It is immutable once created.
type TestPlan struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"ownerId"`
	DocLink   string     `json:"docLink"`
	AppURL    string     `json:"appUrl"`
	ModelUsed string     `json:"modelUsed"`
	Plan      []TestCase `json:"plan"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Status is the lifecycle state of a TestReport.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ParseStatus converts a string to a Status, returning false for unknown values.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed:
		return st, true
	}
	return "", false
}

// IsTerminal returns true once no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether the state machine permits s -> next.
//
//	queued -> running -> completed
//	                  -> failed
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// TestReport records one attempt to execute a TestPlan.
type TestReport struct {
	ID         string          `json:"id"`
	TestPlanID string          `json:"testPlanId"`
	OwnerID    string          `json:"ownerId"`
	Status     Status          `json:"status"`
	StartTime  *time.Time      `json:"startTime,omitempty"`
	EndTime    *time.Time      `json:"endTime,omitempty"`
	Results    json.RawMessage `json:"results,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Advance applies a status transition driven by the execution engine.
// Results may only accompany a terminal transition.
func (r *TestReport) Advance(next Status, results json.RawMessage, now time.Time) error {
	if !r.Status.CanTransition(next) {
		return &TransitionError{From: r.Status, To: next}
	}
	if len(results) > 0 && !next.IsTerminal() {
		return fmt.Errorf("%w: results require a terminal status, got %q", ErrInputInvalid, next)
	}
	r.Status = next
	switch {
	case next == StatusRunning:
		r.StartTime = &now
	case next.IsTerminal():
		r.EndTime = &now
		if len(results) > 0 {
			r.Results = results
		}
	}
	return nil
}

// Principal is the authenticated caller resolved upstream.
type Principal struct {
	UserID  string
	IsAdmin bool
}

// CanAccess reports whether p may read or delete a record owned by ownerID.
func (p Principal) CanAccess(ownerID string) bool {
	return p.IsAdmin || (p.UserID != "" && p.UserID == ownerID)
}

// DocumentType discriminates the Document union.
type DocumentType string

const (
	DocumentPlan   DocumentType = "plan"
	DocumentReport DocumentType = "report"
)

// Document is either a plan or a report; exactly one of Plan or Report is set.
type Document struct {
	Type   DocumentType
	Plan   *TestPlan
	Report *TestReport
}

// PlanDocument wraps a plan.
func PlanDocument(p *TestPlan) Document {
	return Document{Type: DocumentPlan, Plan: p}
}

// ReportDocument wraps a report.
func ReportDocument(r *TestReport) Document {
	return Document{Type: DocumentReport, Report: r}
}

// OwnerID returns the owning user of the wrapped record.
func (d Document) OwnerID() string {
	if d.Report != nil {
		return d.Report.OwnerID
	}
	if d.Plan != nil {
		return d.Plan.OwnerID
	}
	return ""
}

// CreatedAt returns the creation time of the wrapped record.
func (d Document) CreatedAt() time.Time {
	if d.Report != nil {
		return d.Report.CreatedAt
	}
	if d.Plan != nil {
		return d.Plan.CreatedAt
	}
	return time.Time{}
}

// MarshalJSON flattens the wrapped record and adds the "type" discriminator.
func (d Document) MarshalJSON() ([]byte, error) {
	switch d.Type {
	case DocumentReport:
		return json.Marshal(struct {
			Type DocumentType `json:"type"`
			*TestReport
		}{d.Type, d.Report})
	default:
		return json.Marshal(struct {
			Type DocumentType `json:"type"`
			*TestPlan
		}{d.Type, d.Plan})
	}
}
