// Package quota implements the per-user daily generation limit.
//
// Admission is a compare-and-swap on the user's stored QuotaState, so two
// concurrent requests cannot both take the last slot. The counter is
// persisted before Admit returns: an admitted request has consumed quota
// even if the caller fails afterwards.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/c360studio/testgen/metrics"
	"github.com/c360studio/testgen/storage"
	"github.com/c360studio/testgen/testplan"
)

// Defaults for Config fields left zero.
const (
	DefaultDailyLimit = 3
	DefaultHint       = "Upgrade your subscription for unlimited generations."
)

// DefaultExemptStates are subscription states that bypass the limit.
var DefaultExemptStates = []string{"active", "trialing"}

// ErrUnknownUser is returned when the user record does not exist.
// It matches testplan.ErrForbidden.
var ErrUnknownUser = fmt.Errorf("%w: unknown user", testplan.ErrForbidden)

// Config configures a Limiter.
type Config struct {
	DailyLimit   int
	Location     *time.Location
	ExemptStates []string
	Hint         string
}

// Limiter gates generation requests.
type Limiter struct {
	users   storage.UserStore
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithMetrics counts rejections.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

// New creates a Limiter over users.
func New(users storage.UserStore, cfg Config, opts ...Option) *Limiter {
	if cfg.DailyLimit <= 0 {
		cfg.DailyLimit = DefaultDailyLimit
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.ExemptStates == nil {
		cfg.ExemptStates = DefaultExemptStates
	}
	if cfg.Hint == "" {
		cfg.Hint = DefaultHint
	}

	l := &Limiter{
		users:  users,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Decision describes an admission.
type Decision struct {
	Exempt    bool
	Count     int
	Limit     int
	Remaining int
}

// Admit records one generation for userID or rejects it.
//
// Errors: *testplan.QuotaError when the limit is reached, ErrUnknownUser
// when the user does not exist, storage.ErrConflict when the
// compare-and-swap kept losing. Every error means "not admitted".
func (l *Limiter) Admit(ctx context.Context, userID string) (*Decision, error) {
	now := l.now()
	day := DayStart(now, l.cfg.Location)

	var decision Decision
	_, err := l.users.UpdateUser(ctx, userID, func(u *storage.User) error {
		decision = Decision{Limit: l.cfg.DailyLimit}

		if l.IsExempt(u.SubscriptionState) {
			decision.Exempt = true
			// exempt users still record activity, but never a count
			u.Quota.LastRequest = now
			return nil
		}

		next, err := l.advance(u.Quota, day, now)
		if err != nil {
			return err
		}
		u.Quota = next
		decision.Count = next.Count
		decision.Remaining = l.cfg.DailyLimit - next.Count
		return nil
	})

	switch {
	case err == nil:
		l.logger.Debug("Generation admitted", "user", userID, "exempt", decision.Exempt, "count", decision.Count)
		return &decision, nil
	case errors.Is(err, testplan.ErrQuotaExceeded):
		l.metrics.QuotaRejected()
		l.logger.Info("Daily quota exceeded", "user", userID, "limit", l.cfg.DailyLimit)
		return nil, err
	case errors.Is(err, storage.ErrNotFound):
		l.logger.Warn("Quota check for unknown user", "user", userID)
		return nil, ErrUnknownUser
	default:
		return nil, fmt.Errorf("admit %s: %w", userID, err)
	}
}

// advance returns the state after one more admission on day.
// A new calendar day starts the count at 1, not 0.
func (l *Limiter) advance(q storage.QuotaState, day, now time.Time) (storage.QuotaState, error) {
	if !q.WindowStart.Equal(day) {
		return storage.QuotaState{Count: 1, WindowStart: day, LastRequest: now}, nil
	}
	if q.Count >= l.cfg.DailyLimit {
		return q, &testplan.QuotaError{Limit: l.cfg.DailyLimit, Hint: l.cfg.Hint}
	}
	q.Count++
	q.LastRequest = now
	return q, nil
}

// IsExempt reports whether a subscription state bypasses the limit.
func (l *Limiter) IsExempt(state string) bool {
	return slices.Contains(l.cfg.ExemptStates, state)
}

// DayStart returns midnight of t's calendar date in loc, as UTC.
func DayStart(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc).UTC()
}
