package quota

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/testgen/storage"
	"github.com/c360studio/testgen/storage/sqlite"
	"github.com/c360studio/testgen/testplan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clock is a settable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func newStore(t *testing.T, users ...*storage.User) storage.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "quota.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	for _, u := range users {
		require.NoError(t, s.PutUser(context.Background(), u))
	}
	return s
}

func TestAdmit_DailyLimit(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, &storage.User{ID: "u1"})
	clk := &clock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	l := New(store, Config{DailyLimit: 3}, WithClock(clk.Now))

	for i := 1; i <= 3; i++ {
		d, err := l.Admit(ctx, "u1")
		require.NoError(t, err, "admission %d", i)
		assert.Equal(t, i, d.Count)
		assert.Equal(t, 3-i, d.Remaining)
		clk.Set(clk.Now().Add(time.Hour))
	}

	_, err := l.Admit(ctx, "u1")
	require.Error(t, err)
	assert.ErrorIs(t, err, testplan.ErrQuotaExceeded)

	var qe *testplan.QuotaError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, 3, qe.Limit)
	assert.Equal(t, DefaultHint, qe.Hint)

	u, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, u.Quota.Count, "rejection must not change the counter")
}

func TestAdmit_RolloverResetsToOne(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, &storage.User{ID: "u1"})
	clk := &clock{t: time.Date(2026, 3, 10, 22, 0, 0, 0, time.UTC)}
	l := New(store, Config{DailyLimit: 3}, WithClock(clk.Now))

	for range 3 {
		_, err := l.Admit(ctx, "u1")
		require.NoError(t, err)
	}
	_, err := l.Admit(ctx, "u1")
	require.ErrorIs(t, err, testplan.ErrQuotaExceeded)

	clk.Set(time.Date(2026, 3, 11, 0, 0, 1, 0, time.UTC))
	d, err := l.Admit(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, d.Count)

	u, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, u.Quota.Count)
	assert.True(t, u.Quota.WindowStart.Equal(time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)))
}

func TestAdmit_DayBoundaryFollowsZone(t *testing.T) {
	ctx := context.Background()
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	store := newStore(t, &storage.User{ID: "u1"})
	// 14:30 UTC is 23:30 in Tokyo
	clk := &clock{t: time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)}
	l := New(store, Config{DailyLimit: 1, Location: tokyo}, WithClock(clk.Now))

	_, err = l.Admit(ctx, "u1")
	require.NoError(t, err)

	// 15:30 UTC is already the next day in Tokyo
	clk.Set(time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC))
	d, err := l.Admit(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, d.Count)
}

func TestAdmit_ExemptStates(t *testing.T) {
	ctx := context.Background()
	store := newStore(t,
		&storage.User{ID: "active", SubscriptionState: "active"},
		&storage.User{ID: "trial", SubscriptionState: "trialing"},
		&storage.User{ID: "lapsed", SubscriptionState: "canceled"},
	)
	l := New(store, Config{DailyLimit: 1})

	for _, id := range []string{"active", "trial"} {
		for range 5 {
			d, err := l.Admit(ctx, id)
			require.NoError(t, err)
			assert.True(t, d.Exempt)
		}
		u, err := store.GetUser(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, u.Quota.Count)
	}

	_, err := l.Admit(ctx, "lapsed")
	require.NoError(t, err)
	_, err = l.Admit(ctx, "lapsed")
	assert.ErrorIs(t, err, testplan.ErrQuotaExceeded)
}

func TestAdmit_UnknownUserFailsClosed(t *testing.T) {
	l := New(newStore(t), Config{})

	_, err := l.Admit(context.Background(), "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownUser)
	assert.ErrorIs(t, err, testplan.ErrForbidden)
}

func TestAdmit_ConcurrentLastSlot(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store := newStore(t, &storage.User{
		ID:    "u1",
		Quota: storage.QuotaState{Count: 2, WindowStart: DayStart(now, time.UTC), LastRequest: now},
	})
	l := New(store, Config{DailyLimit: 3}, WithClock(func() time.Time { return now }))

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Admit(ctx, "u1"); err == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load(), "exactly one request may take the last slot")

	u, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, u.Quota.Count)
}

func TestAdmit_ConcurrentNeverOverAdmits(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, &storage.User{ID: "u1"})
	l := New(store, Config{DailyLimit: 3})

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Admit(ctx, "u1"); err == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	u, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.LessOrEqual(t, admitted.Load(), int32(3))
	assert.Equal(t, int(admitted.Load()), u.Quota.Count)
}

func TestDayStart(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	ts := time.Date(2026, 7, 1, 2, 0, 0, 0, time.UTC) // June 30, 22:00 in New York
	assert.Equal(t, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), DayStart(ts, time.UTC))
	assert.Equal(t, time.Date(2026, 6, 30, 4, 0, 0, 0, time.UTC), DayStart(ts, ny))
}
