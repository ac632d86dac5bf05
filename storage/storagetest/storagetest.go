// Package storagetest is a conformance suite run against every
// storage.Store backend.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/testgen/storage"
	"github.com/c360studio/testgen/testplan"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) storage.Store

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, storage.Store)
	}{
		{"PlanRoundTrip", testPlanRoundTrip},
		{"PlanNotFound", testPlanNotFound},
		{"ListPlans", testListPlans},
		{"SearchFoldsUnicode", testSearchFoldsUnicode},
		{"DeletePlan", testDeletePlan},
		{"ReportLifecycle", testReportLifecycle},
		{"ListReports", testListReports},
		{"UpdateReportAbort", testUpdateReportAbort},
		{"Users", testUsers},
		{"UpdateUserConcurrent", testUpdateUserConcurrent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

func samplePlan(owner, docLink string) *testplan.TestPlan {
	return &testplan.TestPlan{
		OwnerID:   owner,
		DocLink:   docLink,
		AppURL:    "https://app.example.com",
		ModelUsed: "test-model",
		Plan: []testplan.TestCase{{
			Name: "Smoke",
			Steps: []testplan.TestStep{
				{Action: testplan.ActionNavigate, Value: "https://app.example.com"},
				{Action: testplan.ActionAssert, Selector: "h1", Expected: "Home", Optional: true},
			},
		}},
	}
}

// createSpaced creates plans far enough apart that created times differ.
func createSpaced(t *testing.T, s storage.Store, plans ...*testplan.TestPlan) []string {
	t.Helper()
	ids := make([]string, 0, len(plans))
	for _, p := range plans {
		id, err := s.CreatePlan(context.Background(), p)
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond)
	}
	return ids
}

func testPlanRoundTrip(t *testing.T, s storage.Store) {
	ctx := context.Background()
	p := samplePlan("u1", "https://docs.example.com/a")

	id, err := s.CreatePlan(ctx, p)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, id, p.ID)
	assert.False(t, p.CreatedAt.IsZero())
	assert.True(t, p.CreatedAt.Equal(p.UpdatedAt))

	first, err := s.GetPlan(ctx, id)
	require.NoError(t, err)
	if diff := cmp.Diff(p.Plan, first.Plan); diff != "" {
		t.Errorf("stored plan mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "u1", first.OwnerID)
	assert.Equal(t, "test-model", first.ModelUsed)
	assert.True(t, p.CreatedAt.Equal(first.CreatedAt))

	second, err := s.GetPlan(ctx, id)
	require.NoError(t, err)
	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	assert.Equal(t, string(a), string(b), "repeated reads must be identical")
}

func testPlanNotFound(t *testing.T, s storage.Store) {
	_, err := s.GetPlan(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testListPlans(t *testing.T, s storage.Store) {
	ctx := context.Background()
	ids := createSpaced(t, s,
		samplePlan("u1", "https://docs.example.com/Billing"),
		samplePlan("u2", "https://docs.example.com/other"),
		samplePlan("u1", "https://docs.example.com/login"),
		samplePlan("u1", "https://help.example.org/billing-faq"),
	)

	all, err := s.ListPlans(ctx, storage.PlanFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, ids[3], all[0].ID, "newest first")
	assert.Equal(t, ids[0], all[3].ID)

	own, err := s.ListPlans(ctx, storage.PlanFilter{OwnerID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[3], ids[2], ids[0]}, planIDs(own))

	search, err := s.ListPlans(ctx, storage.PlanFilter{OwnerID: "u1", Search: "BILLING"})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[3], ids[0]}, planIDs(search), "case-insensitive search")

	byApp, err := s.ListPlans(ctx, storage.PlanFilter{Search: "app.example"})
	require.NoError(t, err)
	assert.Len(t, byApp, 4, "search covers appUrl")

	page, err := s.ListPlans(ctx, storage.PlanFilter{OwnerID: "u1", Skip: 1, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[2]}, planIDs(page))

	empty, err := s.ListPlans(ctx, storage.PlanFilter{Skip: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testSearchFoldsUnicode(t *testing.T, s storage.Store) {
	ctx := context.Background()
	ids := createSpaced(t, s,
		samplePlan("u1", "https://docs.example.com/guide/ÉTAPES"),
		samplePlan("u1", "https://docs.example.com/guide/etapes"),
		samplePlan("u1", "https://docs.example.com/Straße"),
	)

	for _, q := range []string{"étapes", "ÉTAPES", "Étapes"} {
		f := storage.PlanFilter{Search: q}
		got, err := s.ListPlans(ctx, f)
		require.NoError(t, err)
		assert.Equal(t, []string{ids[0]}, planIDs(got), "search %q", q)
		for _, p := range got {
			assert.True(t, f.MatchPlan(p), "store and MatchPlan must agree on %q", q)
		}
	}

	got, err := s.ListPlans(ctx, storage.PlanFilter{Search: "STRASSE"})
	require.NoError(t, err)
	assert.Empty(t, got, "folding is lower-casing, not transliteration")

	got, err = s.ListPlans(ctx, storage.PlanFilter{Search: "STRAßE"})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[2]}, planIDs(got))
}

func testDeletePlan(t *testing.T, s storage.Store) {
	ctx := context.Background()
	id, err := s.CreatePlan(ctx, samplePlan("u1", "https://docs.example.com"))
	require.NoError(t, err)

	reportID, err := s.CreateReport(ctx, &testplan.TestReport{TestPlanID: id, OwnerID: "u1", Status: testplan.StatusQueued})
	require.NoError(t, err)

	require.NoError(t, s.DeletePlan(ctx, id))
	_, err = s.GetPlan(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.DeletePlan(ctx, id), storage.ErrNotFound)

	_, err = s.GetReport(ctx, reportID)
	assert.NoError(t, err, "reports survive plan deletion")
}

func testReportLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	r := &testplan.TestReport{TestPlanID: "p1", OwnerID: "u1", Status: testplan.StatusQueued}

	id, err := s.CreateReport(ctx, r)
	require.NoError(t, err)
	assert.False(t, r.CreatedAt.IsZero())

	got, err := s.GetReport(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, testplan.StatusQueued, got.Status)
	assert.Nil(t, got.StartTime)
	assert.Nil(t, got.EndTime)
	assert.Empty(t, got.Results)

	now := time.Now().UTC()
	_, err = s.UpdateReport(ctx, id, func(r *testplan.TestReport) error {
		return r.Advance(testplan.StatusRunning, nil, now)
	})
	require.NoError(t, err)

	done, err := s.UpdateReport(ctx, id, func(r *testplan.TestReport) error {
		return r.Advance(testplan.StatusCompleted, json.RawMessage(`{"passed":2}`), now.Add(time.Second))
	})
	require.NoError(t, err)
	assert.Equal(t, testplan.StatusCompleted, done.Status)

	got, err = s.GetReport(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, testplan.StatusCompleted, got.Status)
	require.NotNil(t, got.StartTime)
	require.NotNil(t, got.EndTime)
	assert.True(t, got.StartTime.Equal(now))
	assert.JSONEq(t, `{"passed":2}`, string(got.Results))

	require.NoError(t, s.DeleteReport(ctx, id))
	_, err = s.GetReport(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.DeleteReport(ctx, id), storage.ErrNotFound)
}

func testListReports(t *testing.T, s storage.Store) {
	ctx := context.Background()
	var ids []string
	for _, r := range []*testplan.TestReport{
		{TestPlanID: "plan-a", OwnerID: "u1", Status: testplan.StatusQueued},
		{TestPlanID: "plan-b", OwnerID: "u2", Status: testplan.StatusQueued},
		{TestPlanID: "plan-a", OwnerID: "u1", Status: testplan.StatusQueued},
	} {
		id, err := s.CreateReport(ctx, r)
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond)
	}
	_, err := s.UpdateReport(ctx, ids[2], func(r *testplan.TestReport) error {
		return r.Advance(testplan.StatusRunning, nil, time.Now())
	})
	require.NoError(t, err)

	all, err := s.ListReports(ctx, storage.ReportFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, reportIDs(all))

	queued, err := s.ListReports(ctx, storage.ReportFilter{OwnerID: "u1", Status: testplan.StatusQueued})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0]}, reportIDs(queued))

	byPlan, err := s.ListReports(ctx, storage.ReportFilter{TestPlanID: "plan-a"})
	require.NoError(t, err)
	assert.Len(t, byPlan, 2)

	search, err := s.ListReports(ctx, storage.ReportFilter{Search: "PLAN-B"})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[1]}, reportIDs(search))

	page, err := s.ListReports(ctx, storage.ReportFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func testUpdateReportAbort(t *testing.T, s storage.Store) {
	ctx := context.Background()
	id, err := s.CreateReport(ctx, &testplan.TestReport{TestPlanID: "p", OwnerID: "u", Status: testplan.StatusQueued})
	require.NoError(t, err)

	_, err = s.UpdateReport(ctx, id, func(r *testplan.TestReport) error {
		return r.Advance(testplan.StatusCompleted, json.RawMessage(`{}`), time.Now())
	})
	require.ErrorIs(t, err, testplan.ErrInvalidTransition)

	got, err := s.GetReport(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, testplan.StatusQueued, got.Status, "aborted update must not be stored")

	_, err = s.UpdateReport(ctx, "missing", func(*testplan.TestReport) error { return nil })
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testUsers(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	day := time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutUser(ctx, &storage.User{ID: "u1", SubscriptionState: "free"}))

	u, err := s.UpdateUser(ctx, "u1", func(u *storage.User) error {
		u.Quota = storage.QuotaState{Count: 1, WindowStart: day, LastRequest: day.Add(time.Hour)}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, u.Quota.Count)

	got, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "free", got.SubscriptionState)
	assert.Equal(t, 1, got.Quota.Count)
	assert.True(t, got.Quota.WindowStart.Equal(day))
	assert.True(t, got.Quota.LastRequest.Equal(day.Add(time.Hour)))

	require.NoError(t, s.PutUser(ctx, &storage.User{ID: "u1", SubscriptionState: "active"}))
	got, err = s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "active", got.SubscriptionState)
	assert.Zero(t, got.Quota.Count)

	sentinel := errors.New("stop")
	_, err = s.UpdateUser(ctx, "u1", func(*storage.User) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)

	_, err = s.UpdateUser(ctx, "nobody", func(*storage.User) error { return nil })
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// testUpdateUserConcurrent checks that increments are never lost.
func testUpdateUserConcurrent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.PutUser(ctx, &storage.User{ID: "u1"}))

	const workers = 4
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateUser(ctx, "u1", func(u *storage.User) error {
				u.Quota.Count++
				return nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, storage.ErrConflict)
	}

	got, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, succeeded, got.Quota.Count, "every successful update is counted exactly once")
	assert.Positive(t, succeeded)
}

func planIDs(plans []*testplan.TestPlan) []string {
	ids := make([]string, len(plans))
	for i, p := range plans {
		ids[i] = p.ID
	}
	return ids
}

func reportIDs(reports []*testplan.TestReport) []string {
	ids := make([]string, len(reports))
	for i, r := range reports {
		ids[i] = r.ID
	}
	return ids
}
