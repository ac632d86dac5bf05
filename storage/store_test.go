package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/c360studio/testgen/testplan"
	"github.com/stretchr/testify/assert"
)

func TestRetryOnConflict(t *testing.T) {
	t.Run("stops on success", func(t *testing.T) {
		calls := 0
		err := RetryOnConflict(context.Background(), func() error {
			calls++
			if calls < 3 {
				return ErrConflict
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("bounded", func(t *testing.T) {
		calls := 0
		err := RetryOnConflict(context.Background(), func() error {
			calls++
			return ErrConflict
		})
		assert.ErrorIs(t, err, ErrConflict)
		assert.Equal(t, MaxUpdateAttempts, calls)
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		calls := 0
		boom := errors.New("boom")
		err := RetryOnConflict(context.Background(), func() error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})
}

func TestPlanFilter_MatchPlan(t *testing.T) {
	p := &testplan.TestPlan{OwnerID: "u1", DocLink: "https://Docs.Example.com/Guide", AppURL: "https://app.test"}

	assert.True(t, PlanFilter{}.MatchPlan(p))
	assert.True(t, PlanFilter{OwnerID: "u1", Search: "guide"}.MatchPlan(p))
	assert.True(t, PlanFilter{Search: "APP.TEST"}.MatchPlan(p))
	assert.False(t, PlanFilter{OwnerID: "u2"}.MatchPlan(p))
	assert.False(t, PlanFilter{Search: "billing"}.MatchPlan(p))
}

func TestReportFilter_MatchReport(t *testing.T) {
	r := &testplan.TestReport{OwnerID: "u1", TestPlanID: "Plan-123", Status: testplan.StatusRunning}

	assert.True(t, ReportFilter{}.MatchReport(r))
	assert.True(t, ReportFilter{Status: testplan.StatusRunning, Search: "plan-1"}.MatchReport(r))
	assert.False(t, ReportFilter{Status: testplan.StatusQueued}.MatchReport(r))
	assert.False(t, ReportFilter{TestPlanID: "other"}.MatchReport(r))
	assert.False(t, ReportFilter{OwnerID: "u2"}.MatchReport(r))
}

func TestSortNewestFirstAndPaginate(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []*testplan.TestPlan{
		{ID: "a", CreatedAt: base},
		{ID: "c", CreatedAt: base.Add(2 * time.Hour)},
		{ID: "b", CreatedAt: base.Add(time.Hour)},
		{ID: "d", CreatedAt: base.Add(time.Hour)},
	}

	SortNewestFirst(items,
		func(p *testplan.TestPlan) time.Time { return p.CreatedAt },
		func(p *testplan.TestPlan) string { return p.ID })

	var ids []string
	for _, p := range items {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"c", "d", "b", "a"}, ids)

	assert.Len(t, Paginate(items, 0, 0), 4)
	assert.Equal(t, "d", Paginate(items, 1, 1)[0].ID)
	assert.Len(t, Paginate(items, 3, 10), 1)
	assert.Empty(t, Paginate(items, 9, 1))
	assert.Len(t, Paginate(items, -1, 2), 2)
}
