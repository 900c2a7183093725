package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func trackerAt(global Limits, now *time.Time) *Tracker {
	tr := NewTracker(global)
	tr.now = func() time.Time { return *now }
	return tr
}

func TestNoLimitsAlwaysOK(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := trackerAt(Limits{}, &now)

	st := tr.Check("key-1", nil, 1000, 100000)
	assert.True(t, st.OK)
	assert.Equal(t, SourceNone, st.Source)
}

func TestGlobalDailyCallLimit(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := trackerAt(Limits{DailyCalls: 3}, &now)

	for i := 0; i < 3; i++ {
		st := tr.Check("key-1", nil, 1, 1)
		assert.True(t, st.OK)
		tr.Record("key-1", 1, 1)
	}

	st := tr.Check("key-1", nil, 1, 1)
	assert.False(t, st.OK)
	assert.Equal(t, PeriodDaily, st.Exceeded)
	assert.Equal(t, DimCalls, st.Dimension)
	assert.Equal(t, SourceGlobal, st.Source)
}

func TestKeyOverrideWinsOverGlobal(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := trackerAt(Limits{DailyCalls: 100}, &now)
	override := &Limits{DailyCalls: 1}

	tr.Record("key-1", 1, 1)
	st := tr.Check("key-1", override, 1, 1)
	assert.False(t, st.OK)
	assert.Equal(t, SourceKey, st.Source)

	// Another key with no override still has the global headroom.
	st = tr.Check("key-2", nil, 1, 1)
	assert.True(t, st.OK)
}

func TestCreditDimension(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := trackerAt(Limits{MonthlyCredits: 50}, &now)

	tr.Record("key-1", 1, 45)
	st := tr.Check("key-1", nil, 1, 10)
	assert.False(t, st.OK)
	assert.Equal(t, PeriodMonthly, st.Exceeded)
	assert.Equal(t, DimCredits, st.Dimension)

	st = tr.Check("key-1", nil, 1, 5)
	assert.True(t, st.OK)
}

func TestDailyRolloverResetsDailyOnly(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	tr := trackerAt(Limits{DailyCalls: 2, MonthlyCalls: 3}, &now)

	tr.Record("key-1", 2, 2)
	assert.False(t, tr.Check("key-1", nil, 1, 1).OK)

	// Next day: daily bucket resets, monthly carries over.
	now = now.Add(2 * time.Minute)
	st := tr.Check("key-1", nil, 1, 1)
	assert.True(t, st.OK)
	tr.Record("key-1", 1, 1)

	st = tr.Check("key-1", nil, 1, 1)
	assert.False(t, st.OK)
	assert.Equal(t, PeriodMonthly, st.Exceeded)
}

func TestMonthlyRollover(t *testing.T) {
	now := time.Date(2026, 3, 31, 23, 0, 0, 0, time.UTC)
	tr := trackerAt(Limits{MonthlyCredits: 10}, &now)

	tr.Record("key-1", 1, 10)
	assert.False(t, tr.Check("key-1", nil, 1, 1).OK)

	now = time.Date(2026, 4, 1, 1, 0, 0, 0, time.UTC)
	assert.True(t, tr.Check("key-1", nil, 1, 10).OK)
}

func TestCheckDoesNotConsume(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := trackerAt(Limits{DailyCalls: 1}, &now)

	for i := 0; i < 5; i++ {
		assert.True(t, tr.Check("key-1", nil, 1, 1).OK)
	}
	dailyCalls, _, _, _ := tr.Usage("key-1")
	assert.EqualValues(t, 0, dailyCalls)
}
