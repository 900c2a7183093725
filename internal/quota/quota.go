// Package quota tracks per-key rolling daily and monthly call and credit
// counters against configured limits.
package quota

import (
	"sync"
	"time"
)

// Limits caps calls and credits per period. Zero means unlimited.
type Limits struct {
	DailyCalls     int64 `yaml:"daily_calls" json:"daily_calls"`
	MonthlyCalls   int64 `yaml:"monthly_calls" json:"monthly_calls"`
	DailyCredits   int64 `yaml:"daily_credits" json:"daily_credits"`
	MonthlyCredits int64 `yaml:"monthly_credits" json:"monthly_credits"`
}

// Empty reports whether no limit is set.
func (l Limits) Empty() bool {
	return l.DailyCalls == 0 && l.MonthlyCalls == 0 && l.DailyCredits == 0 && l.MonthlyCredits == 0
}

// Quota sources, reported with every status.
const (
	SourceKey    = "key"
	SourceGlobal = "global"
	SourceNone   = "none"
)

// Periods and dimensions for exceeded statuses.
const (
	PeriodDaily   = "daily"
	PeriodMonthly = "monthly"
	DimCalls      = "calls"
	DimCredits    = "credits"
)

// Status is the result of a quota check.
type Status struct {
	OK        bool   `json:"ok"`
	Exceeded  string `json:"exceeded,omitempty"`  // daily | monthly
	Dimension string `json:"dimension,omitempty"` // calls | credits
	Source    string `json:"source"`              // key | global | none
}

type usage struct {
	day            string // YYYY-MM-DD
	month          string // YYYY-MM
	dailyCalls     int64
	monthlyCalls   int64
	dailyCredits   int64
	monthlyCredits int64
}

// Tracker maintains the per-key buckets. Buckets roll over on first access
// in a new period. Safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	usage  map[string]*usage
	global Limits
	now    func() time.Time
}

// NewTracker creates a tracker with an optional global limit set.
func NewTracker(global Limits) *Tracker {
	return &Tracker{
		usage:  make(map[string]*usage),
		global: global,
		now:    time.Now,
	}
}

// Check reports whether adding calls and credits would stay within the
// effective limits. Source order: per-key override, then global, then none.
// The check mutates nothing besides period rollover.
func (t *Tracker) Check(keyID string, override *Limits, calls, credits int64) Status {
	limits, source := t.resolve(override)
	if source == SourceNone {
		return Status{OK: true, Source: SourceNone}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.bucket(keyID)

	switch {
	case limits.DailyCalls > 0 && u.dailyCalls+calls > limits.DailyCalls:
		return Status{Exceeded: PeriodDaily, Dimension: DimCalls, Source: source}
	case limits.MonthlyCalls > 0 && u.monthlyCalls+calls > limits.MonthlyCalls:
		return Status{Exceeded: PeriodMonthly, Dimension: DimCalls, Source: source}
	case limits.DailyCredits > 0 && u.dailyCredits+credits > limits.DailyCredits:
		return Status{Exceeded: PeriodDaily, Dimension: DimCredits, Source: source}
	case limits.MonthlyCredits > 0 && u.monthlyCredits+credits > limits.MonthlyCredits:
		return Status{Exceeded: PeriodMonthly, Dimension: DimCredits, Source: source}
	}
	return Status{OK: true, Source: source}
}

// Record adds usage after a successful charge.
func (t *Tracker) Record(keyID string, calls, credits int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.bucket(keyID)
	u.dailyCalls += calls
	u.monthlyCalls += calls
	u.dailyCredits += credits
	u.monthlyCredits += credits
}

// Usage returns the current bucket counters for a key.
func (t *Tracker) Usage(keyID string) (dailyCalls, monthlyCalls, dailyCredits, monthlyCredits int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.bucket(keyID)
	return u.dailyCalls, u.monthlyCalls, u.dailyCredits, u.monthlyCredits
}

func (t *Tracker) resolve(override *Limits) (Limits, string) {
	if override != nil && !override.Empty() {
		return *override, SourceKey
	}
	if !t.global.Empty() {
		return t.global, SourceGlobal
	}
	return Limits{}, SourceNone
}

// bucket returns the key's usage, rolling over expired periods. Caller
// holds the lock.
func (t *Tracker) bucket(keyID string) *usage {
	now := t.now().UTC()
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")

	u, ok := t.usage[keyID]
	if !ok {
		u = &usage{day: day, month: month}
		t.usage[keyID] = u
		return u
	}
	if u.day != day {
		u.day = day
		u.dailyCalls = 0
		u.dailyCredits = 0
	}
	if u.month != month {
		u.month = month
		u.monthlyCalls = 0
		u.monthlyCredits = 0
	}
	return u
}
