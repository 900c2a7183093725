package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func limiterAt(cfg Config, now *time.Time) *Limiter {
	l := New(cfg)
	l.now = func() time.Time { return *now }
	return l
}

func TestDefaultCeiling(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := limiterAt(Config{DefaultPerWindow: 3}, &now)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("key-1", "fs:read_file", 0, 1, 1))
		l.Record("key-1", "fs:read_file", 1)
	}
	assert.False(t, l.Allow("key-1", "fs:read_file", 0, 1, 1))

	// Other keys are unaffected.
	assert.True(t, l.Allow("key-2", "fs:read_file", 0, 1, 1))
}

func TestSlidingWindowExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := limiterAt(Config{DefaultPerWindow: 2, Window: time.Minute}, &now)

	l.Record("key-1", "t", 2)
	assert.False(t, l.Allow("key-1", "t", 0, 1, 1))

	now = now.Add(61 * time.Second)
	assert.True(t, l.Allow("key-1", "t", 0, 1, 1))
}

func TestKeyOverrideBeatsDefault(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := limiterAt(Config{DefaultPerWindow: 100}, &now)

	l.Record("key-1", "t", 2)
	assert.False(t, l.Allow("key-1", "t", 2, 1, 1))
	assert.True(t, l.Allow("key-1", "t", 5, 1, 1))
}

func TestPerToolCeiling(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := limiterAt(Config{
		DefaultPerWindow: 100,
		PerTool:          map[string]int{"img:generate": 2},
	}, &now)

	l.Record("key-1", "img:generate", 2)
	assert.False(t, l.Allow("key-1", "img:generate", 0, 1, 1))

	// Same key, uncapped tool: only the key ceiling applies.
	assert.True(t, l.Allow("key-1", "fs:read_file", 0, 1, 1))
}

func TestPendingCountsReserveBatchHeadroom(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := limiterAt(Config{DefaultPerWindow: 5}, &now)

	l.Record("key-1", "t", 3)
	// A batch admitting its 3rd call would land at 6 total: over the cap.
	assert.False(t, l.Allow("key-1", "t", 0, 3, 1))
	assert.True(t, l.Allow("key-1", "t", 0, 2, 1))
}

func TestZeroCeilingIsUnlimited(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := limiterAt(Config{}, &now)

	l.Record("key-1", "t", 1000)
	assert.True(t, l.Allow("key-1", "t", 0, 1, 1))
}

func TestAllowDoesNotConsume(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := limiterAt(Config{DefaultPerWindow: 1}, &now)

	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("key-1", "t", 0, 1, 1))
	}
}
