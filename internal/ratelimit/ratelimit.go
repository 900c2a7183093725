// Package ratelimit implements a sliding-window request limiter keyed on
// API key id, with optional per-tool ceilings.
//
// Ceiling resolution order: per-tool (config), per-key (record override),
// then the global default. Zero means unlimited at that level.
package ratelimit

import (
	"log"
	"sync"
	"time"
)

// DefaultWindow is the sliding-window length.
const DefaultWindow = 60 * time.Second

// Config holds the limiter ceilings.
type Config struct {
	// DefaultPerWindow applies to every key without an override. 0 disables.
	DefaultPerWindow int `yaml:"default_per_minute"`
	// PerTool maps prefixed tool names to ceilings applied on the
	// (key, tool) pair. 0 entries are ignored.
	PerTool map[string]int `yaml:"per_tool"`
	// Window overrides DefaultWindow; used by tests.
	Window time.Duration `yaml:"-"`
}

// Limiter tracks request timestamps per bucket and prunes them lazily on
// each check so memory stays bounded by the window.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
	cfg     Config
	logger  *log.Logger
	now     func() time.Time
}

// New creates a limiter.
func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Limiter{
		buckets: make(map[string][]time.Time),
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		now:     time.Now,
	}
}

// Allow reports whether the key may issue more requests for the given
// tool. pendingKey and pendingTool are the not-yet-recorded requests being
// admitted (both 1 for a single call; for a batch, pendingKey counts the
// whole batch so far while pendingTool counts only calls to this tool).
// keyCeiling is the per-key override from the key record; 0 falls back to
// the global default. Allow mutates nothing besides pruning; call Record
// after the charge succeeds.
func (l *Limiter) Allow(keyID, tool string, keyCeiling, pendingKey, pendingTool int) bool {
	if pendingKey <= 0 {
		pendingKey = 1
	}
	if pendingTool <= 0 {
		pendingTool = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	ceiling := keyCeiling
	if ceiling == 0 {
		ceiling = l.cfg.DefaultPerWindow
	}
	if ceiling > 0 {
		if count := l.pruneLocked(keyID, now); count+pendingKey > ceiling {
			l.logger.Printf("key ceiling exceeded: key=%s count=%d pending=%d limit=%d", keyID, count, pendingKey, ceiling)
			return false
		}
	}

	if toolCeiling := l.cfg.PerTool[tool]; toolCeiling > 0 {
		bucket := keyID + "|" + tool
		if count := l.pruneLocked(bucket, now); count+pendingTool > toolCeiling {
			l.logger.Printf("tool ceiling exceeded: key=%s tool=%s count=%d limit=%d", keyID, tool, count, toolCeiling)
			return false
		}
	}

	return true
}

// Record registers n admitted requests for the key and tool.
func (l *Limiter) Record(keyID, tool string, n int) {
	if n <= 0 {
		n = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	for i := 0; i < n; i++ {
		l.buckets[keyID] = append(l.buckets[keyID], now)
	}
	if l.cfg.PerTool[tool] > 0 {
		bucket := keyID + "|" + tool
		for i := 0; i < n; i++ {
			l.buckets[bucket] = append(l.buckets[bucket], now)
		}
	}
}

// pruneLocked drops timestamps outside the window and returns the count of
// those remaining. Empty buckets are deleted. Caller holds the lock.
func (l *Limiter) pruneLocked(bucket string, now time.Time) int {
	cutoff := now.Add(-l.cfg.Window)
	stamps := l.buckets[bucket]

	keep := 0
	for keep < len(stamps) && !stamps[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		stamps = stamps[keep:]
		if len(stamps) == 0 {
			delete(l.buckets, bucket)
		} else {
			l.buckets[bucket] = stamps
		}
	}
	return len(stamps)
}
