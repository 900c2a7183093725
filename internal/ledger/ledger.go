// Package ledger keeps a bounded, append-only history of credit-changing
// events per API key. The key balance in the keystore is the source of
// truth; the ledger is advisory and may drop old entries under pressure
// without losing correctness.
package ledger

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCap is the per-key entry limit. The oldest entry is evicted first.
const DefaultCap = 100

// EntryType classifies a credit mutation.
type EntryType string

const (
	EntryInitial     EntryType = "initial"
	EntryTopup       EntryType = "topup"
	EntryDeduction   EntryType = "deduction"
	EntryTransferIn  EntryType = "transfer_in"
	EntryTransferOut EntryType = "transfer_out"
	EntryAutoTopup   EntryType = "auto_topup"
	EntryRefund      EntryType = "refund"
	EntryBulkTopup   EntryType = "bulk_topup"
)

// Entry records one credit change with before/after balances.
type Entry struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Type          EntryType `json:"type"`
	Amount        int64     `json:"amount"`
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	Tool          string    `json:"tool,omitempty"`
	Memo          string    `json:"memo,omitempty"`
}

// Filter narrows a history query.
type Filter struct {
	Type  EntryType // zero value matches all types
	Since time.Time // zero value matches all times
	Limit int       // 0 means no limit
}

// CreditLedger is a bounded append log per key. Safe for concurrent use.
type CreditLedger struct {
	mu      sync.RWMutex
	entries map[string][]Entry
	cap     int
	logger  *log.Logger
	now     func() time.Time
}

// New creates a ledger with the given per-key cap (0 uses DefaultCap).
func New(cap int) *CreditLedger {
	if cap <= 0 {
		cap = DefaultCap
	}
	return &CreditLedger{
		entries: make(map[string][]Entry),
		cap:     cap,
		logger:  log.New(log.Writer(), "[LEDGER] ", log.LstdFlags),
		now:     time.Now,
	}
}

// Record appends an entry for the key, stamping id and timestamp if unset
// and trimming the oldest entries over the cap.
func (l *CreditLedger) Record(keyID string, e Entry) {
	if e.ID == "" {
		e.ID = "le_" + uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	list := append(l.entries[keyID], e)
	if over := len(list) - l.cap; over > 0 {
		list = list[over:]
	}
	l.entries[keyID] = list
}

// History returns matching entries newest-first.
func (l *CreditLedger) History(keyID string, f Filter) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	list := l.entries[keyID]
	out := make([]Entry, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		e := list[i]
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Len returns the number of retained entries for a key.
func (l *CreditLedger) Len(keyID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries[keyID])
}
