// Package keystore owns the authoritative key → account mapping. Every
// credit mutation goes through the Store under one lock discipline, is
// mirrored into the credit ledger with before/after balances, and is
// fanned out to an optional cross-node mirror after the local commit.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpgate/backend/internal/ledger"
	"github.com/mcpgate/backend/internal/quota"
)

// Sentinel errors surfaced to the gate and admin paths.
var (
	ErrNotFound          = errors.New("key not found")
	ErrKeyInactive       = errors.New("key revoked")
	ErrKeySuspended      = errors.New("key suspended")
	ErrAliasTaken        = errors.New("alias already in use")
	ErrStoreFull         = errors.New("key store at capacity")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrSpendingLimit     = errors.New("spending limit reached")
	ErrInsufficientFunds = errors.New("insufficient credits")
)

// KeyConfig carries the optional fields of a new key. Everything not set
// here gets the zero-value default.
type KeyConfig struct {
	Alias              string           `json:"alias,omitempty"`
	ExpiresAt          *time.Time       `json:"expires_at,omitempty"`
	SpendingLimit      int64            `json:"spending_limit,omitempty"`
	AllowedTools       []string         `json:"allowed_tools,omitempty"`
	DeniedTools        []string         `json:"denied_tools,omitempty"`
	IPAllowlist        []string         `json:"ip_allowlist,omitempty"`
	AllowedCountries   []string         `json:"allowed_countries,omitempty"`
	DeniedCountries    []string         `json:"denied_countries,omitempty"`
	Quota              *quota.Limits    `json:"quota,omitempty"`
	RateLimitPerMinute int              `json:"rate_limit_per_minute,omitempty"`
	AutoTopup          *AutoTopupConfig `json:"auto_topup,omitempty"`
	Namespace          string           `json:"namespace,omitempty"`
	Group              string           `json:"group,omitempty"`
	Tags               []string         `json:"tags,omitempty"`
}

// Options configures a Store.
type Options struct {
	// StatePath enables atomic snapshot persistence when non-empty.
	StatePath string
	// MaxKeys caps live keys. 0 means unlimited.
	MaxKeys int
	// Mirror receives fire-and-forget replication calls after each local
	// commit. May be nil.
	Mirror KeyMirror
}

// DeductResult reports the outcome of an atomic check-and-decrement.
type DeductResult struct {
	OK         bool
	NewBalance int64
}

type dailyTopup struct {
	day   string
	total int64
}

// Store is the authoritative key store. A single mutex guards the map and
// every record; it is held only for in-memory read-modify-write, never
// across I/O (snapshots serialize a copy, the mirror runs detached).
type Store struct {
	mu      sync.RWMutex
	keys    map[string]*KeyRecord
	aliases map[string]string // alias → key id

	ledger *ledger.CreditLedger
	opts   Options

	autoTopups map[string]dailyTopup

	logger *log.Logger
	now    func() time.Time
}

// New creates a Store backed by the given ledger. If opts.StatePath points
// at an existing snapshot it is loaded.
func New(led *ledger.CreditLedger, opts Options) (*Store, error) {
	s := &Store{
		keys:       make(map[string]*KeyRecord),
		aliases:    make(map[string]string),
		ledger:     led,
		opts:       opts,
		autoTopups: make(map[string]dailyTopup),
		logger:     log.New(log.Writer(), "[KEYSTORE] ", log.LstdFlags),
		now:        time.Now,
	}
	if opts.StatePath != "" {
		if err := s.loadSnapshot(); err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
	}
	return s, nil
}

// Create mints a new key with an opaque id, an initial balance, and an
// "initial" ledger entry.
func (s *Store) Create(name string, credits int64, cfg KeyConfig) (*KeyRecord, error) {
	if credits < 0 {
		return nil, ErrInvalidAmount
	}

	now := s.now().UTC()
	rec := &KeyRecord{
		Key:                "mk_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Name:               name,
		Alias:              cfg.Alias,
		Credits:            credits,
		CreatedAt:          now,
		Active:             true,
		ExpiresAt:          cfg.ExpiresAt,
		SpendingLimit:      cfg.SpendingLimit,
		AllowedTools:       cfg.AllowedTools,
		DeniedTools:        cfg.DeniedTools,
		IPAllowlist:        cfg.IPAllowlist,
		AllowedCountries:   cfg.AllowedCountries,
		DeniedCountries:    cfg.DeniedCountries,
		Quota:              cfg.Quota,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		AutoTopup:          cfg.AutoTopup,
		Namespace:          cfg.Namespace,
		Group:              cfg.Group,
		Tags:               cfg.Tags,
	}

	s.mu.Lock()
	if s.opts.MaxKeys > 0 && len(s.keys) >= s.opts.MaxKeys {
		s.mu.Unlock()
		return nil, ErrStoreFull
	}
	if rec.Alias != "" {
		if _, taken := s.aliases[rec.Alias]; taken {
			s.mu.Unlock()
			return nil, ErrAliasTaken
		}
		s.aliases[rec.Alias] = rec.Key
	}
	s.keys[rec.Key] = rec
	s.mu.Unlock()

	if credits > 0 {
		s.ledger.Record(rec.Key, ledger.Entry{
			Type:          ledger.EntryInitial,
			Amount:        credits,
			BalanceBefore: 0,
			BalanceAfter:  credits,
		})
	}
	s.afterCommit(rec.Key)
	return rec.clone(), nil
}

// Get returns a copy of the record for the given key id.
func (s *Store) Get(keyID string) (*KeyRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.keys[keyID]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// List returns copies of all records.
func (s *Store) List() []*KeyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*KeyRecord, 0, len(s.keys))
	for _, rec := range s.keys {
		out = append(out, rec.clone())
	}
	return out
}

// ResolveAliasOrID resolves an admin-supplied handle to a key id. Aliases
// are never credentials; this must not be called on the /mcp path.
func (s *Store) ResolveAliasOrID(handle string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.keys[handle]; ok {
		return handle, true
	}
	if id, ok := s.aliases[handle]; ok {
		return id, true
	}
	return "", false
}

// AddCredits tops up an active, unsuspended key. entryType selects the
// ledger entry (topup, bulk_topup, auto_topup).
func (s *Store) AddCredits(keyID string, amount int64, entryType ledger.EntryType, memo string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	s.mu.Lock()
	rec, ok := s.keys[keyID]
	if !ok {
		s.mu.Unlock()
		return 0, ErrNotFound
	}
	if !rec.Active {
		s.mu.Unlock()
		return 0, ErrKeyInactive
	}
	if rec.Suspended {
		s.mu.Unlock()
		return 0, ErrKeySuspended
	}
	before := rec.Credits
	rec.Credits += amount
	after := rec.Credits
	s.mu.Unlock()

	s.ledger.Record(keyID, ledger.Entry{
		Type:          entryType,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Memo:          memo,
	})
	s.afterTopup(keyID, amount)
	return after, nil
}

// DeductCredits is the atomic check-and-decrement at the heart of
// admission. It returns {false, current} without error when the balance
// cannot cover the amount, and ErrSpendingLimit when the lifetime cap
// would be crossed. Safe under concurrent calls against the same key.
func (s *Store) DeductCredits(keyID string, amount int64, tool string) (DeductResult, error) {
	if amount < 0 {
		return DeductResult{}, ErrInvalidAmount
	}

	now := s.now().UTC()

	s.mu.Lock()
	rec, ok := s.keys[keyID]
	if !ok {
		s.mu.Unlock()
		return DeductResult{}, ErrNotFound
	}
	if !rec.Usable(now) {
		s.mu.Unlock()
		if !rec.Active {
			return DeductResult{}, ErrKeyInactive
		}
		return DeductResult{}, ErrKeySuspended
	}
	if rec.SpendingLimit > 0 && rec.TotalSpent+amount > rec.SpendingLimit {
		s.mu.Unlock()
		return DeductResult{}, ErrSpendingLimit
	}
	if rec.Credits < amount {
		current := rec.Credits
		s.mu.Unlock()
		return DeductResult{OK: false, NewBalance: current}, nil
	}
	before := rec.Credits
	rec.Credits -= amount
	rec.TotalSpent += amount
	rec.TotalCalls++
	rec.AllowedCalls++
	rec.LastUsedAt = now
	after := rec.Credits
	topup := s.pendingAutoTopupLocked(rec)
	s.mu.Unlock()

	s.ledger.Record(keyID, ledger.Entry{
		Type:          ledger.EntryDeduction,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Tool:          tool,
	})
	s.afterCommit(keyID)
	if topup > 0 {
		s.applyAutoTopup(keyID, topup)
	}
	return DeductResult{OK: true, NewBalance: after}, nil
}

// DeductMany charges a batch of priced calls all-or-nothing under one lock
// acquisition. Either every amount is charged or none is.
func (s *Store) DeductMany(keyID string, amounts []int64, tools []string) (DeductResult, error) {
	var total int64
	for _, a := range amounts {
		if a < 0 {
			return DeductResult{}, ErrInvalidAmount
		}
		total += a
	}

	now := s.now().UTC()

	s.mu.Lock()
	rec, ok := s.keys[keyID]
	if !ok {
		s.mu.Unlock()
		return DeductResult{}, ErrNotFound
	}
	if !rec.Usable(now) {
		s.mu.Unlock()
		if !rec.Active {
			return DeductResult{}, ErrKeyInactive
		}
		return DeductResult{}, ErrKeySuspended
	}
	if rec.SpendingLimit > 0 && rec.TotalSpent+total > rec.SpendingLimit {
		s.mu.Unlock()
		return DeductResult{}, ErrSpendingLimit
	}
	if rec.Credits < total {
		current := rec.Credits
		s.mu.Unlock()
		return DeductResult{OK: false, NewBalance: current}, nil
	}

	balance := rec.Credits
	entries := make([]ledger.Entry, 0, len(amounts))
	for i, a := range amounts {
		entries = append(entries, ledger.Entry{
			Type:          ledger.EntryDeduction,
			Amount:        a,
			BalanceBefore: balance,
			BalanceAfter:  balance - a,
			Tool:          tools[i],
		})
		balance -= a
	}
	rec.Credits = balance
	rec.TotalSpent += total
	rec.TotalCalls += int64(len(amounts))
	rec.AllowedCalls += int64(len(amounts))
	rec.LastUsedAt = now
	topup := s.pendingAutoTopupLocked(rec)
	s.mu.Unlock()

	for _, e := range entries {
		s.ledger.Record(keyID, e)
	}
	s.afterCommit(keyID)
	if topup > 0 {
		s.applyAutoTopup(keyID, topup)
	}
	return DeductResult{OK: true, NewBalance: balance}, nil
}

// Refund re-adds charged credits after a downstream failure and unwinds
// the spend counter. TotalCalls stays monotone.
func (s *Store) Refund(keyID string, amount int64, tool string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	s.mu.Lock()
	rec, ok := s.keys[keyID]
	if !ok {
		s.mu.Unlock()
		return 0, ErrNotFound
	}
	before := rec.Credits
	rec.Credits += amount
	rec.TotalSpent -= amount
	if rec.TotalSpent < 0 {
		rec.TotalSpent = 0
	}
	if rec.AllowedCalls > 0 {
		rec.AllowedCalls--
	}
	after := rec.Credits
	s.mu.Unlock()

	s.ledger.Record(keyID, ledger.Entry{
		Type:          ledger.EntryRefund,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Tool:          tool,
	})
	s.afterCommit(keyID)
	return after, nil
}

// Transfer moves credits between two live keys with paired
// transfer_out/transfer_in entries. Both sides apply or neither does.
func (s *Store) Transfer(fromID, toID string, amount int64, memo string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if fromID == toID {
		return fmt.Errorf("transfer to self")
	}

	now := s.now().UTC()

	s.mu.Lock()
	from, ok := s.keys[fromID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("source: %w", ErrNotFound)
	}
	to, ok := s.keys[toID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("destination: %w", ErrNotFound)
	}
	if !from.Usable(now) {
		s.mu.Unlock()
		return fmt.Errorf("source: %w", ErrKeySuspended)
	}
	if !to.Active || to.Suspended {
		s.mu.Unlock()
		return fmt.Errorf("destination: %w", ErrKeySuspended)
	}
	if from.Credits < amount {
		s.mu.Unlock()
		return ErrInsufficientFunds
	}
	fromBefore, toBefore := from.Credits, to.Credits
	from.Credits -= amount
	to.Credits += amount
	s.mu.Unlock()

	s.ledger.Record(fromID, ledger.Entry{
		Type:          ledger.EntryTransferOut,
		Amount:        amount,
		BalanceBefore: fromBefore,
		BalanceAfter:  fromBefore - amount,
		Memo:          memo,
	})
	s.ledger.Record(toID, ledger.Entry{
		Type:          ledger.EntryTransferIn,
		Amount:        amount,
		BalanceBefore: toBefore,
		BalanceAfter:  toBefore + amount,
		Memo:          memo,
	})
	s.afterCommit(fromID)
	s.afterCommit(toID)
	return nil
}

// RecordDenial bumps the denial counters for a key. This is the only
// mutation a denied admission performs.
func (s *Store) RecordDenial(keyID string) {
	s.mu.Lock()
	if rec, ok := s.keys[keyID]; ok {
		rec.TotalCalls++
		rec.DeniedCalls++
	}
	s.mu.Unlock()
}

// Revoke permanently disables a key. The record is retained for audit and
// the id is never reused (ids are random UUIDs).
func (s *Store) Revoke(keyID string) error {
	s.mu.Lock()
	rec, ok := s.keys[keyID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	rec.Active = false
	if rec.Alias != "" {
		delete(s.aliases, rec.Alias)
	}
	s.mu.Unlock()

	s.afterRevoke(keyID)
	return nil
}

// Suspend temporarily disables a key.
func (s *Store) Suspend(keyID string) error { return s.setSuspended(keyID, true) }

// Resume lifts a suspension.
func (s *Store) Resume(keyID string) error { return s.setSuspended(keyID, false) }

func (s *Store) setSuspended(keyID string, suspended bool) error {
	s.mu.Lock()
	rec, ok := s.keys[keyID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if !rec.Active {
		s.mu.Unlock()
		return ErrKeyInactive
	}
	rec.Suspended = suspended
	s.mu.Unlock()

	s.afterCommit(keyID)
	return nil
}

// pendingAutoTopupLocked decides whether the key earned an auto top-up
// after the balance change. Caller holds the lock; the refill itself is
// applied after release so the deduct lock never nests a topup.
func (s *Store) pendingAutoTopupLocked(rec *KeyRecord) int64 {
	at := rec.AutoTopup
	if at == nil || at.Amount <= 0 || rec.Credits >= at.Threshold {
		return 0
	}
	day := s.now().UTC().Format("2006-01-02")
	used := s.autoTopups[rec.Key]
	if used.day != day {
		used = dailyTopup{day: day}
	}
	amount := at.Amount
	if at.MaxDaily > 0 {
		remaining := at.MaxDaily - used.total
		if remaining <= 0 {
			return 0
		}
		if amount > remaining {
			amount = remaining
		}
	}
	used.total += amount
	s.autoTopups[rec.Key] = used
	return amount
}

func (s *Store) applyAutoTopup(keyID string, amount int64) {
	if _, err := s.AddCredits(keyID, amount, ledger.EntryAutoTopup, "auto topup"); err != nil {
		s.returnAutoTopupBudget(keyID, amount)
		s.logger.Printf("auto topup failed for %s: %v", keyID, err)
		return
	}
	s.logger.Printf("auto topup applied: key=%s amount=%d", keyID, amount)
}

// returnAutoTopupBudget hands a reserved slice of the daily budget back
// after a refill that never landed, so a key revoked or suspended between
// the deduct and the refill does not burn budget it never received. A day
// rollover in between means the reservation is already void.
func (s *Store) returnAutoTopupBudget(keyID string, amount int64) {
	day := s.now().UTC().Format("2006-01-02")

	s.mu.Lock()
	defer s.mu.Unlock()
	used, ok := s.autoTopups[keyID]
	if !ok || used.day != day {
		return
	}
	used.total -= amount
	if used.total < 0 {
		used.total = 0
	}
	s.autoTopups[keyID] = used
}

// afterCommit persists the snapshot and mirrors the record, both outside
// the store lock and never blocking the caller's request path on failure.
func (s *Store) afterCommit(keyID string) {
	s.saveSnapshot()
	if s.opts.Mirror == nil {
		return
	}
	rec, ok := s.Get(keyID)
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := s.opts.Mirror.SaveKey(ctx, rec); err != nil {
			s.logger.Printf("mirror save failed for %s: %v", keyID, err)
		}
	}()
}

func (s *Store) afterTopup(keyID string, amount int64) {
	s.saveSnapshot()
	if s.opts.Mirror == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := s.opts.Mirror.AtomicTopup(ctx, keyID, amount); err != nil {
			s.logger.Printf("mirror topup failed for %s: %v", keyID, err)
		}
	}()
}

func (s *Store) afterRevoke(keyID string) {
	s.saveSnapshot()
	if s.opts.Mirror == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := s.opts.Mirror.RevokeKey(ctx, keyID); err != nil {
			s.logger.Printf("mirror revoke failed for %s: %v", keyID, err)
		}
	}()
}
