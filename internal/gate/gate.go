// Package gate makes the admission decision for tool calls: authenticate
// the key, apply ACL and geo policy, price the call, enforce rate limits
// and quotas, and charge credits. Steps 1–9 of the pipeline only read
// state; the single atomic mutation is the keystore deduction at step 10.
package gate

import (
	"errors"
	"log"
	"time"

	"github.com/mcpgate/backend/internal/events"
	"github.com/mcpgate/backend/internal/keystore"
	"github.com/mcpgate/backend/internal/metrics"
	"github.com/mcpgate/backend/internal/pricing"
	"github.com/mcpgate/backend/internal/protocol"
	"github.com/mcpgate/backend/internal/quota"
	"github.com/mcpgate/backend/internal/ratelimit"
)

// Reason is a denial reason, surfaced verbatim in error messages.
type Reason string

const (
	ReasonInvalidKey          Reason = "invalid_key"
	ReasonKeyRevoked          Reason = "key_revoked"
	ReasonKeySuspended        Reason = "key_suspended"
	ReasonKeyExpired          Reason = "key_expired"
	ReasonIPNotAllowed        Reason = "ip_not_allowed"
	ReasonCountryNotAllowed   Reason = "country_not_allowed"
	ReasonCountryDenied       Reason = "country_denied"
	ReasonToolNotAllowed      Reason = "tool_not_allowed"
	ReasonToolDenied          Reason = "tool_denied"
	ReasonTokenScope          Reason = "token_scope"
	ReasonRateLimited         Reason = "rate_limited"
	ReasonQuotaExceeded       Reason = "quota_exceeded"
	ReasonSpendingLimit       Reason = "spending_limit"
	ReasonInsufficientCredits Reason = "insufficient_credits"
	ReasonContentPolicy       Reason = "content_policy"
)

// ToolCall is one tool invocation under admission.
type ToolCall struct {
	Name      string
	Arguments map[string]interface{}
}

// CallerContext carries the request attributes the pipeline checks beyond
// the key itself.
type CallerContext struct {
	ClientIP string
	Country  string
	// ScopedTools is the tool whitelist of a scoped token, nil when the
	// caller authenticated with a plain API key.
	ScopedTools []string
}

// Decision is the outcome for a single call. CreditsRequired is the
// resolved price whether or not it was charged, so a denial can tell the
// caller what the call would have cost.
type Decision struct {
	Allowed          bool
	CreditsRequired  int64
	CreditsCharged   int64
	RemainingCredits int64
	Reason           Reason
}

// BatchDecision is the all-or-nothing outcome for a call batch.
// FailedIndex is −1 when no single call is to blame.
type BatchDecision struct {
	AllAllowed   bool
	Decisions    []Decision
	TotalCredits int64
	FailedIndex  int
	Reason       Reason
}

// Config holds the gate's behavior switches.
type Config struct {
	// ShadowMode evaluates every call but enforces nothing: denials become
	// observable shadow-denial events, the caller is admitted free of
	// charge, and no credits or counters move.
	ShadowMode bool
	// FreeMethods bypass admission entirely.
	FreeMethods protocol.MethodSet
}

// Gate composes the admission predicates over the keystore.
type Gate struct {
	store   *keystore.Store
	pricer  pricing.Resolver
	quota   *quota.Tracker
	limiter *ratelimit.Limiter
	emitter events.Emitter
	metrics *metrics.Metrics
	cfg     Config
	logger  *log.Logger
	now     func() time.Time
}

// New creates a Gate. emitter and m may be nil.
func New(store *keystore.Store, pricer pricing.Resolver, qt *quota.Tracker, rl *ratelimit.Limiter, emitter events.Emitter, m *metrics.Metrics, cfg Config) *Gate {
	if emitter == nil {
		emitter = events.Nop{}
	}
	if cfg.FreeMethods == nil {
		cfg.FreeMethods = protocol.DefaultFreeMethods()
	}
	return &Gate{
		store:   store,
		pricer:  pricer,
		quota:   qt,
		limiter: rl,
		emitter: emitter,
		metrics: m,
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[GATE] ", log.LstdFlags),
		now:     time.Now,
	}
}

// IsFree reports whether the method bypasses admission.
func (g *Gate) IsFree(method string) bool { return g.cfg.FreeMethods.Contains(method) }

// ShadowMode reports whether denials are observed but not enforced.
func (g *Gate) ShadowMode() bool { return g.cfg.ShadowMode }

// Evaluate runs the admission pipeline for one tool call and, on success,
// charges its price. On denial the only mutation is the denied-call counter.
func (g *Gate) Evaluate(keyID string, call ToolCall, caller CallerContext) Decision {
	rec, price, reason := g.precheck(keyID, call, caller, 0, 0, 1, nil)

	if g.cfg.ShadowMode {
		return g.shadowDecision(rec, call, price, reason)
	}

	if reason != "" {
		return g.deny(keyID, rec, call, price, reason)
	}

	// Step 10: the single atomic state change.
	res, err := g.store.DeductCredits(keyID, price, call.Name)
	if err != nil {
		return g.deny(keyID, rec, call, price, deductReason(err))
	}
	if !res.OK {
		return g.deny(keyID, rec, call, price, ReasonInsufficientCredits)
	}

	g.quota.Record(keyID, 1, price)
	g.limiter.Record(keyID, call.Name, 1)
	if g.metrics != nil {
		g.metrics.AdmissionsTotal.WithLabelValues(call.Name).Inc()
		g.metrics.CreditsCharged.Add(float64(price))
		g.metrics.KeyBalance.WithLabelValues(keyID).Set(float64(res.NewBalance))
	}
	return Decision{Allowed: true, CreditsRequired: price, CreditsCharged: price, RemainingCredits: res.NewBalance}
}

// EvaluateBatch admits a batch all-or-nothing: every call is checked
// against a hypothetical ledger seeded from the current balance, and only
// if all pass are the deductions applied under one lock. Prices are
// computed once.
func (g *Gate) EvaluateBatch(keyID string, calls []ToolCall, caller CallerContext) BatchDecision {
	prices := make([]int64, len(calls))
	tools := make([]string, len(calls))
	var total int64
	for i, c := range calls {
		prices[i] = g.pricer.Resolve(c.Name, c.Arguments)
		tools[i] = c.Name
		total += prices[i]
	}

	rec, _ := g.store.Get(keyID)

	var chargedSoFar, spentSoFar int64
	toolPending := make(map[string]int, len(calls))
	for i, c := range calls {
		toolPending[c.Name]++
		_, _, reason := g.precheck(keyID, c, caller, chargedSoFar, spentSoFar, i+1, toolPending)
		if reason == "" && rec != nil && rec.Credits-chargedSoFar < prices[i] {
			reason = ReasonInsufficientCredits
		}
		if reason != "" {
			if g.cfg.ShadowMode {
				return g.shadowBatch(rec, calls, total, i, reason)
			}
			g.denyBatch(keyID, rec, calls[i], reason)
			return BatchDecision{FailedIndex: i, Reason: reason, TotalCredits: total}
		}
		chargedSoFar += prices[i]
		spentSoFar += prices[i]
	}

	if g.cfg.ShadowMode {
		return g.shadowBatch(rec, calls, total, -1, "")
	}

	res, err := g.store.DeductMany(keyID, prices, tools)
	if err != nil {
		reason := deductReason(err)
		g.denyBatch(keyID, rec, calls[0], reason)
		return BatchDecision{FailedIndex: -1, Reason: reason, TotalCredits: total}
	}
	if !res.OK {
		g.denyBatch(keyID, rec, calls[0], ReasonInsufficientCredits)
		return BatchDecision{FailedIndex: -1, Reason: ReasonInsufficientCredits, TotalCredits: total}
	}

	g.quota.Record(keyID, int64(len(calls)), total)
	decisions := make([]Decision, len(calls))
	remaining := res.NewBalance
	for i := range calls {
		g.limiter.Record(keyID, calls[i].Name, 1)
		decisions[i] = Decision{Allowed: true, CreditsRequired: prices[i], CreditsCharged: prices[i], RemainingCredits: remaining}
		if g.metrics != nil {
			g.metrics.AdmissionsTotal.WithLabelValues(calls[i].Name).Inc()
		}
	}
	if g.metrics != nil {
		g.metrics.CreditsCharged.Add(float64(total))
		g.metrics.KeyBalance.WithLabelValues(keyID).Set(float64(res.NewBalance))
	}
	return BatchDecision{AllAllowed: true, Decisions: decisions, TotalCredits: total, FailedIndex: -1}
}

// precheck runs steps 1–9. chargedSoFar/spentSoFar/pendingCalls let batch
// admission evaluate against a hypothetical ledger; single calls pass 0,0,1.
// It returns the record (when found), the resolved price, and a denial
// reason ("" when admissible).
func (g *Gate) precheck(keyID string, call ToolCall, caller CallerContext, chargedSoFar, spentSoFar int64, pendingCalls int, toolPending map[string]int) (*keystore.KeyRecord, int64, Reason) {
	now := g.now().UTC()

	rec, ok := g.store.Get(keyID)
	if !ok {
		return nil, 0, ReasonInvalidKey
	}
	if !rec.Active {
		return rec, 0, ReasonKeyRevoked
	}
	if rec.Suspended {
		return rec, 0, ReasonKeySuspended
	}
	if rec.Expired(now) {
		return rec, 0, ReasonKeyExpired
	}
	if !rec.IPAllowed(caller.ClientIP) {
		return rec, 0, ReasonIPNotAllowed
	}
	if ok, denied := rec.CountryAllowed(caller.Country); !ok {
		if denied {
			return rec, 0, ReasonCountryDenied
		}
		return rec, 0, ReasonCountryNotAllowed
	}
	if caller.ScopedTools != nil && !contains(caller.ScopedTools, call.Name) {
		return rec, 0, ReasonTokenScope
	}
	if rec.ToolDenied(call.Name) {
		return rec, 0, ReasonToolDenied
	}
	if !rec.ToolAllowed(call.Name) {
		return rec, 0, ReasonToolNotAllowed
	}

	price := g.pricer.Resolve(call.Name, call.Arguments)

	pendingForTool := 1
	if toolPending != nil {
		pendingForTool = toolPending[call.Name]
	}
	if !g.limiter.Allow(keyID, call.Name, rec.RateLimitPerMinute, pendingCalls, pendingForTool) {
		return rec, price, ReasonRateLimited
	}
	if status := g.quota.Check(keyID, rec.Quota, int64(pendingCalls), chargedSoFar+price); !status.OK {
		return rec, price, ReasonQuotaExceeded
	}
	if rec.SpendingLimit > 0 && rec.TotalSpent+spentSoFar+price > rec.SpendingLimit {
		return rec, price, ReasonSpendingLimit
	}

	return rec, price, ""
}

func (g *Gate) deny(keyID string, rec *keystore.KeyRecord, call ToolCall, price int64, reason Reason) Decision {
	remaining := int64(0)
	if rec != nil {
		g.store.RecordDenial(keyID)
		if fresh, ok := g.store.Get(keyID); ok {
			remaining = fresh.Credits
		}
	}
	if g.metrics != nil {
		g.metrics.DenialsTotal.WithLabelValues(string(reason)).Inc()
	}
	g.emitter.Emit(events.TypeDenial, "/mcp", keyID, map[string]interface{}{
		"tool":   call.Name,
		"reason": string(reason),
	})
	return Decision{Allowed: false, CreditsRequired: price, RemainingCredits: remaining, Reason: reason}
}

func (g *Gate) denyBatch(keyID string, rec *keystore.KeyRecord, failing ToolCall, reason Reason) {
	if rec != nil {
		g.store.RecordDenial(keyID)
	}
	if g.metrics != nil {
		g.metrics.DenialsTotal.WithLabelValues(string(reason)).Inc()
	}
	g.emitter.Emit(events.TypeDenial, "/mcp", keyID, map[string]interface{}{
		"tool":   failing.Name,
		"reason": string(reason),
		"batch":  true,
	})
}

// shadowDecision converts a would-be denial into an observable event while
// admitting the call free of charge. Nothing is mutated.
func (g *Gate) shadowDecision(rec *keystore.KeyRecord, call ToolCall, price int64, reason Reason) Decision {
	remaining := int64(0)
	if rec != nil {
		remaining = rec.Credits
	}
	if reason != "" {
		if g.metrics != nil {
			g.metrics.ShadowDenials.WithLabelValues(string(reason)).Inc()
		}
		g.emitter.Emit(events.TypeShadowDenial, "/mcp", keyFor(rec), map[string]interface{}{
			"tool":   call.Name,
			"reason": string(reason),
		})
	}
	return Decision{Allowed: true, CreditsRequired: price, RemainingCredits: remaining}
}

func (g *Gate) shadowBatch(rec *keystore.KeyRecord, calls []ToolCall, total int64, failedIndex int, reason Reason) BatchDecision {
	remaining := int64(0)
	if rec != nil {
		remaining = rec.Credits
	}
	if reason != "" {
		if g.metrics != nil {
			g.metrics.ShadowDenials.WithLabelValues(string(reason)).Inc()
		}
		g.emitter.Emit(events.TypeShadowDenial, "/mcp", keyFor(rec), map[string]interface{}{
			"tool":        calls[failedIndex].Name,
			"reason":      string(reason),
			"batch":       true,
			"failedIndex": failedIndex,
		})
	}
	decisions := make([]Decision, len(calls))
	for i := range decisions {
		decisions[i] = Decision{Allowed: true, RemainingCredits: remaining}
	}
	return BatchDecision{AllAllowed: true, Decisions: decisions, TotalCredits: total, FailedIndex: -1}
}

// Refund returns charged credits after a downstream failure.
func (g *Gate) Refund(keyID string, amount int64, tool string) {
	if amount <= 0 {
		return
	}
	if _, err := g.store.Refund(keyID, amount, tool); err != nil {
		g.logger.Printf("refund failed: key=%s amount=%d: %v", keyID, amount, err)
		return
	}
	if g.metrics != nil {
		g.metrics.CreditsRefunded.Add(float64(amount))
	}
	g.emitter.Emit(events.TypeRefund, "/mcp", keyID, map[string]interface{}{
		"tool":     tool,
		"amount":   amount,
		"refunded": true,
	})
}

func deductReason(err error) Reason {
	switch {
	case errors.Is(err, keystore.ErrSpendingLimit):
		return ReasonSpendingLimit
	case errors.Is(err, keystore.ErrNotFound):
		return ReasonInvalidKey
	case errors.Is(err, keystore.ErrKeyInactive):
		return ReasonKeyRevoked
	case errors.Is(err, keystore.ErrKeySuspended):
		return ReasonKeySuspended
	default:
		return ReasonInsufficientCredits
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func keyFor(rec *keystore.KeyRecord) string {
	if rec == nil {
		return ""
	}
	return rec.Key
}
