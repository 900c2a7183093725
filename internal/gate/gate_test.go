package gate

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/backend/internal/events"
	"github.com/mcpgate/backend/internal/keystore"
	"github.com/mcpgate/backend/internal/ledger"
	"github.com/mcpgate/backend/internal/pricing"
	"github.com/mcpgate/backend/internal/quota"
	"github.com/mcpgate/backend/internal/ratelimit"
)

// recordingEmitter captures emitted events for assertions.
type recordingEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	Type  string
	KeyID string
	Data  map[string]interface{}
}

func (r *recordingEmitter) Emit(eventType, source, keyID string, data map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{Type: eventType, KeyID: keyID, Data: data})
}

func (r *recordingEmitter) byType(t string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type gateFixture struct {
	gate    *Gate
	store   *keystore.Store
	emitter *recordingEmitter
}

func newGateFixture(t *testing.T, cfg Config, prices map[string]int64, limits ratelimit.Config, global quota.Limits) *gateFixture {
	t.Helper()
	store, err := keystore.New(ledger.New(0), keystore.Options{})
	require.NoError(t, err)

	emitter := &recordingEmitter{}
	g := New(
		store,
		pricing.NewTable(1, prices, ":"),
		quota.NewTracker(global),
		ratelimit.New(limits),
		emitter,
		nil,
		cfg,
	)
	return &gateFixture{gate: g, store: store, emitter: emitter}
}

func (f *gateFixture) createKey(t *testing.T, credits int64, cfg keystore.KeyConfig) string {
	t.Helper()
	rec, err := f.store.Create("test", credits, cfg)
	require.NoError(t, err)
	return rec.Key
}

func TestEvaluateChargesAndAdmits(t *testing.T) {
	f := newGateFixture(t, Config{}, map[string]int64{"fs:read_file": 5}, ratelimit.Config{}, quota.Limits{})
	key := f.createKey(t, 20, keystore.KeyConfig{})

	d := f.gate.Evaluate(key, ToolCall{Name: "fs:read_file"}, CallerContext{})
	assert.True(t, d.Allowed)
	assert.EqualValues(t, 5, d.CreditsRequired)
	assert.EqualValues(t, 5, d.CreditsCharged)
	assert.EqualValues(t, 15, d.RemainingCredits)
	assert.Empty(t, d.Reason)
}

func TestEvaluateInvalidKey(t *testing.T) {
	f := newGateFixture(t, Config{}, nil, ratelimit.Config{}, quota.Limits{})

	d := f.gate.Evaluate("mk_missing", ToolCall{Name: "t"}, CallerContext{})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonInvalidKey, d.Reason)
	assert.EqualValues(t, 0, d.CreditsCharged)
}

func TestEvaluateKeyLifecycleReasons(t *testing.T) {
	f := newGateFixture(t, Config{}, nil, ratelimit.Config{}, quota.Limits{})

	revoked := f.createKey(t, 10, keystore.KeyConfig{})
	require.NoError(t, f.store.Revoke(revoked))
	assert.Equal(t, ReasonKeyRevoked, f.gate.Evaluate(revoked, ToolCall{Name: "t"}, CallerContext{}).Reason)

	suspended := f.createKey(t, 10, keystore.KeyConfig{})
	require.NoError(t, f.store.Suspend(suspended))
	assert.Equal(t, ReasonKeySuspended, f.gate.Evaluate(suspended, ToolCall{Name: "t"}, CallerContext{}).Reason)

	past := time.Now().UTC().Add(-time.Hour)
	expired := f.createKey(t, 10, keystore.KeyConfig{ExpiresAt: &past})
	assert.Equal(t, ReasonKeyExpired, f.gate.Evaluate(expired, ToolCall{Name: "t"}, CallerContext{}).Reason)
}

func TestEvaluateIPAndCountry(t *testing.T) {
	f := newGateFixture(t, Config{}, nil, ratelimit.Config{}, quota.Limits{})
	key := f.createKey(t, 10, keystore.KeyConfig{
		IPAllowlist:     []string{"10.0.0.0/8"},
		DeniedCountries: []string{"KP"},
	})

	d := f.gate.Evaluate(key, ToolCall{Name: "t"}, CallerContext{ClientIP: "203.0.113.9"})
	assert.Equal(t, ReasonIPNotAllowed, d.Reason)

	d = f.gate.Evaluate(key, ToolCall{Name: "t"}, CallerContext{ClientIP: "10.1.2.3", Country: "KP"})
	assert.Equal(t, ReasonCountryDenied, d.Reason)

	d = f.gate.Evaluate(key, ToolCall{Name: "t"}, CallerContext{ClientIP: "10.1.2.3", Country: "DE"})
	assert.True(t, d.Allowed)

	whitelisted := f.createKey(t, 10, keystore.KeyConfig{AllowedCountries: []string{"US"}})
	d = f.gate.Evaluate(whitelisted, ToolCall{Name: "t"}, CallerContext{Country: "FR"})
	assert.Equal(t, ReasonCountryNotAllowed, d.Reason)
}

func TestEvaluateToolACL(t *testing.T) {
	f := newGateFixture(t, Config{}, nil, ratelimit.Config{}, quota.Limits{})
	key := f.createKey(t, 10, keystore.KeyConfig{
		AllowedTools: []string{"fs:read_file"},
		DeniedTools:  []string{"fs:delete"},
	})

	assert.True(t, f.gate.Evaluate(key, ToolCall{Name: "fs:read_file"}, CallerContext{}).Allowed)
	assert.Equal(t, ReasonToolDenied, f.gate.Evaluate(key, ToolCall{Name: "fs:delete"}, CallerContext{}).Reason)
	assert.Equal(t, ReasonToolNotAllowed, f.gate.Evaluate(key, ToolCall{Name: "db:query"}, CallerContext{}).Reason)
}

func TestEvaluateTokenScope(t *testing.T) {
	f := newGateFixture(t, Config{}, nil, ratelimit.Config{}, quota.Limits{})
	key := f.createKey(t, 10, keystore.KeyConfig{})

	caller := CallerContext{ScopedTools: []string{"fs:read_file"}}
	assert.True(t, f.gate.Evaluate(key, ToolCall{Name: "fs:read_file"}, caller).Allowed)
	assert.Equal(t, ReasonTokenScope, f.gate.Evaluate(key, ToolCall{Name: "db:query"}, caller).Reason)

	// An empty non-nil scope admits nothing.
	caller = CallerContext{ScopedTools: []string{}}
	assert.Equal(t, ReasonTokenScope, f.gate.Evaluate(key, ToolCall{Name: "fs:read_file"}, caller).Reason)
}

func TestEvaluateRateLimited(t *testing.T) {
	f := newGateFixture(t, Config{}, nil, ratelimit.Config{DefaultPerWindow: 2}, quota.Limits{})
	key := f.createKey(t, 100, keystore.KeyConfig{})

	assert.True(t, f.gate.Evaluate(key, ToolCall{Name: "t"}, CallerContext{}).Allowed)
	assert.True(t, f.gate.Evaluate(key, ToolCall{Name: "t"}, CallerContext{}).Allowed)

	d := f.gate.Evaluate(key, ToolCall{Name: "t"}, CallerContext{})
	assert.Equal(t, ReasonRateLimited, d.Reason)
	assert.EqualValues(t, 0, d.CreditsCharged)

	rec, _ := f.store.Get(key)
	assert.EqualValues(t, 98, rec.Credits)
}

func TestEvaluateQuotaExceeded(t *testing.T) {
	f := newGateFixture(t, Config{}, nil, ratelimit.Config{}, quota.Limits{DailyCalls: 1})
	key := f.createKey(t, 100, keystore.KeyConfig{})

	assert.True(t, f.gate.Evaluate(key, ToolCall{Name: "t"}, CallerContext{}).Allowed)
	assert.Equal(t, ReasonQuotaExceeded, f.gate.Evaluate(key, ToolCall{Name: "t"}, CallerContext{}).Reason)
}

func TestEvaluateSpendingLimit(t *testing.T) {
	f := newGateFixture(t, Config{}, map[string]int64{"t": 6}, ratelimit.Config{}, quota.Limits{})
	key := f.createKey(t, 100, keystore.KeyConfig{SpendingLimit: 10})

	assert.True(t, f.gate.Evaluate(key, ToolCall{Name: "t"}, CallerContext{}).Allowed)
	d := f.gate.Evaluate(key, ToolCall{Name: "t"}, CallerContext{})
	assert.Equal(t, ReasonSpendingLimit, d.Reason)
}

func TestEvaluateInsufficientCredits(t *testing.T) {
	f := newGateFixture(t, Config{}, map[string]int64{"t": 5}, ratelimit.Config{}, quota.Limits{})
	key := f.createKey(t, 3, keystore.KeyConfig{})

	d := f.gate.Evaluate(key, ToolCall{Name: "t"}, CallerContext{})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonInsufficientCredits, d.Reason)
	assert.EqualValues(t, 5, d.CreditsRequired)
	assert.EqualValues(t, 3, d.RemainingCredits)

	denials := f.emitter.byType(events.TypeDenial)
	require.Len(t, denials, 1)
	assert.Equal(t, "insufficient_credits", denials[0].Data["reason"])
}

func TestDenialIncrementsCountersOnly(t *testing.T) {
	f := newGateFixture(t, Config{}, map[string]int64{"t": 5}, ratelimit.Config{}, quota.Limits{})
	key := f.createKey(t, 3, keystore.KeyConfig{})

	f.gate.Evaluate(key, ToolCall{Name: "t"}, CallerContext{})

	rec, _ := f.store.Get(key)
	assert.EqualValues(t, 3, rec.Credits)
	assert.EqualValues(t, 1, rec.DeniedCalls)
	assert.EqualValues(t, 1, rec.TotalCalls)
	assert.EqualValues(t, 0, rec.AllowedCalls)
}

func TestEvaluateBatchAllOrNothing(t *testing.T) {
	f := newGateFixture(t, Config{}, map[string]int64{"t": 5}, ratelimit.Config{}, quota.Limits{})
	key := f.createKey(t, 12, keystore.KeyConfig{})

	calls := []ToolCall{{Name: "t"}, {Name: "t"}, {Name: "t"}}
	bd := f.gate.EvaluateBatch(key, calls, CallerContext{})

	assert.False(t, bd.AllAllowed)
	assert.Equal(t, 2, bd.FailedIndex)
	assert.Equal(t, ReasonInsufficientCredits, bd.Reason)
	// TotalCredits reports the full batch cost, past the failing index.
	assert.EqualValues(t, 15, bd.TotalCredits)

	rec, _ := f.store.Get(key)
	assert.EqualValues(t, 12, rec.Credits)
}

func TestEvaluateBatchAdmitsAndCharges(t *testing.T) {
	f := newGateFixture(t, Config{}, map[string]int64{"a": 3, "b": 4}, ratelimit.Config{}, quota.Limits{})
	key := f.createKey(t, 10, keystore.KeyConfig{})

	bd := f.gate.EvaluateBatch(key, []ToolCall{{Name: "a"}, {Name: "b"}}, CallerContext{})
	require.True(t, bd.AllAllowed)
	assert.Equal(t, -1, bd.FailedIndex)
	assert.EqualValues(t, 7, bd.TotalCredits)
	require.Len(t, bd.Decisions, 2)
	assert.EqualValues(t, 3, bd.Decisions[0].CreditsCharged)
	assert.EqualValues(t, 4, bd.Decisions[1].CreditsCharged)

	rec, _ := f.store.Get(key)
	assert.EqualValues(t, 3, rec.Credits)
	assert.EqualValues(t, 2, rec.TotalCalls)
}

func TestEvaluateBatchACLFailureNamesIndex(t *testing.T) {
	f := newGateFixture(t, Config{}, nil, ratelimit.Config{}, quota.Limits{})
	key := f.createKey(t, 100, keystore.KeyConfig{DeniedTools: []string{"fs:delete"}})

	bd := f.gate.EvaluateBatch(key, []ToolCall{{Name: "fs:read_file"}, {Name: "fs:delete"}}, CallerContext{})
	assert.False(t, bd.AllAllowed)
	assert.Equal(t, 1, bd.FailedIndex)
	assert.Equal(t, ReasonToolDenied, bd.Reason)
}

func TestEvaluateBatchRateLimitCountsWholeBatch(t *testing.T) {
	f := newGateFixture(t, Config{}, nil, ratelimit.Config{DefaultPerWindow: 2}, quota.Limits{})
	key := f.createKey(t, 100, keystore.KeyConfig{})

	bd := f.gate.EvaluateBatch(key, []ToolCall{{Name: "t"}, {Name: "t"}, {Name: "t"}}, CallerContext{})
	assert.False(t, bd.AllAllowed)
	assert.Equal(t, 2, bd.FailedIndex)
	assert.Equal(t, ReasonRateLimited, bd.Reason)
}

func TestShadowModeAdmitsFreeAndObserves(t *testing.T) {
	f := newGateFixture(t, Config{ShadowMode: true}, map[string]int64{"t": 5}, ratelimit.Config{}, quota.Limits{})
	key := f.createKey(t, 3, keystore.KeyConfig{})

	d := f.gate.Evaluate(key, ToolCall{Name: "t"}, CallerContext{})
	assert.True(t, d.Allowed)
	assert.EqualValues(t, 0, d.CreditsCharged)
	assert.EqualValues(t, 3, d.RemainingCredits)

	rec, _ := f.store.Get(key)
	assert.EqualValues(t, 3, rec.Credits)
	assert.EqualValues(t, 0, rec.TotalCalls)

	shadows := f.emitter.byType(events.TypeShadowDenial)
	require.Len(t, shadows, 1)
	assert.Equal(t, "insufficient_credits", shadows[0].Data["reason"])
}

func TestShadowModeBatch(t *testing.T) {
	f := newGateFixture(t, Config{ShadowMode: true}, map[string]int64{"t": 5}, ratelimit.Config{}, quota.Limits{})
	key := f.createKey(t, 3, keystore.KeyConfig{})

	bd := f.gate.EvaluateBatch(key, []ToolCall{{Name: "t"}, {Name: "t"}}, CallerContext{})
	assert.True(t, bd.AllAllowed)
	assert.Equal(t, -1, bd.FailedIndex)

	rec, _ := f.store.Get(key)
	assert.EqualValues(t, 3, rec.Credits)
	assert.Len(t, f.emitter.byType(events.TypeShadowDenial), 1)
}

func TestRefundEmitsEvent(t *testing.T) {
	f := newGateFixture(t, Config{}, map[string]int64{"t": 5}, ratelimit.Config{}, quota.Limits{})
	key := f.createKey(t, 10, keystore.KeyConfig{})

	require.True(t, f.gate.Evaluate(key, ToolCall{Name: "t"}, CallerContext{}).Allowed)
	f.gate.Refund(key, 5, "t")

	rec, _ := f.store.Get(key)
	assert.EqualValues(t, 10, rec.Credits)

	refunds := f.emitter.byType(events.TypeRefund)
	require.Len(t, refunds, 1)
	assert.Equal(t, true, refunds[0].Data["refunded"])
}

func TestFreeMethods(t *testing.T) {
	f := newGateFixture(t, Config{}, nil, ratelimit.Config{}, quota.Limits{})
	assert.True(t, f.gate.IsFree("initialize"))
	assert.True(t, f.gate.IsFree("tools/list"))
	assert.True(t, f.gate.IsFree("notifications/initialized"))
	assert.False(t, f.gate.IsFree("tools/call"))
}
