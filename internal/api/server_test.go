package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/backend/internal/config"
	"github.com/mcpgate/backend/internal/events"
	"github.com/mcpgate/backend/internal/gate"
	"github.com/mcpgate/backend/internal/keystore"
	"github.com/mcpgate/backend/internal/ledger"
	"github.com/mcpgate/backend/internal/pricing"
	"github.com/mcpgate/backend/internal/protocol"
	"github.com/mcpgate/backend/internal/proxy"
	"github.com/mcpgate/backend/internal/quota"
	"github.com/mcpgate/backend/internal/ratelimit"
	"github.com/mcpgate/backend/internal/router"
	"github.com/mcpgate/backend/internal/security"
	"github.com/mcpgate/backend/internal/webhooks"
)

// fakeBackend serves tools/list with fixed tools and answers tools/call
// per the behave function (nil behave echoes the stripped tool name).
func fakeBackend(t *testing.T, tools []string, behave func(req *protocol.Request) *protocol.Response) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case protocol.MethodInitialize:
			json.NewEncoder(w).Encode(protocol.NewResponse(req.ID, map[string]interface{}{
				"protocolVersion": "2025-03-26",
				"serverInfo":      map[string]string{"name": "downstream", "version": "0.1.0"},
			}))
		case protocol.MethodToolsList:
			entries := make([]map[string]string, len(tools))
			for i, n := range tools {
				entries[i] = map[string]string{"name": n, "description": n}
			}
			json.NewEncoder(w).Encode(protocol.NewResponse(req.ID, map[string]interface{}{"tools": entries}))
		case protocol.MethodToolsCall:
			if behave != nil {
				json.NewEncoder(w).Encode(behave(&req))
				return
			}
			params, _ := protocol.ParseToolCall(&req)
			json.NewEncoder(w).Encode(protocol.NewResponse(req.ID, map[string]string{"called": params.Name}))
		default:
			json.NewEncoder(w).Encode(protocol.NewResponse(req.ID, map[string]string{"echoedMethod": req.Method}))
		}
	}))
}

type edgeFixture struct {
	handler http.Handler
	store   *keystore.Store
	broker  *security.TokenBroker
	hooks   *webhooks.Registry
	cfg     *config.Config
}

// newEdgeFixture stands up the whole edge over one fs-prefixed backend
// with every tool priced at 5 credits.
func newEdgeFixture(t *testing.T, backendURL string, behaveCfg func(*config.Config)) *edgeFixture {
	t.Helper()

	cfg := config.Default()
	cfg.Admin.Token = "admin-secret"
	cfg.Gate.RefundOnFailure = true
	cfg.Pricing.DefaultPrice = 5
	if behaveCfg != nil {
		behaveCfg(cfg)
	}

	led := ledger.New(cfg.Store.LedgerCap)
	store, err := keystore.New(led, keystore.Options{})
	require.NoError(t, err)

	bus := events.NewEventBus()
	g := gate.New(
		store,
		pricing.NewTable(cfg.Pricing.DefaultPrice, cfg.Pricing.Tools, ":"),
		quota.NewTracker(quota.Limits{}),
		ratelimit.New(ratelimit.Config{}),
		bus,
		nil,
		gate.Config{ShadowMode: cfg.Gate.ShadowMode},
	)

	rt, err := router.New([]proxy.Config{{Name: "fs", Prefix: "fs", URL: backendURL}}, ":", nil, nil)
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(rt.Stop)

	broker := security.NewTokenBroker(security.BrokerConfig{Secret: "test-secret"})
	hooks := webhooks.NewRegistry()

	srv := NewServer(Deps{
		Config:  cfg,
		Store:   store,
		Ledger:  led,
		Gate:    g,
		Router:  rt,
		Broker:  broker,
		Emitter: bus,
		Bus:     bus,
		Hooks:   hooks,
	})
	return &edgeFixture{handler: srv.Routes(), store: store, broker: broker, hooks: hooks, cfg: cfg}
}

func (f *edgeFixture) post(t *testing.T, apiKey string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func toolCallRequest(id interface{}, tool string) *protocol.Request {
	params, _ := json.Marshal(protocol.ToolCallParams{Name: tool, Arguments: map[string]interface{}{}})
	return &protocol.Request{JSONRPC: protocol.Version, ID: id, Method: protocol.MethodToolsCall, Params: params}
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) *protocol.Response {
	t.Helper()
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return &resp
}

func paymentData(t *testing.T, resp *protocol.Response) map[string]interface{} {
	t.Helper()
	require.NotNil(t, resp.Error)
	require.Equal(t, protocol.CodePaymentRequired, resp.Error.Code)
	data, ok := resp.Error.Data.(map[string]interface{})
	require.True(t, ok)
	return data
}

func TestToolCallChargesAndForwards(t *testing.T) {
	backend := fakeBackend(t, []string{"read_file"}, nil)
	defer backend.Close()
	f := newEdgeFixture(t, backend.URL, nil)

	rec, _ := f.store.Create("agent", 20, keystore.KeyConfig{})

	rr := f.post(t, rec.Key, toolCallRequest(1, "fs:read_file"))
	resp := decodeResponse(t, rr)
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), `"called":"read_file"`)

	got, _ := f.store.Get(rec.Key)
	assert.EqualValues(t, 15, got.Credits)
}

func TestToolCallInsufficientCreditsEnvelope(t *testing.T) {
	backend := fakeBackend(t, []string{"read_file"}, nil)
	defer backend.Close()
	f := newEdgeFixture(t, backend.URL, nil)

	rec, _ := f.store.Create("agent", 3, keystore.KeyConfig{})

	rr := f.post(t, rec.Key, toolCallRequest(1, "fs:read_file"))
	resp := decodeResponse(t, rr)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "Payment required: insufficient_credits", resp.Error.Message)

	data := paymentData(t, resp)
	assert.Equal(t, "insufficient_credits", data["reason"])
	assert.EqualValues(t, 5, data["creditsRequired"])
	assert.EqualValues(t, 3, data["remainingCredits"])
	assert.Equal(t, []interface{}{"credits"}, data["accepts"])
}

func TestToolCallMissingKey(t *testing.T) {
	backend := fakeBackend(t, []string{"read_file"}, nil)
	defer backend.Close()
	f := newEdgeFixture(t, backend.URL, nil)

	rr := f.post(t, "", toolCallRequest(1, "fs:read_file"))
	data := paymentData(t, decodeResponse(t, rr))
	assert.Equal(t, "invalid_key", data["reason"])

	rr = f.post(t, "mk_nonexistent", toolCallRequest(1, "fs:read_file"))
	data = paymentData(t, decodeResponse(t, rr))
	assert.Equal(t, "invalid_key", data["reason"])
}

func TestToolCallUnknownPrefixNeverCharges(t *testing.T) {
	backend := fakeBackend(t, []string{"read_file"}, nil)
	defer backend.Close()
	f := newEdgeFixture(t, backend.URL, nil)

	rec, _ := f.store.Create("agent", 20, keystore.KeyConfig{})

	rr := f.post(t, rec.Key, toolCallRequest(1, "nope:tool"))
	resp := decodeResponse(t, rr)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidParams, resp.Error.Code)

	got, _ := f.store.Get(rec.Key)
	assert.EqualValues(t, 20, got.Credits)
	assert.EqualValues(t, 0, got.TotalCalls)
}

func TestRefundOnBackendError(t *testing.T) {
	backend := fakeBackend(t, []string{"read_file"}, func(req *protocol.Request) *protocol.Response {
		return protocol.NewErrorResponse(req.ID, protocol.CodeInternalError, "disk on fire", nil)
	})
	defer backend.Close()
	f := newEdgeFixture(t, backend.URL, nil)

	rec, _ := f.store.Create("agent", 20, keystore.KeyConfig{})

	rr := f.post(t, rec.Key, toolCallRequest(1, "fs:read_file"))
	resp := decodeResponse(t, rr)
	require.NotNil(t, resp.Error)

	// The charge was unwound after the downstream failure.
	got, _ := f.store.Get(rec.Key)
	assert.EqualValues(t, 20, got.Credits)
	assert.EqualValues(t, 0, got.TotalSpent)
}

func TestRefundDisabledKeepsCharge(t *testing.T) {
	backend := fakeBackend(t, []string{"read_file"}, func(req *protocol.Request) *protocol.Response {
		return protocol.NewErrorResponse(req.ID, protocol.CodeInternalError, "disk on fire", nil)
	})
	defer backend.Close()
	f := newEdgeFixture(t, backend.URL, func(cfg *config.Config) {
		cfg.Gate.RefundOnFailure = false
	})

	rec, _ := f.store.Create("agent", 20, keystore.KeyConfig{})
	f.post(t, rec.Key, toolCallRequest(1, "fs:read_file"))

	got, _ := f.store.Get(rec.Key)
	assert.EqualValues(t, 15, got.Credits)
}

func TestBatchAllOrNothing(t *testing.T) {
	backend := fakeBackend(t, []string{"read_file"}, nil)
	defer backend.Close()
	f := newEdgeFixture(t, backend.URL, nil)

	rec, _ := f.store.Create("agent", 12, keystore.KeyConfig{})

	params, _ := json.Marshal(protocol.BatchCallParams{Calls: []protocol.ToolCallParams{
		{Name: "fs:read_file"}, {Name: "fs:read_file"}, {Name: "fs:read_file"},
	}})
	rr := f.post(t, rec.Key, &protocol.Request{JSONRPC: protocol.Version, ID: 1, Method: protocol.MethodCallBatch, Params: params})

	resp := decodeResponse(t, rr)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "Payment required: insufficient_credits", resp.Error.Message)

	data := paymentData(t, resp)
	assert.Equal(t, "insufficient_credits", data["reason"])
	assert.EqualValues(t, 15, data["creditsRequired"])
	assert.EqualValues(t, 12, data["remainingCredits"])
	assert.EqualValues(t, 2, data["failedIndex"])
	assert.Equal(t, []interface{}{"credits"}, data["accepts"])

	got, _ := f.store.Get(rec.Key)
	assert.EqualValues(t, 12, got.Credits)
}

func TestBatchSuccess(t *testing.T) {
	backend := fakeBackend(t, []string{"read_file"}, nil)
	defer backend.Close()
	f := newEdgeFixture(t, backend.URL, nil)

	rec, _ := f.store.Create("agent", 20, keystore.KeyConfig{})

	params, _ := json.Marshal(protocol.BatchCallParams{Calls: []protocol.ToolCallParams{
		{Name: "fs:read_file"}, {Name: "fs:read_file"},
	}})
	rr := f.post(t, rec.Key, &protocol.Request{JSONRPC: protocol.Version, ID: 1, Method: protocol.MethodCallBatch, Params: params})

	resp := decodeResponse(t, rr)
	require.Nil(t, resp.Error)

	var result struct {
		Results      []map[string]interface{} `json:"results"`
		TotalCredits int64                    `json:"totalCredits"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Len(t, result.Results, 2)
	assert.EqualValues(t, 10, result.TotalCredits)

	got, _ := f.store.Get(rec.Key)
	assert.EqualValues(t, 10, got.Credits)
}

func TestBatchEmptyIsInvalidParams(t *testing.T) {
	backend := fakeBackend(t, []string{"read_file"}, nil)
	defer backend.Close()
	f := newEdgeFixture(t, backend.URL, nil)

	rec, _ := f.store.Create("agent", 20, keystore.KeyConfig{})
	params, _ := json.Marshal(protocol.BatchCallParams{})
	rr := f.post(t, rec.Key, &protocol.Request{JSONRPC: protocol.Version, ID: 1, Method: protocol.MethodCallBatch, Params: params})

	resp := decodeResponse(t, rr)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidParams, resp.Error.Code)
}

func TestInitializeAndToolsListAreFree(t *testing.T) {
	backend := fakeBackend(t, []string{"read_file", "delete_file"}, nil)
	defer backend.Close()
	f := newEdgeFixture(t, backend.URL, nil)

	// initialize works with no credential at all and is answered by the
	// first backend, not the gateway.
	rr := f.post(t, "", &protocol.Request{JSONRPC: protocol.Version, ID: 1, Method: protocol.MethodInitialize})
	resp := decodeResponse(t, rr)
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), "downstream")

	// tools/list is free but filtered by the key's ACL.
	rec, _ := f.store.Create("agent", 0, keystore.KeyConfig{DeniedTools: []string{"fs:delete_file"}})
	rr = f.post(t, rec.Key, &protocol.Request{JSONRPC: protocol.Version, ID: 2, Method: protocol.MethodToolsList})
	resp = decodeResponse(t, rr)
	require.Nil(t, resp.Error)

	var result struct {
		Tools []router.Tool `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "fs:read_file", result.Tools[0].Name)
}

func TestScopedTokenAuth(t *testing.T) {
	backend := fakeBackend(t, []string{"read_file", "write_file"}, nil)
	defer backend.Close()
	f := newEdgeFixture(t, backend.URL, nil)

	rec, _ := f.store.Create("agent", 20, keystore.KeyConfig{})
	tok, err := f.broker.Mint(rec.Key, []string{"fs:read_file"}, 0)
	require.NoError(t, err)

	// In scope: admitted and charged against the parent key.
	rr := f.post(t, tok.Token, toolCallRequest(1, "fs:read_file"))
	resp := decodeResponse(t, rr)
	require.Nil(t, resp.Error)

	// Out of scope: denied even though the key itself could call it.
	rr = f.post(t, tok.Token, toolCallRequest(2, "fs:write_file"))
	data := paymentData(t, decodeResponse(t, rr))
	assert.Equal(t, "token_scope", data["reason"])

	// tools/list through the token shows only the scoped tool.
	rr = f.post(t, tok.Token, &protocol.Request{JSONRPC: protocol.Version, ID: 3, Method: protocol.MethodToolsList})
	resp = decodeResponse(t, rr)
	var result struct {
		Tools []router.Tool `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "fs:read_file", result.Tools[0].Name)
}

func TestNotificationOnlyBodyGets202(t *testing.T) {
	backend := fakeBackend(t, nil, nil)
	defer backend.Close()
	f := newEdgeFixture(t, backend.URL, nil)

	rr := f.post(t, "", &protocol.Request{JSONRPC: protocol.Version, Method: "notifications/initialized"})
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Empty(t, rr.Body.Bytes())
}

func TestNotificationRelayedToBackend(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		seen = append(seen, req.Method)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(protocol.EmptyResult(req.ID))
	}))
	defer backend.Close()
	f := newEdgeFixture(t, backend.URL, nil)

	rr := f.post(t, "", &protocol.Request{JSONRPC: protocol.Version, Method: "notifications/initialized"})
	assert.Equal(t, http.StatusAccepted, rr.Code)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"notifications/initialized"}, seen)
}

func TestBatchBodyMirrorsArrayShape(t *testing.T) {
	backend := fakeBackend(t, nil, nil)
	defer backend.Close()
	f := newEdgeFixture(t, backend.URL, nil)

	rr := f.post(t, "", []*protocol.Request{
		{JSONRPC: protocol.Version, ID: 1, Method: protocol.MethodPing},
		{JSONRPC: protocol.Version, ID: 2, Method: protocol.MethodPing},
	})
	assert.Equal(t, http.StatusOK, rr.Code)

	var resps []*protocol.Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resps))
	assert.Len(t, resps, 2)
}

func TestUnknownMethodForwardsUngated(t *testing.T) {
	backend := fakeBackend(t, nil, nil)
	defer backend.Close()
	f := newEdgeFixture(t, backend.URL, nil)

	// No credential and an unpriced method: the first backend answers
	// and no credits move.
	rr := f.post(t, "", &protocol.Request{JSONRPC: protocol.Version, ID: 1, Method: "resources/read"})
	resp := decodeResponse(t, rr)
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), `"echoedMethod":"resources/read"`)

	rec, _ := f.store.Create("agent", 20, keystore.KeyConfig{})
	rr = f.post(t, rec.Key, &protocol.Request{JSONRPC: protocol.Version, ID: 2, Method: "resources/read"})
	resp = decodeResponse(t, rr)
	require.Nil(t, resp.Error)

	got, _ := f.store.Get(rec.Key)
	assert.EqualValues(t, 20, got.Credits)
}

func TestHealthz(t *testing.T) {
	backend := fakeBackend(t, nil, nil)
	defer backend.Close()
	f := newEdgeFixture(t, backend.URL, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])
}
