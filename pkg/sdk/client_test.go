package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway answers /mcp per the handle function and records the last
// request it saw.
func fakeGateway(t *testing.T, handle func(method string, params json.RawMessage) interface{}) (*httptest.Server, *http.Header) {
	t.Helper()
	var lastHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastHeader = r.Header.Clone()
		var req struct {
			ID     interface{}     `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/json")
		body := handle(req.Method, req.Params)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  body,
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &lastHeader
}

func TestCallToolSendsKeyAndReturnsResult(t *testing.T) {
	srv, hdr := fakeGateway(t, func(method string, params json.RawMessage) interface{} {
		assert.Equal(t, "tools/call", method)
		assert.Contains(t, string(params), `"fs:read_file"`)
		return map[string]string{"content": "hello"}
	})

	c := NewClient(Config{GatewayURL: srv.URL, APIKey: "mk_test"})
	result, err := c.CallTool(context.Background(), "fs:read_file", map[string]interface{}{"path": "/x"})
	require.NoError(t, err)
	assert.Contains(t, string(result), "hello")
	assert.Equal(t, "mk_test", hdr.Get("X-API-Key"))
}

func TestCallToolDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID interface{} `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error": map[string]interface{}{
				"code":    codePaymentRequired,
				"message": "Payment required: insufficient_credits",
				"data": map[string]interface{}{
					"reason":           ReasonInsufficientCredits,
					"creditsRequired":  5,
					"remainingCredits": 2,
					"accepts":          []string{"credits"},
				},
			},
		})
	}))
	defer srv.Close()

	var observed *Denial
	c := NewClient(Config{GatewayURL: srv.URL, APIKey: "mk_test", OnDenied: func(d *Denial) { observed = d }})

	_, err := c.CallTool(context.Background(), "fs:read_file", nil)
	var denied *DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, ReasonInsufficientCredits, denied.Denial.Reason)
	assert.EqualValues(t, 5, denied.Denial.CreditsRequired)
	assert.EqualValues(t, 2, denied.Denial.RemainingCredits)

	require.NotNil(t, observed)
	assert.Equal(t, ReasonInsufficientCredits, observed.Reason)
}

func TestCallToolBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID interface{} `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error":   map[string]interface{}{"code": -32603, "message": "backend error: boom"},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{GatewayURL: srv.URL})
	_, err := c.CallTool(context.Background(), "fs:read_file", nil)

	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -32603, rpcErr.Code)
}

func TestCallBatch(t *testing.T) {
	srv, _ := fakeGateway(t, func(method string, params json.RawMessage) interface{} {
		assert.Equal(t, "tools/call_batch", method)
		return map[string]interface{}{
			"results": []map[string]interface{}{
				{"tool": "fs:read_file", "result": map[string]string{"ok": "1"}},
				{"tool": "fs:read_file", "error": map[string]interface{}{"code": -32603, "message": "boom"}},
			},
			"totalCredits": 10,
		}
	})

	c := NewClient(Config{GatewayURL: srv.URL})
	result, err := c.CallBatch(context.Background(), []BatchCall{
		{Tool: "fs:read_file"}, {Tool: "fs:read_file"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 10, result.TotalCredits)
	require.Len(t, result.Results, 2)
	assert.Nil(t, result.Results[0].Error)
	require.NotNil(t, result.Results[1].Error)
	assert.Equal(t, "boom", result.Results[1].Error.Message)
}

func TestListTools(t *testing.T) {
	srv, _ := fakeGateway(t, func(method string, params json.RawMessage) interface{} {
		assert.Equal(t, "tools/list", method)
		return map[string]interface{}{
			"tools": []map[string]string{
				{"name": "fs:read_file", "description": "[fs] read a file"},
			},
		}
	})

	c := NewClient(Config{GatewayURL: srv.URL})
	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "fs:read_file", tools[0].Name)
}

func TestGateMiddlewareRoutesToolCalls(t *testing.T) {
	gateway, _ := fakeGateway(t, func(method string, params json.RawMessage) interface{} {
		return map[string]string{"via": "gateway"}
	})
	c := NewClient(Config{GatewayURL: gateway.URL, APIKey: "mk_test"})

	localHits := 0
	local := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { localHits++ })
	handler := GateMiddleware(c, local)

	// A tools/call goes to the gateway, not the local handler.
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/mcp",
		jsonBody(t, map[string]interface{}{
			"jsonrpc": "2.0", "id": 1, "method": "tools/call",
			"params": map[string]interface{}{"name": "fs:read_file"},
		}))
	handler.ServeHTTP(rr, req)
	assert.Contains(t, rr.Body.String(), `"via":"gateway"`)
	assert.Zero(t, localHits)

	// Anything else falls through.
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/mcp",
		jsonBody(t, map[string]interface{}{"jsonrpc": "2.0", "id": 2, "method": "tools/list"}))
	handler.ServeHTTP(rr, req)
	assert.Equal(t, 1, localHits)
}

func jsonBody(t *testing.T, v interface{}) io.Reader {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(raw)
}
