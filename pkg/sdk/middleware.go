package sdk

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// GateMiddleware intercepts MCP tool-call requests and executes them
// through the gateway instead of the local handler. Agent frameworks
// that speak MCP to a local endpoint get metering without code changes:
// anything that is not a tools/call (or that the gateway cannot route)
// falls through to next.
//
//	mux := http.NewServeMux()
//	mux.Handle("/mcp", sdk.GateMiddleware(client, localHandler))
func GateMiddleware(client *Client, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		var req struct {
			ID     interface{} `json:"id"`
			Method string      `json:"method"`
			Params struct {
				Name      string                 `json:"name"`
				Arguments map[string]interface{} `json:"arguments"`
			} `json:"params"`
		}
		if json.Unmarshal(body, &req) != nil || req.Method != "tools/call" || req.Params.Name == "" {
			next.ServeHTTP(w, r)
			return
		}

		result, err := client.CallTool(r.Context(), req.Params.Name, req.Params.Arguments)
		if err != nil {
			var denied *DeniedError
			if errors.As(err, &denied) {
				writeRPCError(w, req.ID, codePaymentRequired, "Payment required: "+denied.Denial.Reason, denied.Denial)
				return
			}
			var rpcErr *RPCError
			if errors.As(err, &rpcErr) {
				writeRPCError(w, req.ID, rpcErr.Code, rpcErr.Message, nil)
				return
			}
			// Gateway unreachable: let the local handler decide.
			slog.Warn("mcpgate unreachable, falling through", "err", err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  json.RawMessage(result),
		})
	})
}

func writeRPCError(w http.ResponseWriter, id interface{}, code int, msg string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	errObj := map[string]interface{}{"code": code, "message": msg}
	if data != nil {
		errObj["data"] = data
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   errObj,
	})
}

// WrapHTTPClient returns an http.Client that stamps every request with
// the configured API key and logs one audit line per call. Use it when
// pointing an off-the-shelf MCP client straight at the gateway.
func WrapHTTPClient(client *Client, wrapped *http.Client) *http.Client {
	return &http.Client{
		Timeout: wrapped.Timeout,
		Transport: &meteredTransport{
			apiKey:  client.cfg.APIKey,
			wrapped: wrapped.Transport,
		},
	}
}

type meteredTransport struct {
	apiKey  string
	wrapped http.RoundTripper
}

func (t *meteredTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	if t.apiKey != "" && req.Header.Get("X-API-Key") == "" {
		req.Header.Set("X-API-Key", t.apiKey)
	}

	transport := t.wrapped
	if transport == nil {
		transport = http.DefaultTransport
	}
	resp, err := transport.RoundTrip(req)
	if err == nil {
		slog.Info("[mcpgate]", "method", req.Method, "path", req.URL.Path, "status_code", resp.StatusCode, "elapsed", time.Since(start))
	}
	return resp, err
}
