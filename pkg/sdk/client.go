// Package sdk is the Go client for the mcpgate gateway.
//
// Agents talk to the gateway instead of to MCP servers directly: every
// tools/call is metered against the caller's API key and refused with a
// typed denial when the key is out of credits or out of policy.
//
// Quick start:
//
//	client := sdk.NewClient(sdk.Config{
//	    GatewayURL: "http://localhost:8402",
//	    APIKey:     os.Getenv("MCPGATE_API_KEY"),
//	})
//
//	result, err := client.CallTool(ctx, "fs:read_file", map[string]interface{}{
//	    "path": "/data/report.csv",
//	})
//	var denied *sdk.DeniedError
//	if errors.As(err, &denied) {
//	    // Out of credits, rate limited, or out of scope. Do not retry
//	    // blindly: denied.Denial.Reason says why.
//	}
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

const codePaymentRequired = -32402

// Config holds the client configuration.
type Config struct {
	// GatewayURL is the mcpgate endpoint, without the /mcp path.
	GatewayURL string

	// APIKey is the metering key ("mk_...") or a scoped token ("mst_...").
	// Sent as X-API-Key.
	APIKey string

	// Timeout bounds each call end to end (default 60s; tool calls block
	// for the duration of the downstream execution).
	Timeout time.Duration

	// OnDenied is called whenever the gateway refuses admission, before
	// the DeniedError is returned. Useful for topup triggers.
	OnDenied func(*Denial)

	// HTTPClient overrides the default client. Timeout is ignored when
	// set.
	HTTPClient *http.Client
}

// Client calls MCP tools through the gateway.
type Client struct {
	cfg    Config
	http   *http.Client
	nextID atomic.Int64
}

// NewClient builds a client. The zero Config is not usable: GatewayURL
// is required.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: hc}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data,omitempty"`
	} `json:"error,omitempty"`
}

// CallTool executes one metered tool call. The tool name carries the
// backend prefix ("fs:read_file"). A gate refusal comes back as a
// *DeniedError; a downstream failure as a *RPCError.
func (c *Client) CallTool(ctx context.Context, tool string, args map[string]interface{}) (json.RawMessage, error) {
	resp, err := c.rpc(ctx, "tools/call", map[string]interface{}{
		"name":      tool,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// BatchCall is one call of a CallBatch request.
type BatchCall struct {
	Tool      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// CallBatch executes several tool calls under one all-or-nothing charge:
// either the key affords the whole batch or nothing is charged and a
// *DeniedError reports the first call that failed the check.
func (c *Client) CallBatch(ctx context.Context, calls []BatchCall) (*BatchResult, error) {
	resp, err := c.rpc(ctx, "tools/call_batch", map[string]interface{}{"calls": calls})
	if err != nil {
		return nil, err
	}
	var result BatchResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("mcpgate: parse batch result: %w", err)
	}
	return &result, nil
}

// ListTools returns the aggregated tool list, filtered to what the
// caller's key or scoped token may use. Listing is free.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	resp, err := c.rpc(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("mcpgate: parse tool list: %w", err)
	}
	return result.Tools, nil
}

// Ping checks connectivity to the gateway. Free, no credential needed.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.rpc(ctx, "ping", nil)
	return err
}

func (c *Client) rpc(ctx context.Context, method string, params interface{}) (*rpcResponse, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("mcpgate: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.GatewayURL+"/mcp", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mcpgate: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mcpgate: gateway request failed: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("mcpgate: read response: %w", err)
	}

	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("mcpgate: parse response (HTTP %d): %w", httpResp.StatusCode, err)
	}

	if resp.Error != nil {
		if resp.Error.Code == codePaymentRequired {
			var denial Denial
			if len(resp.Error.Data) > 0 {
				json.Unmarshal(resp.Error.Data, &denial)
			}
			if c.cfg.OnDenied != nil {
				c.cfg.OnDenied(&denial)
			}
			return nil, &DeniedError{Denial: denial}
		}
		return nil, &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	return &resp, nil
}
