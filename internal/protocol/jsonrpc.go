// Package protocol implements the JSON-RPC 2.0 envelope used on the /mcp
// surface and on both backend transports (child stdio and streamable HTTP).
//
// MCP spec: https://modelcontextprotocol.io
//
// Payloads are forwarded verbatim between the client and the wrapped server;
// this package only owns the envelope, the gateway error codes, and the
// tool-call parameter shapes the gate needs to price and route a call.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the only JSON-RPC version the gateway speaks.
const Version = "2.0"

// Gateway error codes. −32402 and −32406 extend the JSON-RPC reserved range
// the way HTTP 402/406 extend HTTP.
const (
	CodePaymentRequired = -32402 // admission denied (credits, quota, ACL, key state)
	CodeContentPolicy   = -32406 // guardrails collaborator rejected the payload
	CodeMethodNotFound  = -32601 // method the gateway neither serves nor forwards
	CodeInvalidParams   = -32602 // missing tool name, unknown prefix, empty batch
	CodeInternalError   = -32603 // backend not started, transport failure, SSE mismatch
)

// Request is a JSON-RPC 2.0 request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// expects no response.
func (r *Request) IsNotification() bool { return r.ID == nil }

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// PaymentData is the structured data attached to every −32402 error so a
// client can recover (top up, wait, pick another tool).
type PaymentData struct {
	Reason           string   `json:"reason"`
	CreditsRequired  int64    `json:"creditsRequired"`
	RemainingCredits int64    `json:"remainingCredits"`
	FailedIndex      *int     `json:"failedIndex,omitempty"`
	Accepts          []string `json:"accepts,omitempty"`
}

// PaymentAccepts lists the settlement methods a denied caller can use.
var PaymentAccepts = []string{"credits"}

// NewPaymentError builds the −32402 response for a denial. The message
// is always "Payment required: <reason>"; data.accepts is filled in
// here so every denial advertises the recovery path.
func NewPaymentError(id interface{}, data *PaymentData) *Response {
	data.Accepts = PaymentAccepts
	return NewErrorResponse(id, CodePaymentRequired, "Payment required: "+data.Reason, data)
}

// ToolCallParams is the params object of a tools/call request.
type ToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// BatchCallParams is the params object of a tools/call_batch request.
type BatchCallParams struct {
	Calls []ToolCallParams `json:"calls"`
}

// NewResponse builds a success response for the given id.
func NewResponse(id interface{}, result interface{}) *Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return NewErrorResponse(id, CodeInternalError, fmt.Sprintf("marshal result: %v", err), nil)
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}
}

// NewErrorResponse builds an error response for the given id.
func NewErrorResponse(id interface{}, code int, message string, data interface{}) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: data},
	}
}

// EmptyResult is the synthetic result returned for fire-and-forget
// notifications so callers always get a well-formed envelope back.
func EmptyResult(id interface{}) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: json.RawMessage(`{}`)}
}

// ParseToolCall extracts the tool name and arguments from a tools/call
// request. A missing or empty name is an invalid-params condition.
func ParseToolCall(req *Request) (*ToolCallParams, error) {
	var params ToolCallParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, fmt.Errorf("invalid tools/call params: %w", err)
		}
	}
	if params.Name == "" {
		return nil, fmt.Errorf("missing tool name")
	}
	return &params, nil
}

// ParseBatchCall extracts the call list from a tools/call_batch request.
func ParseBatchCall(req *Request) (*BatchCallParams, error) {
	var params BatchCallParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, fmt.Errorf("invalid tools/call_batch params: %w", err)
		}
	}
	if len(params.Calls) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	for i, c := range params.Calls {
		if c.Name == "" {
			return nil, fmt.Errorf("missing tool name at index %d", i)
		}
	}
	return &params, nil
}

// DecodeRequests parses a request body that may be a single JSON-RPC object
// or a JSON-RPC batch array. The second return value reports the array case
// so the edge can mirror the shape in its response.
func DecodeRequests(body []byte) ([]*Request, bool, error) {
	trimmed := firstNonSpace(body)
	if trimmed == '[' {
		var reqs []*Request
		if err := json.Unmarshal(body, &reqs); err != nil {
			return nil, true, fmt.Errorf("invalid JSON-RPC batch: %w", err)
		}
		if len(reqs) == 0 {
			return nil, true, fmt.Errorf("empty JSON-RPC batch")
		}
		return reqs, true, nil
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, false, fmt.Errorf("invalid JSON-RPC request: %w", err)
	}
	return []*Request{&req}, false, nil
}

func firstNonSpace(b []byte) byte {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return c
		}
	}
	return 0
}

// IDKey normalizes a JSON-RPC id for map correlation. Numbers arrive as
// float64 after a round-trip through encoding/json, so integral floats and
// ints collapse to the same key.
func IDKey(id interface{}) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return "s:" + v
	case int:
		return "n:" + strconv.FormatInt(int64(v), 10)
	case int64:
		return "n:" + strconv.FormatInt(v, 10)
	case float64:
		if v == float64(int64(v)) {
			return "n:" + strconv.FormatInt(int64(v), 10)
		}
		return "n:" + strconv.FormatFloat(v, 'g', -1, 64)
	case json.Number:
		return "n:" + v.String()
	default:
		return fmt.Sprintf("x:%v", v)
	}
}
