package sdk

import "encoding/json"

// Denial reasons returned by the gateway in a payment-required error.
const (
	ReasonInvalidKey          = "invalid_key"
	ReasonKeyRevoked          = "key_revoked"
	ReasonKeySuspended        = "key_suspended"
	ReasonKeyExpired          = "key_expired"
	ReasonIPNotAllowed        = "ip_not_allowed"
	ReasonCountryNotAllowed   = "country_not_allowed"
	ReasonCountryDenied       = "country_denied"
	ReasonToolNotAllowed      = "tool_not_allowed"
	ReasonToolDenied          = "tool_denied"
	ReasonTokenScope          = "token_scope"
	ReasonRateLimited         = "rate_limited"
	ReasonQuotaExceeded       = "quota_exceeded"
	ReasonSpendingLimit       = "spending_limit"
	ReasonInsufficientCredits = "insufficient_credits"
)

// Denial carries the gateway's admission verdict when a call is refused.
// For batch calls FailedIndex points at the first call that failed the
// precheck.
type Denial struct {
	Reason           string `json:"reason"`
	CreditsRequired  int64  `json:"creditsRequired"`
	RemainingCredits int64  `json:"remainingCredits"`
	FailedIndex      *int   `json:"failedIndex,omitempty"`
}

// DeniedError is returned by CallTool and CallBatch when the gateway
// refuses admission. Unwrap the denial with errors.As.
type DeniedError struct {
	Denial Denial
}

func (e *DeniedError) Error() string {
	return "mcpgate: call denied: " + e.Denial.Reason
}

// RPCError is any non-payment JSON-RPC error relayed by the gateway,
// including errors originating at the downstream MCP server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return "mcpgate: rpc error: " + e.Message
}

// Tool is one entry of the gateway's aggregated tool list. Names carry
// the backend prefix ("fs:read_file").
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// BatchCallResult is one entry of a batch result. Exactly one of Result
// and Error is set: the batch is paid for as a whole, but each call can
// still fail downstream on its own.
type BatchCallResult struct {
	Tool   string          `json:"tool"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// BatchResult is the result of a tools/call_batch that passed the gate.
type BatchResult struct {
	Results      []BatchCallResult `json:"results"`
	TotalCredits int64             `json:"totalCredits"`
}
