package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/mcpgate/backend/internal/events"
	"github.com/mcpgate/backend/internal/gate"
	"github.com/mcpgate/backend/internal/protocol"
	"github.com/mcpgate/backend/internal/router"
	"github.com/mcpgate/backend/internal/security"
)

// caller is the authenticated (or anonymous) origin of one HTTP request.
type caller struct {
	keyID       string
	scopedTools []string // non-nil only for scoped tokens
	ip          string
	country     string
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.deps.Config.Server.MaxBodyBytes))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	reqs, isArray, err := protocol.DecodeRequests(body)
	if err != nil {
		writeJSON(w, http.StatusOK, protocol.NewErrorResponse(nil, protocol.CodeInvalidParams, err.Error(), nil))
		return
	}

	c, authErr := s.identify(r)

	var responses []*protocol.Response
	for _, req := range reqs {
		if req.IsNotification() {
			// Fire-and-forget: relay to the first backend and drop the
			// synthetic result.
			s.passthrough(r.Context(), req)
			continue
		}
		if authErr != nil && isGated(req.Method) {
			responses = append(responses, s.paymentError(req.ID, gate.Decision{Reason: gate.ReasonInvalidKey}, nil))
			continue
		}
		responses = append(responses, s.dispatch(r, req, c))
	}

	switch {
	case len(responses) == 0:
		w.WriteHeader(http.StatusAccepted)
	case isArray:
		writeJSON(w, http.StatusOK, responses)
	default:
		writeJSON(w, http.StatusOK, responses[0])
	}
}

// identify resolves the caller's key from X-API-Key or a bearer
// credential. A bearer value with the scoped-token prefix is verified and
// narrows the caller to the token's tool whitelist. An absent credential
// is not an error here; gated methods fail later with invalid_key.
func (s *Server) identify(r *http.Request) (caller, error) {
	c := caller{
		ip:      clientIP(r),
		country: strings.ToUpper(r.Header.Get("X-Country")),
	}

	cred := r.Header.Get("X-API-Key")
	if cred == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			cred = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if cred == "" {
		return c, nil
	}

	if strings.HasPrefix(cred, security.TokenPrefix) {
		claims, err := s.deps.Broker.Verify(cred)
		if err != nil {
			return c, err
		}
		c.keyID = claims.KeyID
		c.scopedTools = claims.Tools
		return c, nil
	}

	if id, ok := s.deps.Store.ResolveAliasOrID(cred); ok {
		c.keyID = id
	} else {
		c.keyID = cred
	}
	return c, nil
}

// clientIP takes the first X-Forwarded-For hop, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := xff
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			first = xff[:idx]
		}
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isGated reports whether a method goes through admission. Everything
// else is relayed to the first backend without touching credits.
func isGated(method string) bool {
	return method == protocol.MethodToolsCall || method == protocol.MethodCallBatch
}

func (s *Server) dispatch(r *http.Request, req *protocol.Request, c caller) *protocol.Response {
	switch req.Method {
	case protocol.MethodToolsCall:
		return s.handleToolCall(r, req, c)
	case protocol.MethodCallBatch:
		return s.handleBatch(r, req, c)
	case protocol.MethodToolsList:
		return s.handleToolsList(r, req, c)
	default:
		// initialize, ping, resources/*, prompts/*, and anything the
		// gateway has never heard of: the first backend answers.
		return s.passthrough(r.Context(), req)
	}
}

// handleToolsList is the one free method the gateway answers itself:
// every backend's list is merged under its prefix and filtered by the
// calling key's ACL (and, for scoped tokens, the token's whitelist).
func (s *Server) handleToolsList(r *http.Request, req *protocol.Request, c caller) *protocol.Response {
	rec, _ := s.deps.Store.Get(c.keyID)
	tools := s.deps.Router.AggregateTools(r.Context(), rec)
	if c.scopedTools != nil {
		tools = filterScoped(tools, c.scopedTools)
	}
	if tools == nil {
		tools = []router.Tool{}
	}
	return protocol.NewResponse(req.ID, map[string]interface{}{"tools": tools})
}

// passthrough relays an ungated request to the first configured backend.
func (s *Server) passthrough(ctx context.Context, req *protocol.Request) *protocol.Response {
	prefixes := s.deps.Router.Prefixes()
	if len(prefixes) == 0 {
		return protocol.NewErrorResponse(req.ID, protocol.CodeMethodNotFound, "method not supported: "+req.Method, nil)
	}
	resp, err := s.deps.Router.Forward(ctx, prefixes[0], req)
	if err != nil {
		var rpcErr *protocol.Error
		if errors.As(err, &rpcErr) {
			return protocol.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		}
		return protocol.NewErrorResponse(req.ID, protocol.CodeInternalError, "backend error: "+err.Error(), nil)
	}
	return resp
}

func (s *Server) handleToolCall(r *http.Request, req *protocol.Request, c caller) *protocol.Response {
	params, err := protocol.ParseToolCall(req)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, err.Error(), nil)
	}
	if _, _, ok := s.deps.Router.SplitTool(params.Name); !ok {
		return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams,
			"unknown tool prefix in "+params.Name,
			map[string]interface{}{"validPrefixes": s.deps.Router.Prefixes()})
	}
	if c.keyID == "" {
		return s.paymentError(req.ID, gate.Decision{Reason: gate.ReasonInvalidKey}, nil)
	}

	decision := s.deps.Gate.Evaluate(c.keyID, gate.ToolCall{Name: params.Name, Arguments: params.Arguments}, c.gateContext())
	if !decision.Allowed {
		return s.paymentError(req.ID, decision, nil)
	}

	resp, err := s.deps.Router.CallTool(r.Context(), req.ID, params.Name, params.Arguments)
	refunded := false
	if err != nil || resp.Error != nil {
		if s.deps.Config.Gate.RefundOnFailure && decision.CreditsCharged > 0 {
			s.deps.Gate.Refund(c.keyID, decision.CreditsCharged, params.Name)
			refunded = true
		}
	}

	charged := decision.CreditsCharged
	if refunded {
		charged = 0
	}
	s.deps.Emitter.Emit(events.TypeToolCall, "/mcp", c.keyID, map[string]interface{}{
		"tool":           params.Name,
		"creditsCharged": charged,
		"refunded":       refunded,
	})

	if err != nil {
		var rpcErr *protocol.Error
		if errors.As(err, &rpcErr) {
			return protocol.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		}
		return protocol.NewErrorResponse(req.ID, protocol.CodeInternalError, "backend error: "+err.Error(), nil)
	}
	return resp
}

func (s *Server) handleBatch(r *http.Request, req *protocol.Request, c caller) *protocol.Response {
	params, err := protocol.ParseBatchCall(req)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, err.Error(), nil)
	}
	for _, call := range params.Calls {
		if _, _, ok := s.deps.Router.SplitTool(call.Name); !ok {
			return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams,
				"unknown tool prefix in "+call.Name,
				map[string]interface{}{"validPrefixes": s.deps.Router.Prefixes()})
		}
	}
	if c.keyID == "" {
		return s.paymentError(req.ID, gate.Decision{Reason: gate.ReasonInvalidKey}, nil)
	}

	calls := make([]gate.ToolCall, len(params.Calls))
	for i, call := range params.Calls {
		calls[i] = gate.ToolCall{Name: call.Name, Arguments: call.Arguments}
	}

	bd := s.deps.Gate.EvaluateBatch(c.keyID, calls, c.gateContext())
	if !bd.AllAllowed {
		remaining := int64(0)
		if rec, ok := s.deps.Store.Get(c.keyID); ok {
			remaining = rec.Credits
		}
		data := &protocol.PaymentData{
			Reason:           string(bd.Reason),
			CreditsRequired:  bd.TotalCredits,
			RemainingCredits: remaining,
		}
		if bd.FailedIndex >= 0 {
			idx := bd.FailedIndex
			data.FailedIndex = &idx
		}
		return protocol.NewPaymentError(req.ID, data)
	}

	// All calls are paid for; forward each and refund individually on
	// failure when the policy allows.
	results := make([]map[string]interface{}, len(params.Calls))
	for i, call := range params.Calls {
		entry := map[string]interface{}{"tool": call.Name}
		resp, err := s.deps.Router.CallTool(r.Context(), req.ID, call.Name, call.Arguments)

		failed := err != nil || resp.Error != nil
		refunded := false
		if failed && s.deps.Config.Gate.RefundOnFailure && bd.Decisions[i].CreditsCharged > 0 {
			s.deps.Gate.Refund(c.keyID, bd.Decisions[i].CreditsCharged, call.Name)
			refunded = true
		}

		switch {
		case err != nil:
			entry["error"] = map[string]interface{}{
				"code":    protocol.CodeInternalError,
				"message": "backend error: " + err.Error(),
			}
		case resp.Error != nil:
			entry["error"] = resp.Error
		default:
			entry["result"] = json.RawMessage(resp.Result)
		}

		charged := bd.Decisions[i].CreditsCharged
		if refunded {
			charged = 0
		}
		s.deps.Emitter.Emit(events.TypeToolCall, "/mcp", c.keyID, map[string]interface{}{
			"tool":           call.Name,
			"creditsCharged": charged,
			"refunded":       refunded,
			"batch":          true,
		})
		results[i] = entry
	}

	return protocol.NewResponse(req.ID, map[string]interface{}{
		"results":      results,
		"totalCredits": bd.TotalCredits,
	})
}

func (s *Server) paymentError(id interface{}, d gate.Decision, failedIndex *int) *protocol.Response {
	return protocol.NewPaymentError(id, &protocol.PaymentData{
		Reason:           string(d.Reason),
		CreditsRequired:  d.CreditsRequired,
		RemainingCredits: d.RemainingCredits,
		FailedIndex:      failedIndex,
	})
}

func (c caller) gateContext() gate.CallerContext {
	return gate.CallerContext{
		ClientIP:    c.ip,
		Country:     c.country,
		ScopedTools: c.scopedTools,
	}
}

// filterScoped keeps only the tools a scoped token may call.
func filterScoped(tools []router.Tool, scope []string) []router.Tool {
	allowed := make(map[string]bool, len(scope))
	for _, t := range scope {
		allowed[t] = true
	}
	out := tools[:0]
	for _, t := range tools {
		if allowed[t.Name] {
			out = append(out, t)
		}
	}
	return out
}
