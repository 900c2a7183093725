// Package router multiplexes several MCP backends behind one endpoint.
// Public tool names are "<prefix><sep><tool>"; the router strips the
// prefix on the way down and reapplies it when merging tools/list.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/mcpgate/backend/internal/circuitbreaker"
	"github.com/mcpgate/backend/internal/keystore"
	"github.com/mcpgate/backend/internal/metrics"
	"github.com/mcpgate/backend/internal/protocol"
	"github.com/mcpgate/backend/internal/proxy"
)

// DefaultSeparator splits the prefix from the tool name.
const DefaultSeparator = ":"

// listTimeout bounds one backend's share of a tools/list aggregation.
const listTimeout = 10 * time.Second

// Tool is a tools/list entry. InputSchema passes through untouched.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type toolsListResult struct {
	Tools []Tool `json:"tools"`
}

type route struct {
	prefix  string
	backend proxy.Backend
	breaker *circuitbreaker.CircuitBreaker
}

// Router owns the backend set. Routes are fixed at construction; the
// slice preserves configuration order so tools/list output is stable.
type Router struct {
	sep      string
	routes   []*route
	byPrefix map[string]*route
	metrics  *metrics.Metrics
	logger   *log.Logger
}

// New validates the backend configs and builds their transports. Prefixes
// must be non-empty, unique, and free of the separator.
func New(cfgs []proxy.Config, sep string, breakers *circuitbreaker.Manager, m *metrics.Metrics) (*Router, error) {
	if sep == "" {
		sep = DefaultSeparator
	}
	if breakers == nil {
		breakers = circuitbreaker.NewManager(nil)
	}

	r := &Router{
		sep:      sep,
		byPrefix: make(map[string]*route, len(cfgs)),
		metrics:  m,
		logger:   log.New(log.Writer(), "[ROUTER] ", log.LstdFlags),
	}

	for _, cfg := range cfgs {
		if cfg.Prefix == "" {
			return nil, fmt.Errorf("backend %q: empty prefix", cfg.Name)
		}
		if strings.Contains(cfg.Prefix, sep) {
			return nil, fmt.Errorf("backend %q: prefix %q contains separator %q", cfg.Name, cfg.Prefix, sep)
		}
		if _, dup := r.byPrefix[cfg.Prefix]; dup {
			return nil, fmt.Errorf("duplicate prefix %q", cfg.Prefix)
		}
		if cfg.Name == "" {
			cfg.Name = cfg.Prefix
		}

		backend, err := proxy.NewBackend(cfg)
		if err != nil {
			return nil, err
		}
		rt := &route{
			prefix:  cfg.Prefix,
			backend: backend,
			breaker: breakers.Get(cfg.Name),
		}
		r.routes = append(r.routes, rt)
		r.byPrefix[cfg.Prefix] = rt
	}
	return r, nil
}

// Start brings every backend up; the first failure stops the ones already
// started and is returned.
func (r *Router) Start(ctx context.Context) error {
	for i, rt := range r.routes {
		if err := rt.backend.Start(ctx); err != nil {
			for _, started := range r.routes[:i] {
				started.backend.Stop()
			}
			return fmt.Errorf("start backend %q: %w", rt.backend.Name(), err)
		}
	}
	r.logger.Printf("started %d backend(s)", len(r.routes))
	return nil
}

// Stop tears all backends down; errors are logged, not returned.
func (r *Router) Stop() {
	for _, rt := range r.routes {
		if err := rt.backend.Stop(); err != nil {
			r.logger.Printf("stop %q: %v", rt.backend.Name(), err)
		}
	}
}

// Prefixes returns the configured prefixes in configuration order.
func (r *Router) Prefixes() []string {
	out := make([]string, len(r.routes))
	for i, rt := range r.routes {
		out[i] = rt.prefix
	}
	return out
}

// Separator returns the configured prefix separator.
func (r *Router) Separator() string { return r.sep }

// SplitTool splits a public tool name into prefix and backend-local name.
// ok is false when the separator is absent or the prefix is unknown.
func (r *Router) SplitTool(name string) (prefix, tool string, ok bool) {
	idx := strings.Index(name, r.sep)
	if idx <= 0 || idx+len(r.sep) >= len(name) {
		return "", "", false
	}
	prefix = name[:idx]
	tool = name[idx+len(r.sep):]
	if _, known := r.byPrefix[prefix]; !known {
		return "", "", false
	}
	return prefix, tool, true
}

// CallTool forwards an admitted tools/call to the backend owning the
// prefix. The backend sees the stripped tool name; the response keeps the
// client's request id.
func (r *Router) CallTool(ctx context.Context, id interface{}, prefixedName string, args map[string]interface{}) (*protocol.Response, error) {
	prefix, tool, ok := r.SplitTool(prefixedName)
	if !ok {
		return nil, &protocol.Error{
			Code:    protocol.CodeInvalidParams,
			Message: fmt.Sprintf("unknown tool prefix in %q", prefixedName),
			Data:    map[string]interface{}{"validPrefixes": r.Prefixes()},
		}
	}
	rt := r.byPrefix[prefix]

	params, err := json.Marshal(protocol.ToolCallParams{Name: tool, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	req := &protocol.Request{
		JSONRPC: protocol.Version,
		ID:      id,
		Method:  protocol.MethodToolsCall,
		Params:  params,
	}
	return r.forward(ctx, rt, req)
}

// Forward sends an arbitrary request to the backend owning the prefix,
// through its breaker. Used by the edge for pass-through methods.
func (r *Router) Forward(ctx context.Context, prefix string, req *protocol.Request) (*protocol.Response, error) {
	rt, ok := r.byPrefix[prefix]
	if !ok {
		return nil, fmt.Errorf("unknown prefix %q", prefix)
	}
	return r.forward(ctx, rt, req)
}

// forward runs one round trip under the route's breaker. A JSON-RPC error
// in the response counts as a failure for breaker and metrics purposes.
func (r *Router) forward(ctx context.Context, rt *route, req *protocol.Request) (*protocol.Response, error) {
	done, err := rt.breaker.Allow()
	if err != nil {
		if r.metrics != nil {
			r.metrics.ForwardErrors.WithLabelValues(rt.backend.Name()).Inc()
		}
		return nil, fmt.Errorf("backend %q unavailable: %w", rt.backend.Name(), err)
	}

	start := time.Now()
	resp, err := rt.backend.Forward(ctx, req)
	if r.metrics != nil {
		r.metrics.ForwardDuration.WithLabelValues(rt.backend.Name()).Observe(time.Since(start).Seconds())
	}

	success := err == nil && (resp == nil || resp.Error == nil)
	done(success)
	if !success && r.metrics != nil {
		r.metrics.ForwardErrors.WithLabelValues(rt.backend.Name()).Inc()
	}

	if err != nil {
		return nil, fmt.Errorf("forward to %q: %w", rt.backend.Name(), err)
	}
	return resp, nil
}

// AggregateTools merges every backend's tools/list: names get the route
// prefix, descriptions get a "[prefix] " marker, and the result is
// filtered against the calling key's ACL on the prefixed names. Order is
// configuration order, then each backend's own order. A backend that
// fails to answer contributes nothing; its error is logged.
func (r *Router) AggregateTools(ctx context.Context, rec *keystore.KeyRecord) []Tool {
	var merged []Tool
	for _, rt := range r.routes {
		tools, err := r.listBackend(ctx, rt)
		if err != nil {
			r.logger.Printf("tools/list from %q failed: %v", rt.backend.Name(), err)
			continue
		}
		for _, t := range tools {
			prefixed := rt.prefix + r.sep + t.Name
			if rec != nil && (rec.ToolDenied(prefixed) || !rec.ToolAllowed(prefixed)) {
				continue
			}
			t.Name = prefixed
			t.Description = "[" + rt.prefix + "] " + t.Description
			merged = append(merged, t)
		}
	}
	return merged
}

func (r *Router) listBackend(ctx context.Context, rt *route) ([]Tool, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	req := &protocol.Request{
		JSONRPC: protocol.Version,
		ID:      "tl-" + rt.prefix,
		Method:  protocol.MethodToolsList,
	}
	resp, err := r.forward(ctx, rt, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	var result toolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}
	return result.Tools, nil
}

// BreakerStats exposes per-backend breaker condition for the health
// endpoint, sorted by name.
func (r *Router) BreakerStats() []circuitbreaker.Stats {
	out := make([]circuitbreaker.Stats, 0, len(r.routes))
	for _, rt := range r.routes {
		out = append(out, circuitbreaker.Stats{
			Name:   rt.backend.Name(),
			State:  rt.breaker.State().String(),
			Counts: rt.breaker.Counts(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
