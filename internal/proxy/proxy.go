// Package proxy implements the backend transports the gateway forwards
// admitted JSON-RPC traffic over: a long-running stdio subprocess and a
// streamable HTTP endpoint with SSE support.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mcpgate/backend/internal/protocol"
)

// DefaultForwardTimeout bounds one request/response round trip.
const DefaultForwardTimeout = 30 * time.Second

// MaxBodyBytes caps a single backend response, over either transport.
const MaxBodyBytes = 10 << 20

var (
	// ErrTimeout means the backend did not answer within the forward timeout.
	ErrTimeout = errors.New("proxy: backend timed out")
	// ErrStopped means the backend was stopped while a call was in flight.
	ErrStopped = errors.New("proxy: backend stopped")
	// ErrNotStarted means Forward was called before Start.
	ErrNotStarted = errors.New("proxy: backend not started")
)

// Backend is one upstream MCP server the router can forward to.
type Backend interface {
	// Name identifies the backend in logs, metrics and events.
	Name() string
	// Start brings the transport up; for stdio that spawns the subprocess.
	Start(ctx context.Context) error
	// Stop tears the transport down and fails all in-flight calls.
	Stop() error
	// Forward sends one request and waits for its response.
	Forward(ctx context.Context, req *protocol.Request) (*protocol.Response, error)
}

// Config describes a backend. Exactly one of Command or URL must be set:
// Command spawns a stdio subprocess, URL targets a streamable HTTP server.
type Config struct {
	Name    string            `yaml:"name"`
	Prefix  string            `yaml:"prefix"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     []string          `yaml:"env"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// NewBackend constructs the transport matching the config.
func NewBackend(cfg Config) (Backend, error) {
	if cfg.Command != "" && cfg.URL != "" {
		return nil, fmt.Errorf("backend %q: command and url are mutually exclusive", cfg.Name)
	}
	switch {
	case cfg.Command != "":
		return NewStdioProxy(cfg), nil
	case cfg.URL != "":
		return NewHTTPProxy(cfg), nil
	default:
		return nil, fmt.Errorf("backend %q: either command or url is required", cfg.Name)
	}
}
