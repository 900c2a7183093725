package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"sync"

	"github.com/mcpgate/backend/internal/protocol"
)

const sessionHeader = "Mcp-Session-Id"

// HTTPProxy forwards JSON-RPC to a streamable HTTP MCP server. The server
// may answer with a plain JSON body or with an SSE stream; either way the
// caller gets exactly one response. A session id handed out by the server
// is captured and echoed on every subsequent request, and the session is
// deleted on Stop.
type HTTPProxy struct {
	cfg    Config
	client *http.Client
	logger *log.Logger

	mu        sync.Mutex
	sessionID string
}

// NewHTTPProxy creates an HTTP backend. Start is a no-op for this
// transport; the first Forward establishes the session.
func NewHTTPProxy(cfg Config) *HTTPProxy {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultForwardTimeout
	}
	return &HTTPProxy{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: log.New(log.Writer(), "[HTTP:"+cfg.Name+"] ", log.LstdFlags),
	}
}

// Name implements Backend.
func (p *HTTPProxy) Name() string { return p.cfg.Name }

// Start implements Backend.
func (p *HTTPProxy) Start(context.Context) error { return nil }

// Forward posts the request and decodes the response from either a JSON
// body or an SSE stream.
func (p *HTTPProxy) Forward(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range p.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	if sid := p.session(); sid != "" {
		httpReq.Header.Set(sessionHeader, sid)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if req.IsNotification() {
			p.logger.Printf("notification post failed: %v", err)
			return protocol.EmptyResult(nil), nil
		}
		return nil, fmt.Errorf("post to %q: %w", p.cfg.Name, err)
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		p.setSession(sid)
	}
	if req.IsNotification() {
		// Best effort; whatever the server sent back has nothing to
		// correlate against.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return protocol.EmptyResult(nil), nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("backend %q: HTTP %d: %s", p.cfg.Name, resp.StatusCode, bytes.TrimSpace(body))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	body := io.LimitReader(resp.Body, MaxBodyBytes)

	if mediaType == "text/event-stream" {
		return p.decodeSSE(body, req.ID)
	}
	return decodeJSONResponse(body)
}

// decodeSSE scans the event stream for the frame carrying the response to
// the given request id. Unrelated frames (notifications, other ids) are
// skipped.
func (p *HTTPProxy) decodeSSE(r io.Reader, wantID interface{}) (*protocol.Response, error) {
	want := protocol.IDKey(wantID)
	frames := NewSSEScanner(r)
	for {
		frame, err := frames.Next()
		if err == io.EOF {
			return nil, &protocol.Error{Code: protocol.CodeInternalError, Message: "No matching response in SSE stream"}
		}
		if err != nil {
			return nil, fmt.Errorf("backend %q: read stream: %w", p.cfg.Name, err)
		}
		if frame.Event != "" && frame.Event != "message" {
			continue
		}

		var rpcResp protocol.Response
		if err := json.Unmarshal([]byte(frame.Data), &rpcResp); err != nil {
			p.logger.Printf("skipping unparseable frame: %v", err)
			continue
		}
		if rpcResp.ID == nil || protocol.IDKey(rpcResp.ID) != want {
			continue
		}
		return &rpcResp, nil
	}
}

func decodeJSONResponse(r io.Reader) (*protocol.Response, error) {
	var rpcResp protocol.Response
	if err := json.NewDecoder(r).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &rpcResp, nil
}

// Stop deletes the server-side session, if one was established.
func (p *HTTPProxy) Stop() error {
	sid := p.session()
	if sid == "" {
		return nil
	}

	req, err := http.NewRequest(http.MethodDelete, p.cfg.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set(sessionHeader, sid)

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Printf("session delete failed: %v", err)
		return nil
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	p.setSession("")
	return nil
}

func (p *HTTPProxy) session() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

func (p *HTTPProxy) setSession(sid string) {
	p.mu.Lock()
	p.sessionID = sid
	p.mu.Unlock()
}

var _ Backend = (*HTTPProxy)(nil)
