package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mcpgate/backend/internal/protocol"
)

// killGrace is how long a stopped subprocess gets to exit after SIGTERM
// before it is killed.
const killGrace = 5 * time.Second

// StdioProxy runs an MCP server as a child process and speaks
// newline-delimited JSON-RPC over its stdin/stdout. Responses are matched
// to requests by id through the pending map; the read loop is the only
// goroutine that touches stdout.
type StdioProxy struct {
	cfg    Config
	logger *log.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pending map[string]chan *protocol.Response
	started bool
	stopped bool
	done    chan struct{}
}

// NewStdioProxy creates a stdio backend; call Start before Forward.
func NewStdioProxy(cfg Config) *StdioProxy {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultForwardTimeout
	}
	return &StdioProxy{
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[STDIO:"+cfg.Name+"] ", log.LstdFlags),
		pending: make(map[string]chan *protocol.Response),
		done:    make(chan struct{}),
	}
}

// Name implements Backend.
func (p *StdioProxy) Name() string { return p.cfg.Name }

// Start spawns the subprocess and begins the stdout read loop. The context
// bounds spawning only, not the process lifetime.
func (p *StdioProxy) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("backend %q: already started", p.cfg.Name)
	}

	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	if len(p.cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), p.cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %q: %w", p.cfg.Command, err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.started = true
	p.logger.Printf("started %s (pid %d)", p.cfg.Command, cmd.Process.Pid)

	go p.consume(stdout)
	go p.drainStderr(stderr)
	return nil
}

// consume reads newline-delimited JSON from the subprocess and delivers
// each response to its waiter. Lines that are not valid JSON-RPC, and
// responses nobody is waiting for, are logged and dropped.
func (p *StdioProxy) consume(r io.Reader) {
	defer p.failAll()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxBodyBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp protocol.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			p.logger.Printf("dropping unparseable line (%d bytes): %v", len(line), err)
			continue
		}
		if resp.ID == nil {
			// Server-initiated notification; nothing to correlate.
			continue
		}

		key := protocol.IDKey(resp.ID)
		p.mu.Lock()
		ch, ok := p.pending[key]
		if ok {
			delete(p.pending, key)
		}
		p.mu.Unlock()

		if !ok {
			p.logger.Printf("orphan response id=%s", key)
			continue
		}
		ch <- &resp
	}
	if err := scanner.Err(); err != nil {
		p.logger.Printf("read loop ended: %v", err)
	}
}

func (p *StdioProxy) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		p.logger.Printf("stderr: %s", scanner.Text())
	}
}

// Forward writes the request and blocks until the matching response, the
// context ends, or the forward timeout elapses. Notifications are written
// fire-and-forget: the child sends no response line for them, so no waiter
// is registered and a synthetic empty result comes back immediately.
func (p *StdioProxy) Forward(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if req.IsNotification() {
		p.mu.Lock()
		if !p.started {
			p.mu.Unlock()
			return nil, ErrNotStarted
		}
		if p.stopped {
			p.mu.Unlock()
			return nil, ErrStopped
		}
		stdin := p.stdin
		p.mu.Unlock()

		payload, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		payload = append(payload, '\n')
		if _, err := stdin.Write(payload); err != nil {
			return nil, fmt.Errorf("write to %q: %w", p.cfg.Name, err)
		}
		return protocol.EmptyResult(nil), nil
	}

	key := protocol.IDKey(req.ID)
	ch := make(chan *protocol.Response, 1)

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil, ErrNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return nil, ErrStopped
	}
	if _, dup := p.pending[key]; dup {
		p.mu.Unlock()
		return nil, fmt.Errorf("backend %q: duplicate in-flight id %s", p.cfg.Name, key)
	}
	p.pending[key] = ch
	stdin := p.stdin
	p.mu.Unlock()

	payload, err := json.Marshal(req)
	if err != nil {
		p.unregister(key)
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	payload = append(payload, '\n')
	if _, err := stdin.Write(payload); err != nil {
		p.unregister(key)
		return nil, fmt.Errorf("write to %q: %w", p.cfg.Name, err)
	}

	timer := time.NewTimer(p.cfg.Timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, ErrStopped
		}
		return resp, nil
	case <-timer.C:
		p.unregister(key)
		return nil, ErrTimeout
	case <-ctx.Done():
		p.unregister(key)
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrStopped
	}
}

func (p *StdioProxy) unregister(key string) {
	p.mu.Lock()
	delete(p.pending, key)
	p.mu.Unlock()
}

// failAll wakes every waiter with a nil response; used when the read loop
// exits.
func (p *StdioProxy) failAll() {
	p.mu.Lock()
	for key, ch := range p.pending {
		delete(p.pending, key)
		close(ch)
	}
	p.mu.Unlock()
}

// Stop closes stdin, sends SIGTERM, and escalates to SIGKILL after the
// grace period. Safe to call more than once.
func (p *StdioProxy) Stop() error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	cmd := p.cmd
	stdin := p.stdin
	close(p.done)
	p.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.logger.Printf("SIGTERM failed: %v", err)
	}

	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()

	select {
	case err := <-waited:
		p.logger.Printf("exited: %v", err)
		return nil
	case <-time.After(killGrace):
		p.logger.Printf("did not exit within %s, killing", killGrace)
		_ = cmd.Process.Kill()
		<-waited
		return nil
	}
}

var _ Backend = (*StdioProxy)(nil)
