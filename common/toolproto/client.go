package toolproto

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/lyzr/flowrunner/common/config"
	"github.com/lyzr/flowrunner/common/flowerr"
	"github.com/lyzr/flowrunner/common/logger"
)

// Client drives one tool server. In-flight calls are bounded; excess
// callers wait briefly for a slot and then fail with a capacity error so
// the node retry policy takes over.
type Client struct {
	server    string
	transport transport
	timeout   time.Duration
	inflight  chan struct{}
	log       *logger.Logger
}

const slotWait = 2 * time.Second

func newClient(name string, server ServerConfig, cfg config.ToolProtoConfig, log *logger.Logger) (*Client, error) {
	var t transport
	var err error
	if server.Command != "" {
		t, err = newStdioTransport(server)
	} else {
		t = newHTTPTransport(server, &http.Client{Timeout: cfg.CallTimeout})
	}
	if err != nil {
		return nil, err
	}

	maxInFlight := cfg.MaxInFlight
	if maxInFlight < 1 {
		maxInFlight = 4
	}
	return &Client{
		server:    name,
		transport: t,
		timeout:   cfg.CallTimeout,
		inflight:  make(chan struct{}, maxInFlight),
		log:       log,
	}, nil
}

func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.inflight <- struct{}{}:
		return nil
	default:
	}

	wait := time.NewTimer(slotWait)
	defer wait.Stop()
	select {
	case c.inflight <- struct{}{}:
		return nil
	case <-wait.C:
		return flowerr.New(flowerr.CategoryCapacity, "tool server %q has no free request slots", c.server).
			WithSuggestion("reduce parallel fan-out or raise FLOW_TOOL_MAX_IN_FLIGHT")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() { <-c.inflight }

// ListTools enumerates the server's advertised tools
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	raw, err := c.transport.call(callCtx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, flowerr.Wrap(flowerr.CategoryToolProto, err, "decode tool list from %q", c.server)
	}
	return result.Tools, nil
}

// CallResult is one tool invocation outcome. IsError marks a semantic
// tool failure (routed as an error action, never raised); Warnings
// degrade the workflow's final status.
type CallResult struct {
	Result   any      `json:"result"`
	IsError  bool     `json:"is_error,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// CallTool invokes one tool with an argument object
func (c *Client) CallTool(ctx context.Context, tool string, args map[string]any) (*CallResult, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	raw, err := c.transport.call(callCtx, "tools/call", map[string]any{
		"name":      tool,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		Content  any      `json:"content"`
		IsError  bool     `json:"isError"`
		Warnings []string `json:"warnings"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, flowerr.Wrap(flowerr.CategoryToolProto, err, "decode %s result from %q", tool, c.server)
	}
	return &CallResult{Result: result.Content, IsError: result.IsError, Warnings: result.Warnings}, nil
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

// Close terminates the transport
func (c *Client) Close() error {
	return c.transport.close()
}

// Pool owns one lazily started client per configured server
type Pool struct {
	cfg config.ToolProtoConfig
	log *logger.Logger

	mu      sync.Mutex
	servers map[string]ServerConfig
	clients map[string]*Client
}

// NewPool creates an empty pool over a server configuration
func NewPool(servers map[string]ServerConfig, cfg config.ToolProtoConfig, log *logger.Logger) *Pool {
	if log == nil {
		log = logger.Nop()
	}
	return &Pool{
		cfg:     cfg,
		log:     log,
		servers: servers,
		clients: make(map[string]*Client),
	}
}

// Client returns the pooled client for a server, starting it on first use
func (p *Pool) Client(name string) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[name]; ok {
		return c, nil
	}
	server, ok := p.servers[name]
	if !ok {
		return nil, flowerr.New(flowerr.CategoryToolProto, "unknown tool server %q", name)
	}
	c, err := newClient(name, server, p.cfg, p.log)
	if err != nil {
		return nil, err
	}
	p.clients[name] = c
	p.log.Debug("tool server client started", "server", name)
	return c, nil
}

// Close shuts every started client down
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, c := range p.clients {
		if err := c.Close(); err != nil {
			p.log.Warn("tool server shutdown", "server", name, "error", err)
		}
		delete(p.clients, name)
	}
}
