package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	gro "github.com/nevindra/gro"
)

const (
	clientName    = "gro"
	clientVersion = "0.1.0"

	// handshakeTimeout bounds initialize + tools/list at startup.
	handshakeTimeout = 30 * time.Second
)

// Client is a connection to one stdio MCP server.
type Client struct {
	name   string
	logger *slog.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan response
	closed  bool

	tools  []ToolDefinition
	server serverInfo
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets a structured logger for connection lifecycle events.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// Connect spawns the server command, performs the initialize handshake, and
// lists its tools. The returned client must be closed to reap the process.
func Connect(ctx context.Context, name string, command []string, opts ...ClientOption) (*Client, error) {
	if len(command) == 0 {
		return nil, gro.WrapError(gro.KindMCP, "server "+name+" has an empty command", nil)
	}

	cmd := exec.Command(command[0], command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, gro.WrapError(gro.KindMCP, "server "+name+": stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, gro.WrapError(gro.KindMCP, "server "+name+": stdout pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, gro.WrapError(gro.KindMCP, "server "+name+": start", err)
	}

	c := newClient(name, stdout, stdin, opts...)
	c.cmd = cmd

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	if err := c.handshake(hctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	c.logger.Debug("mcp: connected", "server", name, "tools", len(c.tools))
	return c, nil
}

// newClient wires a client to a raw reader/writer and starts the read loop.
// Split from Connect so tests can run against in-process pipes.
func newClient(name string, r io.Reader, w io.WriteCloser, opts ...ClientOption) *Client {
	c := &Client{
		name:    name,
		logger:  slog.New(slog.DiscardHandler),
		stdin:   w,
		pending: make(map[int64]chan response),
	}
	for _, o := range opts {
		o(c)
	}
	go c.readLoop(r)
	return c
}

// handshake runs initialize, notifications/initialized, and tools/list.
func (c *Client) handshake(ctx context.Context) error {
	raw, err := c.call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    struct{}{},
		ClientInfo:      clientInfo{Name: clientName, Version: clientVersion},
	})
	if err != nil {
		return gro.WrapError(gro.KindMCP, "server "+c.name+": initialize", err)
	}
	var init initializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		return gro.WrapError(gro.KindMCP, "server "+c.name+": parse initialize result", err)
	}
	c.server = init.ServerInfo

	if err := c.notify("notifications/initialized"); err != nil {
		return gro.WrapError(gro.KindMCP, "server "+c.name+": initialized notification", err)
	}

	if init.Capabilities.Tools == nil {
		return nil
	}
	raw, err = c.call(ctx, "tools/list", struct{}{})
	if err != nil {
		return gro.WrapError(gro.KindMCP, "server "+c.name+": tools/list", err)
	}
	var list toolsListResult
	if err := json.Unmarshal(raw, &list); err != nil {
		return gro.WrapError(gro.KindMCP, "server "+c.name+": parse tools list", err)
	}
	c.tools = list.Tools
	return nil
}

// Tools returns the definitions the server advertised at connect time.
func (c *Client) Tools() []ToolDefinition { return c.tools }

// CallTool invokes one server tool and returns its result.
func (c *Client) CallTool(ctx context.Context, tool string, args json.RawMessage) (ToolCallResult, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	raw, err := c.call(ctx, "tools/call", toolCallParams{Name: tool, Arguments: args})
	if err != nil {
		return ToolCallResult{}, gro.WrapError(gro.KindMCP, "server "+c.name+": call "+tool, err)
	}
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ToolCallResult{}, gro.WrapError(gro.KindMCP, "server "+c.name+": parse "+tool+" result", err)
	}
	return result, nil
}

// Close shuts the connection down and reaps the server process.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.stdin.Close()
	if c.cmd == nil {
		return nil
	}

	// Give the server a moment to exit on its own before killing it.
	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		_ = c.cmd.Process.Kill()
		return <-done
	}
}

// call sends one request and waits for its response or ctx cancellation.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("connection closed")
	}
	c.nextID++
	id := c.nextID
	ch := make(chan response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(request{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed")
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	}
}

// notify sends a notification (no ID, no response expected).
func (c *Client) notify(method string) error {
	return c.write(request{JSONRPC: "2.0", Method: method})
}

func (c *Client) write(req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

// readLoop routes incoming responses to waiting calls. Server-initiated
// requests and notifications are ignored. On EOF every pending call fails.
func (c *Client) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 10<<20), 10<<20) // 10MB max message

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Debug("mcp: skipping unparseable line", "server", c.name, "err", err)
			continue
		}
		id, err := strconv.ParseInt(string(resp.ID), 10, 64)
		if err != nil {
			continue // notification or non-numeric ID
		}

		c.mu.Lock()
		ch, ok := c.pending[id]
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}

	c.mu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}
