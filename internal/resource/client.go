// Package resource implements the client side of the line-delimited RPC
// protocol spoken by the file-resource service. The service is the only
// component allowed to touch the filesystem; everything persisted by the
// pipeline goes through this client.
package resource

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/punchlab/punchline/pkg/schema"
)

// maxLineSize bounds a single response line (1MB covers any stored item).
const maxLineSize = 1 << 20

// Client multiplexes concurrent RPC calls over one transport to the resource
// service. The transport is created lazily on first use and recreated when the
// sandbox root changes. Responses are matched to callers by request ID; a
// response that never arrives leaves the caller blocked until its own context
// fires — the client never fabricates a response.
type Client struct {
	factory TransportFactory
	logger  *slog.Logger

	mu        sync.Mutex // guards transport, root, alive
	transport Transport
	root      string
	alive     bool

	writeMu sync.Mutex // serializes line writes

	pendMu  sync.Mutex
	pending map[string]chan *response
}

// NewClient creates a client for the given sandbox root. No process is
// spawned until the first call.
func NewClient(factory TransportFactory, root string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		factory: factory,
		logger:  logger,
		root:    root,
		pending: make(map[string]chan *response),
	}
}

// SetRoot changes the sandbox root. If it differs from the current root the
// transport is torn down; the next call respawns the service against the new
// root. In-flight calls stay pending until their contexts fire.
func (c *Client) SetRoot(root string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if root == c.root {
		return
	}
	c.root = root
	if c.transport != nil {
		_ = c.transport.Close()
		c.transport = nil
	}
	c.alive = false
}

// Close tears down the transport. Pending calls are left to their contexts.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport != nil {
		_ = c.transport.Close()
		c.transport = nil
	}
	c.alive = false
	return nil
}

// List returns descriptors for every resource under the sandbox root.
func (c *Client) List(ctx context.Context) ([]Descriptor, error) {
	raw, err := c.call(ctx, methodList, nil)
	if err != nil {
		return nil, err
	}
	var descriptors []Descriptor
	if err := json.Unmarshal(raw, &descriptors); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeRPC, "decode list result: %s", err.Error()).WithCause(err)
	}
	return descriptors, nil
}

// ReadText returns the text content of the resource at uri.
func (c *Client) ReadText(ctx context.Context, uri string) (string, error) {
	raw, err := c.call(ctx, methodRead, map[string]any{"uri": uri})
	if err != nil {
		return "", err
	}
	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeRPC, "decode read result: %s", err.Error()).WithCause(err)
	}
	return result.Text, nil
}

// Write creates or replaces a resource at relativePath and returns its URI.
func (c *Client) Write(ctx context.Context, relativePath, text string) (string, error) {
	raw, err := c.call(ctx, methodWrite, map[string]any{"relativePath": relativePath, "text": text})
	if err != nil {
		return "", err
	}
	var result struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeRPC, "decode write result: %s", err.Error()).WithCause(err)
	}
	return result.URI, nil
}

// Append appends text to an existing resource.
func (c *Client) Append(ctx context.Context, uri, text string) error {
	raw, err := c.call(ctx, methodAppend, map[string]any{"uri": uri, "text": text})
	if err != nil {
		return err
	}
	return decodeOK(raw, "append")
}

// Delete removes a resource. approvalToken may be empty when the service does
// not require one; a missing or wrong token surfaces as an UNAUTHORIZED error.
func (c *Client) Delete(ctx context.Context, uri, approvalToken string) (bool, error) {
	params := map[string]any{"uri": uri}
	if approvalToken != "" {
		params["approvalToken"] = approvalToken
	}
	raw, err := c.call(ctx, methodDelete, params)
	if err != nil {
		return false, err
	}
	if err := decodeOK(raw, "delete"); err != nil {
		return false, err
	}
	return true, nil
}

func decodeOK(raw json.RawMessage, op string) error {
	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return schema.NewErrorf(schema.ErrCodeRPC, "decode %s result: %s", op, err.Error()).WithCause(err)
	}
	if !result.OK {
		return schema.NewErrorf(schema.ErrCodeRPC, "%s not acknowledged", op)
	}
	return nil
}

// call sends one request line and blocks until the matching response line
// arrives or ctx fires.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.ensureTransport(); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	line, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeRPC, "encode request: %s", err.Error()).WithCause(err)
	}
	line = append(line, '\n')

	ch := make(chan *response, 1)
	c.pendMu.Lock()
	c.pending[id] = ch
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
	}()

	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()
	if transport == nil {
		// SetRoot raced with this call; caller retries on the new root.
		return nil, schema.NewError(schema.ErrCodeRPC, "resource service restarting")
	}

	c.writeMu.Lock()
	_, err = transport.Write(line)
	c.writeMu.Unlock()
	if err != nil {
		c.markDead()
		return nil, schema.NewErrorf(schema.ErrCodeRPC, "%s: write request: %s", method, err.Error()).WithCause(err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			code := schema.ErrCodeRPC
			if resp.Error.Code == statusUnauthorized {
				code = schema.ErrCodeUnauthorized
			}
			return nil, schema.NewErrorf(code, "%s: %s", method, resp.Error.Message).
				WithDetails(map[string]any{"rpc_code": resp.Error.Code})
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ensureTransport spawns the service if it is not running.
func (c *Client) ensureTransport() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.alive {
		return nil
	}
	if c.transport != nil {
		_ = c.transport.Close()
	}
	transport, err := c.factory(c.root)
	if err != nil {
		return err
	}
	c.transport = transport
	c.alive = true
	go c.readLoop(transport)
	c.logger.Info("resource service started", slog.String("root", c.root))
	return nil
}

func (c *Client) markDead() {
	c.mu.Lock()
	c.alive = false
	c.mu.Unlock()
}

// readLoop scans response lines and routes them to pending callers. Malformed
// lines are logged and skipped. When the stream ends the transport is marked
// dead so the next call respawns the service; pending callers are NOT
// completed — they resolve via their own contexts.
func (c *Client) readLoop(transport Transport) {
	scanner := bufio.NewScanner(transport.Reader())
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Warn("resource service: malformed response line", slog.String("error", err.Error()))
			continue
		}
		c.pendMu.Lock()
		ch, ok := c.pending[resp.ID]
		c.pendMu.Unlock()
		if !ok {
			c.logger.Warn("resource service: response for unknown request", slog.String("id", resp.ID))
			continue
		}
		select {
		case ch <- &resp:
		default:
		}
	}

	c.markDead()
	c.logger.Warn("resource service stream closed")
}
