// Package stdiorpc speaks newline-delimited JSON-RPC 2.0 over a pair of
// byte streams, the wire protocol of MCP servers running in stdio mode.
//
// One Conn owns one worker's stdin/stdout. Requests may be issued from
// multiple goroutines; responses are correlated by id. Notifications from
// the server are logged and dropped, and requests from the server are
// answered with "method not found" — this client drives workers, it does
// not serve them.
package stdiorpc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	json "github.com/goccy/go-json"

	"github.com/playmux/playmux/internal/sentinel"
)

const (
	// ErrClosed is returned by Call once the connection has shut down,
	// whether by Close or because the worker's stdout reached EOF.
	ErrClosed = sentinel.Error("rpc connection is closed")
)

// maxLineBytes bounds a single response line. Screenshot payloads arrive
// base64-encoded inline, so the limit is generous.
const maxLineBytes = 64 * 1024 * 1024

const jsonrpcVersion = "2.0"

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object returned by the worker.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Conn is a JSON-RPC 2.0 connection over a worker's stdio streams.
type Conn struct {
	w   io.WriteCloser
	log *slog.Logger

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *response

	closed    chan struct{}
	closeOnce sync.Once
}

// New wraps the worker's stdin (w) and stdout (r) in a connection and starts
// the read loop. The connection takes ownership of w; r is read until EOF.
func New(w io.WriteCloser, r io.Reader, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	c := &Conn{
		w:       w,
		log:     log,
		pending: make(map[int64]chan *response),
		closed:  make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

// Call sends one request and waits for the matching response. The returned
// bytes are the raw result object. A JSON-RPC error response is returned as
// an *RPCError.
func (c *Conn) Call(ctx context.Context, method string, params []byte) ([]byte, error) {
	id := c.nextID.Add(1)
	ch := make(chan *response, 1)

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return nil, fmt.Errorf("call %s: %w", method, ErrClosed)
	default:
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(request{JSONRPC: jsonrpcVersion, ID: &id, Method: method, Params: params}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("call %s: %w", method, ErrClosed)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("call %s: %w", method, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("call %s: %w", method, ctx.Err())
	}
}

// Notify sends a notification (a request without an id, expecting no
// response).
func (c *Conn) Notify(method string, params []byte) error {
	if err := c.write(request{JSONRPC: jsonrpcVersion, Method: method, Params: params}); err != nil {
		return fmt.Errorf("notify %s: %w", method, err)
	}
	return nil
}

// Ping issues the protocol's liveness round trip.
func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, "ping", nil)
	return err
}

// Handshake performs the MCP initialize exchange. Must complete before any
// other call; the worker is not obligated to answer anything else first.
func (c *Conn) Handshake(ctx context.Context) error {
	params, err := json.Marshal(map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "playmux",
			"version": "1",
		},
	})
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if _, err := c.Call(ctx, "initialize", params); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if err := c.Notify("notifications/initialized", nil); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

// Close shuts the connection down: the write side is closed (signalling the
// worker to exit in stdio mode) and every pending call fails with ErrClosed.
// Idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.w.Close()
		c.failPending()
	})
	return err
}

func (c *Conn) write(req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *Conn) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.log.Warn("discarding unparseable rpc line", "error", err)
			continue
		}
		c.dispatch(&resp)
	}
	if err := scanner.Err(); err != nil {
		c.log.Debug("rpc read loop ended", "error", err)
	}

	// EOF: the worker went away. Fail whatever is still waiting.
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.w.Close()
	})
	c.failPending()
}

func (c *Conn) dispatch(resp *response) {
	if resp.ID == nil {
		// Server notification; this client has no use for them.
		c.log.Debug("ignoring server notification", "method", resp.Method)
		return
	}
	if resp.Method != "" {
		// Server-initiated request. Decline politely so the worker is not
		// left waiting.
		c.writeMethodNotFound(*resp.ID, resp.Method)
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[*resp.ID]
	delete(c.pending, *resp.ID)
	c.mu.Unlock()
	if !ok {
		c.log.Debug("dropping response with unknown id", "id", *resp.ID)
		return
	}
	ch <- resp
}

func (c *Conn) writeMethodNotFound(id int64, method string) {
	reply, err := json.Marshal(map[string]any{
		"jsonrpc": jsonrpcVersion,
		"id":      id,
		"error": map[string]any{
			"code":    -32601,
			"message": fmt.Sprintf("method %q not supported", method),
		},
	})
	if err != nil {
		return
	}
	reply = append(reply, '\n')
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, _ = c.w.Write(reply)
}

func (c *Conn) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}
