// Package client is the Go companion for the realtime server: it correlates
// unary calls with their replies, supersedes stale idempotent writes, and
// queues calls issued while the transport is down, replaying them in order
// on reconnect.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrSuperseded is delivered to a call replaced by a newer write with the
	// same idempotency key before it could complete.
	ErrSuperseded = errors.New("client: call superseded by a newer write")

	// ErrClosed is delivered to pending calls when the client is closed.
	ErrClosed = errors.New("client: closed")
)

// APIError is a server-side failure reply.
type APIError struct {
	Code       string
	Message    string
	Params     map[string]any
	HTTPStatus int
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("client: %s: %s", e.Code, e.Message)
	}
	return "client: " + e.Code
}

// Options configures a Client.
type Options struct {
	// Header is sent with the upgrade request (cookies, credentials).
	Header http.Header

	// Dialer overrides websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Logger is the structured logger root. Nil uses slog.Default.
	Logger *slog.Logger
}

// Client is a connection to the realtime server. Calls made while
// disconnected are queued and replayed after Connect succeeds.
type Client struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger *slog.Logger

	corr  *correlator
	queue *offlineQueue

	mu        sync.Mutex
	ws        *websocket.Conn
	connected bool
	closed    bool

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string][]func(map[string]any)

	inflightMu sync.Mutex
	inflight   map[string]int64
}

// New creates a client for a ws:// or wss:// URL. It does not connect.
func New(url string, opts Options) *Client {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:      url,
		header:   opts.Header,
		dialer:   dialer,
		logger:   logger.With("component", "relay_client"),
		corr:     newCorrelator(),
		queue:    &offlineQueue{},
		handlers: make(map[string][]func(map[string]any)),
		inflight: make(map[string]int64),
	}
}

// Connect dials the server, starts the read loop, and replays any calls
// queued while disconnected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ws, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("client: dial: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("client: dial: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(ws)
	go c.drain()
	return nil
}

// Close tears down the transport and fails every pending call with
// ErrClosed. Queued offline calls are failed too.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.connected = false
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	for _, fn := range c.corr.failAll() {
		fn(nil, ErrClosed)
	}
	for _, call := range c.queue.beginDrain() {
		call.deliver(nil, ErrClosed)
	}
	c.queue.endDrain()
	return nil
}

// On registers a handler for a server-pushed event ("sync", "forceLogout",
// "userAfk", ...). Handlers run on the read loop; they must not block.
func (c *Client) On(event string, handler func(payload map[string]any)) {
	c.handlersMu.Lock()
	c.handlers[event] = append(c.handlers[event], handler)
	c.handlersMu.Unlock()
}

// Call issues a unary request and waits for its reply. While disconnected
// the call is queued and replayed on reconnect, still in submission order.
func (c *Client) Call(ctx context.Context, name string, data any) (map[string]any, error) {
	return c.call(ctx, name, data, "")
}

// CallIdempotent issues a unary request carrying an idempotency key: a newer
// call with the same key supersedes an earlier one that has not completed,
// whether it is queued offline or already in flight. The superseded caller
// gets ErrSuperseded.
func (c *Client) CallIdempotent(ctx context.Context, name string, data any, key string) (map[string]any, error) {
	if key == "" {
		return nil, errors.New("client: idempotency key is empty")
	}
	return c.call(ctx, name, data, key)
}

func (c *Client) call(ctx context.Context, name string, data any, key string) (map[string]any, error) {
	payload, err := encodeData(data)
	if err != nil {
		return nil, err
	}

	type result struct {
		payload map[string]any
		err     error
	}
	ch := make(chan result, 1)
	deliver := func(payload map[string]any, err error) {
		ch <- result{payload, err}
	}

	c.mu.Lock()
	closed, connected := c.closed, c.connected
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	if !connected {
		if superseded := c.queue.push(&queuedCall{
			dedupeKey: key,
			name:      name,
			data:      payload,
			deliver:   deliver,
		}); superseded != nil {
			superseded(nil, ErrSuperseded)
		}
	} else {
		c.send(name, payload, key, deliver)
	}

	select {
	case res := <-ch:
		return res.payload, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// send registers the correlation waiter and writes the envelope. With an
// idempotency key, the previous in-flight call for that key is aborted
// first.
func (c *Client) send(name string, data json.RawMessage, key string, deliver func(map[string]any, error)) {
	index := c.corr.reserve()

	done := deliver
	if key != "" {
		// Drop the in-flight entry when this call settles, unless a newer
		// call already owns the key.
		done = func(payload map[string]any, err error) {
			c.inflightMu.Lock()
			if c.inflight[key] == index {
				delete(c.inflight, key)
			}
			c.inflightMu.Unlock()
			deliver(payload, err)
		}

		c.inflightMu.Lock()
		prev, had := c.inflight[key]
		c.inflight[key] = index
		c.inflightMu.Unlock()
		if had {
			if fn := c.corr.take(prev); fn != nil {
				fn(nil, ErrSuperseded)
			}
		}
	}
	c.corr.arm(index, done)

	err := c.writeJSON(map[string]any{
		"event":         "apiRequest",
		"name":          name,
		"data":          data,
		"responseIndex": index,
	})
	if err != nil {
		if fn := c.corr.take(index); fn != nil {
			fn(nil, fmt.Errorf("client: send: %w", err))
		}
	}
}

// Sync issues a broadcast call and waits for the terminal acknowledgement.
// Deliveries arrive through the "sync" event handler.
func (c *Client) Sync(ctx context.Context, name, receiver string, data any, ignoreSelf bool) error {
	payload, err := encodeData(data)
	if err != nil {
		return err
	}

	ch := make(chan error, 1)
	index := c.corr.register(func(reply map[string]any, err error) {
		ch <- err
	})

	err = c.writeJSON(map[string]any{
		"event":         "sync",
		"name":          name,
		"data":          payload,
		"cb":            uuid.NewString(),
		"receiver":      receiver,
		"responseIndex": index,
		"ignoreSelf":    ignoreSelf,
	})
	if err != nil {
		c.corr.take(index)
		return fmt.Errorf("client: send: %w", err)
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) writeJSON(v any) error {
	c.mu.Lock()
	ws := c.ws
	connected := c.connected
	c.mu.Unlock()
	if !connected || ws == nil {
		return errors.New("client: not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteJSON(v)
}

// drain replays queued calls after a reconnect. The queue guard guarantees a
// single drain even when reconnects race; calls that cannot be sent are
// requeued at the front.
func (c *Client) drain() {
	calls := c.queue.beginDrain()
	if calls == nil {
		return
	}
	defer c.queue.endDrain()

	for i, call := range calls {
		c.mu.Lock()
		connected := c.connected
		c.mu.Unlock()
		if !connected {
			c.queue.requeueFront(calls[i:])
			return
		}
		c.send(call.name, call.data, call.dedupeKey, call.deliver)
	}
}

func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			c.handleDisconnect(ws, err)
			return
		}

		var decoded map[string]any
		if err := json.Unmarshal(msg, &decoded); err != nil {
			c.logger.Debug("dropping undecodable message")
			continue
		}
		event, _ := decoded["event"].(string)
		if event == "" {
			continue
		}

		if index, ok := replyIndex(event); ok {
			if fn := c.corr.take(index); fn != nil {
				fn(splitReply(decoded))
			}
			continue
		}

		c.handlersMu.RLock()
		handlers := c.handlers[event]
		c.handlersMu.RUnlock()
		for _, handler := range handlers {
			handler(decoded)
		}
	}
}

func (c *Client) handleDisconnect(ws *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.ws == ws {
		c.connected = false
		c.ws = nil
	}
	c.mu.Unlock()

	err := fmt.Errorf("client: connection lost: %w", cause)
	for _, fn := range c.corr.failAll() {
		fn(nil, err)
	}
}

// replyIndex recognizes correlated reply events: "apiResponse-<n>" for unary
// calls and "sync-<n>" for broadcast acknowledgements.
func replyIndex(event string) (int64, bool) {
	for _, prefix := range []string{"apiResponse-", "sync-"} {
		if rest, ok := strings.CutPrefix(event, prefix); ok {
			index, err := strconv.ParseInt(rest, 10, 64)
			if err != nil {
				return 0, false
			}
			return index, true
		}
	}
	return 0, false
}

// splitReply converts a reply payload into (result, error) following the
// status discriminator.
func splitReply(reply map[string]any) (map[string]any, error) {
	status, _ := reply["status"].(string)
	if status != "error" {
		return reply, nil
	}
	apiErr := &APIError{}
	apiErr.Code, _ = reply["errorCode"].(string)
	apiErr.Message, _ = reply["message"].(string)
	apiErr.Params, _ = reply["errorParams"].(map[string]any)
	if hs, ok := reply["httpStatus"].(float64); ok {
		apiErr.HTTPStatus = int(hs)
	}
	return nil, apiErr
}

// encodeData marshals call data, which must encode to a JSON object.
func encodeData(data any) (json.RawMessage, error) {
	if data == nil {
		return json.RawMessage(`{}`), nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("client: encode data: %w", err)
	}
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "{") {
		return nil, errors.New("client: call data must be an object")
	}
	return raw, nil
}
