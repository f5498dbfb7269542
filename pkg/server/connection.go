package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Conn is one live transport connection. It is ephemeral: created on
// handshake, destroyed on transport close. The optional identity token links
// it to a persisted Session.
type Conn struct {
	// ID is the unique connection identifier.
	ID string

	// IP is the resolved client address, used as the anonymous rate-limit key.
	IP string

	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	drain  chan struct{}
	closed atomic.Bool

	// token is the resolved identity, empty for anonymous connections.
	// Cleared on logout. identity keeps the handshake-time value so the
	// disconnect transition settles the same identity Connect counted.
	tokenMu  sync.RWMutex
	token    string
	identity string

	// limiter guards against inbound message floods per connection.
	limiter *rate.Limiter

	// intentional marks a close initiated by the tab-switch signal so the
	// disconnect transition picks the extended grace window.
	intentional atomic.Bool

	config *Config
	logger *slog.Logger

	onClose func(*Conn)
}

func newConn(ws *websocket.Conn, ip string, config *Config, logger *slog.Logger) *Conn {
	c := &Conn{
		ID:     uuid.NewString(),
		IP:     ip,
		ws:     ws,
		send:   make(chan []byte, config.SendQueueSize),
		done:   make(chan struct{}),
		drain:  make(chan struct{}, 1),
		config: config,
	}
	if config.InboundRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(config.InboundRate), config.InboundBurst)
	}
	c.logger = logger.With("conn_id", c.ID)
	return c
}

// Token returns the resolved identity token, empty when anonymous.
func (c *Conn) Token() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

// Authenticated reports whether an identity was resolved for this connection.
func (c *Conn) Authenticated() bool {
	return c.Token() != ""
}

// Identity returns the token resolved at handshake. Unlike Token it
// survives logout.
func (c *Conn) Identity() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.identity
}

func (c *Conn) setToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	if c.identity == "" {
		c.identity = token
	}
	c.tokenMu.Unlock()
}

func (c *Conn) clearToken() {
	c.setToken("")
}

// allowInbound reports whether the flood guard admits one more inbound
// message on this connection.
func (c *Conn) allowInbound() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

// Emit sends an event with a payload to this connection. The payload's
// fields are merged at the top level next to the event discriminator. The
// message is queued on the outbound channel; ErrSendQueueFull is returned
// when the queue is saturated rather than blocking the dispatch path.
func (c *Conn) Emit(event string, payload any) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	msg, err := encodeEvent(event, payload)
	if err != nil {
		return &ConnError{ConnID: c.ID, Op: "emit", Err: err}
	}
	return c.enqueue(msg)
}

func (c *Conn) enqueue(msg []byte) error {
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendQueueFull
	}
}

// WritePump is the single writer for the connection. It drains the outbound
// queue and sends periodic pings. gorilla/websocket permits one concurrent
// writer, so every outbound frame goes through here.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("write error", "error", err)
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.drain:
			// Write what was queued before the drain request, then close.
			for {
				select {
				case msg := <-c.send:
					c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
					if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
						c.Close()
						return
					}
				default:
					c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
					c.ws.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					c.Close()
					return
				}
			}

		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Close terminates the connection. Safe to call more than once.
func (c *Conn) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.done)
	if c.onClose != nil {
		c.onClose(c)
	}
}

// CloseAfterFlush asks the write pump to close the transport once every
// message queued so far has been written. Safe to call more than once.
func (c *Conn) CloseAfterFlush() {
	if c.closed.Load() {
		return
	}
	select {
	case c.drain <- struct{}{}:
	default:
	}
}

func (c *Conn) markIntentional() {
	c.intentional.Store(true)
}

func (c *Conn) isIntentional() bool {
	return c.intentional.Load()
}

// Done returns a channel closed when the connection terminates.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// encodeEvent builds a wire message: the payload's top-level fields plus the
// event discriminator.
func encodeEvent(event string, payload any) ([]byte, error) {
	fields := map[string]any{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		// Non-object payloads land under "data".
		if err := json.Unmarshal(raw, &fields); err != nil {
			fields = map[string]any{"data": json.RawMessage(raw)}
		}
	}
	fields["event"] = event
	return json.Marshal(fields)
}
