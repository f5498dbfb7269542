package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaykit/relay/pkg/protocol"
)

// Options wires the server's collaborators. Store is required; everything
// else has a working default.
type Options struct {
	// Config tunes transport, grace windows and rate limiting. Nil uses
	// DefaultConfig; unset fields are filled from it.
	Config *Config

	// Store is the persisted-session backing store.
	Store SessionStore

	// Routes is the initial route table generation. It can be swapped later
	// through Server.Routes().
	Routes *Registry

	// RateLimiter overrides the built-in process-local fixed-window limiter.
	RateLimiter RateLimiter

	// Shapes validates declared input descriptors; nil skips shape checks.
	Shapes ShapeValidator

	// Reporter receives handler panics and infrastructure errors.
	Reporter Reporter

	// Localizer renders error codes into human messages.
	Localizer Localizer

	// Logger is the structured logger root. Nil uses slog.Default.
	Logger *slog.Logger

	// Metrics is the Prometheus registerer to attach instruments to.
	// Nil disables metrics entirely, which keeps tests registry-free.
	Metrics prometheus.Registerer
}

// Server is the realtime endpoint: it upgrades HTTP requests to WebSocket
// connections, resolves identity at handshake time, and dispatches unary and
// broadcast calls plus the built-in presence operations.
type Server struct {
	config    *Config
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	registry  *ConnRegistry
	routes    *RegistryHolder
	store     SessionStore
	locks     *KeyLock
	lifecycle *Lifecycle
	limiter   RateLimiter
	shapes    ShapeValidator
	reporter  Reporter
	localizer Localizer
	metrics   *serverMetrics
	tracer    trace.Tracer

	closed atomic.Bool
	wg     sync.WaitGroup
}

// New creates a Server from opts.
func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("server: session store is required")
	}

	config := opts.Config.withDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	limiter := opts.RateLimiter
	if limiter == nil {
		limiter = NewFixedWindowLimiter()
	}

	s := &Server{
		config: config,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		registry:  NewConnRegistry(logger),
		routes:    NewRegistryHolder(opts.Routes),
		store:     opts.Store,
		locks:     NewKeyLock(),
		limiter:   limiter,
		shapes:    opts.Shapes,
		reporter:  opts.Reporter,
		localizer: opts.Localizer,
		tracer:    otel.Tracer("github.com/relaykit/relay/pkg/server"),
	}
	s.lifecycle = NewLifecycle(s.registry, s.store, s.locks, config, opts.Reporter, logger)

	if opts.Metrics != nil {
		s.metrics = newServerMetrics(opts.Metrics, func() float64 {
			return float64(s.lifecycle.PendingCount())
		})
	}

	return s, nil
}

// Routes returns the swappable route table holder.
func (s *Server) Routes() *RegistryHolder {
	return s.routes
}

// ServeHTTP upgrades the request and runs the connection until the
// transport closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	token := s.resolveIdentity(r)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newConn(ws, clientIP(r), s.config, s.logger)
	if token != "" {
		conn.setToken(token)
	}

	s.registry.Add(conn)
	s.metrics.connOpened()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		conn.WritePump()
	}()

	ctx := context.Background()
	if token != "" {
		// The token's private channel and the persisted room set are restored
		// before the presence transition so a reconnect within the grace
		// window resumes with full membership.
		s.registry.Join(conn, token)
		s.rejoinRooms(ctx, conn, token)
		s.lifecycle.Connect(ctx, token)
	}

	s.logger.Info("connection open",
		"conn_id", conn.ID,
		"authenticated", token != "")

	s.wg.Add(1)
	defer s.wg.Done()
	s.readLoop(ctx, conn)
}

// resolveIdentity extracts the identity token from the upgrade request
// according to the configured source. An absent token means anonymous; it is
// never an error.
func (s *Server) resolveIdentity(r *http.Request) string {
	switch s.config.IdentitySource {
	case IdentityCookie:
		cookie, err := r.Cookie(s.config.CookieName)
		if err != nil {
			return ""
		}
		return cookie.Value
	case IdentityCredential:
		return r.URL.Query().Get(s.config.CredentialParam)
	default:
		return ""
	}
}

// rejoinRooms restores transport-level membership from the persisted room
// set, if a session exists for the token.
func (s *Server) rejoinRooms(ctx context.Context, conn *Conn, token string) {
	session, err := s.store.Get(ctx, token)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			s.logger.Error("session load on handshake failed", "error", err)
			s.report(err, map[string]any{"op": "handshake_session_load"})
		}
		return
	}
	for _, room := range session.Rooms {
		s.registry.Join(conn, room)
	}
}

// readLoop consumes inbound frames until the transport fails, then runs the
// disconnect transition with the classified reason.
func (s *Server) readLoop(ctx context.Context, conn *Conn) {
	var reason string
	defer func() {
		s.teardown(conn, reason)
	}()

	ws := conn.ws
	ws.SetReadLimit(s.config.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	})

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			reason = s.classifyDisconnect(conn, err)
			return
		}

		if !conn.allowInbound() {
			s.logger.Warn("inbound flood guard tripped", "conn_id", conn.ID)
			continue
		}

		env, err := protocol.DecodeEnvelope(msg)
		if err != nil {
			s.logger.Debug("dropping non-envelope message", "conn_id", conn.ID)
			continue
		}

		s.dispatchEnvelope(ctx, conn, env)
	}
}

// dispatchEnvelope routes one decoded envelope to its handler. Unknown
// events are dropped, never answered.
func (s *Server) dispatchEnvelope(ctx context.Context, conn *Conn, env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventAPIRequest:
		s.handleAPIRequest(ctx, conn, env.Raw())
	case protocol.EventSync:
		s.handleSync(ctx, conn, env.Raw())
	case protocol.EventJoinRoom:
		s.handleJoinRoom(ctx, conn, env.Raw())
	case protocol.EventLeaveRoom:
		s.handleLeaveRoom(ctx, conn, env.Raw())
	case protocol.EventGetJoinedRooms:
		s.handleGetJoinedRooms(ctx, conn, env.Raw())
	case protocol.EventUpdateLocation:
		s.handleUpdateLocation(ctx, conn, env.Raw())
	case protocol.EventIntentionalDisconnect:
		sig := protocol.DecodeIntentionalDisconnect(env.Raw())
		s.lifecycle.IntentionalDisconnect(ctx, conn, sig.EstimatedReturn)
	default:
		s.logger.Debug("unknown event", "conn_id", conn.ID, "event", env.Event)
	}
}

// classifyDisconnect maps a read error to a lifecycle reason. Shutdown and
// the deliberate tab-switch signal are checked before transport-level
// classification since both also surface as read errors.
func (s *Server) classifyDisconnect(conn *Conn, err error) string {
	if s.closed.Load() {
		return ReasonServerShutdown
	}
	if conn.isIntentional() {
		return ReasonIntentional
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonPingTimeout
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) {
		return ReasonTransportClose
	}
	return ReasonTransportError
}

// teardown unwinds one connection: transport close, registry removal, then
// the lifecycle transition. The handshake-time identity is used so a logout,
// which clears the live token, still decrements the presence count that
// Connect incremented.
func (s *Server) teardown(conn *Conn, reason string) {
	if reason == "" {
		reason = ReasonTransportClose
	}
	token := conn.Identity()

	conn.Close()
	s.registry.Remove(conn)
	s.metrics.connClosed(reason)
	s.lifecycle.Disconnect(token, reason)

	s.logger.Info("connection closed",
		"conn_id", conn.ID,
		"reason", reason)
}

// handleJoinRoom adds the caller to a room: persisted membership first,
// under the token's mutation lock, then transport membership. Anonymous
// connections get transport-level membership only.
func (s *Server) handleJoinRoom(ctx context.Context, conn *Conn, raw []byte) {
	req := protocol.DecodeRoomRequest(raw)

	if req.Room == "" || req.Room == protocol.RoomAll {
		s.ackRoom(conn, protocol.EventJoinRoom, req.ResponseIndex, "",
			protocol.NewError(protocol.CodeInvalidRequest))
		return
	}

	if token := conn.Token(); token != "" {
		err := s.locks.WithLock(ctx, token, func(ctx context.Context) error {
			session, err := s.store.Get(ctx, token)
			if err != nil {
				if errors.Is(err, ErrSessionNotFound) {
					return nil
				}
				return err
			}
			if session.HasRoom(req.Room) {
				return nil
			}
			session.AddRoom(req.Room)
			return s.store.SetRooms(ctx, token, session.Rooms, s.config.SessionTTL)
		})
		if err != nil {
			s.report(err, map[string]any{"op": "join_room", "room": req.Room})
			s.ackRoom(conn, protocol.EventJoinRoom, req.ResponseIndex, "",
				protocol.NewError(protocol.CodeInternalServerError))
			return
		}
	}

	s.registry.Join(conn, req.Room)
	s.ackRoom(conn, protocol.EventJoinRoom, req.ResponseIndex, req.Room, nil)
}

// handleLeaveRoom is the inverse of handleJoinRoom.
func (s *Server) handleLeaveRoom(ctx context.Context, conn *Conn, raw []byte) {
	req := protocol.DecodeRoomRequest(raw)

	if req.Room == "" || req.Room == protocol.RoomAll {
		s.ackRoom(conn, protocol.EventLeaveRoom, req.ResponseIndex, "",
			protocol.NewError(protocol.CodeInvalidRequest))
		return
	}

	if token := conn.Token(); token != "" {
		err := s.locks.WithLock(ctx, token, func(ctx context.Context) error {
			session, err := s.store.Get(ctx, token)
			if err != nil {
				if errors.Is(err, ErrSessionNotFound) {
					return nil
				}
				return err
			}
			if !session.HasRoom(req.Room) {
				return nil
			}
			session.RemoveRoom(req.Room)
			return s.store.SetRooms(ctx, token, session.Rooms, s.config.SessionTTL)
		})
		if err != nil {
			s.report(err, map[string]any{"op": "leave_room", "room": req.Room})
			s.ackRoom(conn, protocol.EventLeaveRoom, req.ResponseIndex, "",
				protocol.NewError(protocol.CodeInternalServerError))
			return
		}
	}

	s.registry.Leave(conn, req.Room)
	s.ackRoom(conn, protocol.EventLeaveRoom, req.ResponseIndex, req.Room, nil)
}

// handleGetJoinedRooms answers with the persisted room set for authenticated
// callers, or the transport-level set for anonymous ones.
func (s *Server) handleGetJoinedRooms(ctx context.Context, conn *Conn, raw []byte) {
	req := protocol.DecodeRoomRequest(raw)
	if req.ResponseIndex == nil {
		return
	}

	var rooms []string
	if token := conn.Token(); token != "" {
		session, err := s.store.Get(ctx, token)
		if err != nil {
			if !errors.Is(err, ErrSessionNotFound) {
				s.report(err, map[string]any{"op": "get_joined_rooms"})
				s.ack(conn, protocol.EventGetJoinedRooms, *req.ResponseIndex,
					protocol.Failure(protocol.CodeInternalServerError, nil,
						s.renderMessage(protocol.CodeInternalServerError, nil, "")))
				return
			}
			rooms = []string{}
		} else {
			rooms = session.Rooms
		}
	} else {
		rooms = s.registry.Rooms(conn)
	}

	if rooms == nil {
		rooms = []string{}
	}
	s.ack(conn, protocol.EventGetJoinedRooms, *req.ResponseIndex,
		protocol.Success(map[string]any{"rooms": rooms}))
}

// handleUpdateLocation is fire-and-forget: mutate the persisted location
// under the token lock, no acknowledgement either way.
func (s *Server) handleUpdateLocation(ctx context.Context, conn *Conn, raw []byte) {
	upd := protocol.DecodeLocationUpdate(raw)
	token := conn.Token()
	if token == "" || upd.Location == "" {
		return
	}

	err := s.locks.WithLock(ctx, token, func(ctx context.Context) error {
		session, err := s.store.Get(ctx, token)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				return nil
			}
			return err
		}
		if session.Location == upd.Location {
			return nil
		}
		session.Location = upd.Location
		return s.store.Set(ctx, token, session, s.config.SessionTTL)
	})
	if err != nil {
		s.report(err, map[string]any{"op": "update_location"})
	}
}

// UpdateSession applies a mutation to a token's session under its lock,
// persists it, and pushes the fresh snapshot to the identity's private
// channel so every one of its connections converges.
func (s *Server) UpdateSession(ctx context.Context, token string, mutate func(*Session)) error {
	if token == "" {
		return ErrNotAuthenticated
	}
	var updated *Session
	err := s.locks.WithLock(ctx, token, func(ctx context.Context) error {
		session, err := s.store.Get(ctx, token)
		if err != nil {
			return err
		}
		mutate(session)
		if err := s.store.Set(ctx, token, session, s.config.SessionTTL); err != nil {
			return err
		}
		updated = session
		return nil
	})
	if err != nil {
		return err
	}
	s.registry.Broadcast(token, protocol.EventUpdateSession,
		map[string]any{"session": updated})
	return nil
}

// ForceLogout terminates a token's session and every one of its connections.
func (s *Server) ForceLogout(ctx context.Context, token string) error {
	if token == "" {
		return ErrNotAuthenticated
	}
	err := s.locks.WithLock(ctx, token, func(ctx context.Context) error {
		return s.store.Delete(ctx, token)
	})
	if err != nil {
		return err
	}
	conns := s.registry.MembersOf(token)
	s.registry.Broadcast(token, protocol.EventForceLogout, nil)
	for _, conn := range conns {
		conn.clearToken()
		conn.CloseAfterFlush()
	}
	return nil
}

// ackRoom emits the acknowledgement for a room membership request, when the
// caller asked for one.
func (s *Server) ackRoom(conn *Conn, event string, index *int64, room string, perr *protocol.Error) {
	if index == nil {
		return
	}
	var resp protocol.Response
	if perr != nil {
		resp = protocol.Failure(perr.Code, perr.Params, s.renderMessage(perr.Code, perr.Params, ""))
	} else {
		resp = protocol.Success(map[string]any{"room": room})
	}
	s.ack(conn, event, *index, resp)
}

func (s *Server) ack(conn *Conn, event string, index int64, resp protocol.Response) {
	if err := conn.Emit(protocol.AckEvent(event, index), resp); err != nil {
		s.logger.Debug("ack delivery failed",
			"conn_id", conn.ID,
			"event", event,
			"error", err)
	}
}

// Stats is a point-in-time operational snapshot.
type Stats struct {
	Connections        int `json:"connections"`
	PendingDisconnects int `json:"pendingDisconnects"`
	BusyTokens         int `json:"busyTokens"`
}

// Stats returns current operational counters.
func (s *Server) Stats() Stats {
	return Stats{
		Connections:        s.registry.Count(),
		PendingDisconnects: s.lifecycle.PendingCount(),
		BusyTokens:         s.locks.Busy(),
	}
}

// Shutdown stops accepting connections and closes every live one with the
// shutdown reason, which is ignore-listed by default so sessions survive a
// deploy. It waits for connection goroutines up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrServerClosed
	}

	for _, conn := range s.registry.MembersOf(protocol.RoomAll) {
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// clientIP resolves the client address, preferring the first hop recorded by
// a fronting proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
