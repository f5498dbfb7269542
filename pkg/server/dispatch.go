package server

import (
	"context"
	"encoding/json"
	"errors"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/relaykit/relay/pkg/protocol"
)

// Capabilities exposes connection-level operations to route handlers.
type Capabilities struct {
	// Conn is the calling connection.
	Conn *Conn

	server *Server
}

// Token returns the caller's identity token, empty when anonymous.
func (c *Capabilities) Token() string {
	return c.Conn.Token()
}

// Emit sends an event to the calling connection.
func (c *Capabilities) Emit(event string, payload any) error {
	return c.Conn.Emit(event, payload)
}

// Broadcast sends an event to every member of a room.
func (c *Capabilities) Broadcast(room, event string, payload any) {
	c.server.registry.Broadcast(room, event, payload)
}

// WithSessionLock runs op under the caller's per-token mutation lock.
// Returns ErrNotAuthenticated for anonymous connections.
func (c *Capabilities) WithSessionLock(ctx context.Context, op func(ctx context.Context) error) error {
	token := c.Token()
	if token == "" {
		return ErrNotAuthenticated
	}
	return c.server.locks.WithLock(ctx, token, op)
}

// handleAPIRequest runs the unary pipeline for one inbound envelope:
// validate, resolve, shape-check, authorize, rate-limit, execute, shape the
// reply. Exactly one reply is emitted per request on all paths; envelopes
// without a correlation index are dropped instead of answered.
func (s *Server) handleAPIRequest(ctx context.Context, conn *Conn, raw json.RawMessage) {
	req := protocol.DecodeRequest(raw)

	if verr := req.Validate(); verr != nil {
		if !req.HasIndex() {
			s.logger.Debug("dropping malformed request without index", "conn_id", conn.ID)
			return
		}
		s.replyError(conn, *req.ResponseIndex, "", verr)
		return
	}

	index := *req.ResponseIndex
	start := time.Now()

	ctx, span := s.tracer.Start(ctx, "relay.api "+req.Name)
	span.SetAttributes(attribute.String("relay.route", req.Name))
	defer span.End()

	// The logout route needs direct connection access and bypasses shape
	// validation, auth, rate limiting and handler lookup.
	if req.Name == protocol.RouteLogout {
		s.handleLogout(ctx, conn, index)
		s.metrics.observeRequest(req.Name, string(protocol.StatusSuccess), time.Since(start))
		return
	}

	// Resolve against one registry generation for the whole request.
	route, found := s.routes.Current().Lookup(req.Name)
	if !found {
		perr := protocol.NewError(protocol.CodeNotFound)
		span.SetStatus(codes.Error, string(perr.Code))
		s.replyError(conn, index, "", perr)
		s.metrics.observeRequest(req.Name, string(perr.Code), time.Since(start))
		return
	}

	session, perr := s.runPipeline(ctx, conn, req.Name, req.Data, route.Input, route.Auth, route.RateLimit)
	if perr != nil {
		span.SetStatus(codes.Error, string(perr.Code))
		s.replyError(conn, index, sessionLocale(session), perr)
		s.metrics.observeRequest(req.Name, string(perr.Code), time.Since(start))
		return
	}

	result, herr := s.execute(ctx, req.Name, conn, func(ctx context.Context) (any, error) {
		return route.Handler(ctx, &HandlerRequest{
			Data: req.Data,
			User: session,
			Caps: &Capabilities{Conn: conn, server: s},
		})
	})
	if herr != nil {
		span.SetStatus(codes.Error, string(herr.Code))
		s.replyError(conn, index, sessionLocale(session), herr)
		s.metrics.observeRequest(req.Name, string(herr.Code), time.Since(start))
		return
	}

	resp, serr := s.shapeResult(result, sessionLocale(session))
	if serr != nil {
		span.SetStatus(codes.Error, string(serr.Code))
		s.replyError(conn, index, sessionLocale(session), serr)
		s.metrics.observeRequest(req.Name, string(serr.Code), time.Since(start))
		return
	}

	s.reply(conn, index, resp)
	s.metrics.observeRequest(req.Name, string(protocol.StatusSuccess), time.Since(start))
}

// runPipeline executes the pre-execution stages shared by unary calls and
// the centralized phase of sync calls: input shape validation, auth, and
// rate limiting. It returns the caller's session (nil for anonymous) or the
// first failure.
func (s *Server) runPipeline(ctx context.Context, conn *Conn, name string, data json.RawMessage, input any, auth *AuthRequirement, rateLimit *RateLimit) (*Session, *protocol.Error) {
	// Input shape validation against the declared descriptor.
	if input != nil && s.shapes != nil {
		if fieldPath, ok := s.shapes.Validate(input, data); !ok {
			return nil, protocol.NewErrorWithParams(protocol.CodeInvalidInputType,
				map[string]any{"field": fieldPath})
		}
	}

	// Load the session once for auth and the handler.
	var session *Session
	if token := conn.Token(); token != "" {
		loaded, err := s.store.Get(ctx, token)
		if err != nil && !errors.Is(err, ErrSessionNotFound) {
			s.report(err, map[string]any{"route": name, "op": "session_load"})
			return nil, protocol.NewError(protocol.CodeInternalServerError)
		}
		session = loaded
	}

	if aerr := auth.Evaluate(session); aerr != nil {
		return session, aerr
	}

	if s.config.RateLimitEnabled {
		limit := s.config.DefaultRateLimit
		if rateLimit != nil {
			limit = *rateLimit
		}
		key := conn.Token()
		if key == "" {
			key = conn.IP
		}
		allowed, resetIn := s.limiter.Allow(key+"|"+name, limit.Limit, limit.Window)
		if !allowed {
			s.metrics.rateLimited(name)
			seconds := int64(resetIn/time.Second) + 1
			return session, protocol.NewErrorWithParams(protocol.CodeRateLimitExceeded,
				map[string]any{"resetIn": seconds})
		}
	}

	return session, nil
}

// execute invokes a handler with panic and error capture. Failures are
// reported with route and identity context and surface to the caller as a
// generic internalServerError, except *protocol.Error values which carry
// their own code.
func (s *Server) execute(ctx context.Context, route string, conn *Conn, fn func(ctx context.Context) (any, error)) (result any, perr *protocol.Error) {
	defer func() {
		if r := recover(); r != nil {
			panicErr := &HandlerPanicError{
				Route: route,
				Token: conn.Token(),
				Panic: r,
				Stack: debug.Stack(),
			}
			s.logger.Error("handler panic", "route", route, "panic", r)
			s.report(panicErr, map[string]any{"route": route, "token": conn.Token()})
			result = nil
			perr = protocol.NewError(protocol.CodeInternalServerError)
		}
	}()

	result, err := fn(ctx)
	if err != nil {
		var typed *protocol.Error
		if errors.As(err, &typed) {
			return nil, typed
		}
		s.report(err, map[string]any{"route": route, "token": conn.Token()})
		return nil, protocol.NewError(protocol.CodeInternalServerError)
	}
	return result, nil
}

// shapeResult converts a handler result to a reply payload. A result already
// carrying a recognized status discriminator passes through; a bare truthy
// result is wrapped as success; nil becomes emptyResponse and anything else
// invalidResponseStatus. No handler detail ever leaks on the error path.
func (s *Server) shapeResult(result any, locale string) (protocol.Response, *protocol.Error) {
	switch v := result.(type) {
	case nil:
		return nil, protocol.NewError(protocol.CodeEmptyResponse)

	case protocol.Response:
		return s.shapeDiscriminated(map[string]any(v), locale)

	case map[string]any:
		return s.shapeDiscriminated(v, locale)

	case bool:
		if !v {
			return nil, protocol.NewError(protocol.CodeInvalidResponseStatus)
		}
		return protocol.Success(nil), nil

	case string:
		if v == "" {
			return nil, protocol.NewError(protocol.CodeInvalidResponseStatus)
		}
		return protocol.Success(map[string]any{"data": v}), nil

	default:
		return protocol.Success(map[string]any{"data": v}), nil
	}
}

func (s *Server) shapeDiscriminated(fields map[string]any, locale string) (protocol.Response, *protocol.Error) {
	status, ok := fields[protocol.FieldStatus]
	if !ok {
		return protocol.Success(fields), nil
	}

	switch status {
	case string(protocol.StatusSuccess):
		return protocol.Success(fields), nil

	case string(protocol.StatusError):
		code, _ := fields[protocol.FieldErrorCode].(string)
		if code == "" {
			return nil, protocol.NewError(protocol.CodeInvalidResponseStatus)
		}
		params, _ := fields[protocol.FieldErrorParams].(map[string]any)
		return protocol.Failure(protocol.Code(code), params, s.renderMessage(protocol.Code(code), params, locale)), nil

	default:
		return nil, protocol.NewError(protocol.CodeInvalidResponseStatus)
	}
}

// handleLogout force-disconnects the caller and clears its identity, then
// emits the single success reply before the transport goes down.
func (s *Server) handleLogout(ctx context.Context, conn *Conn, index int64) {
	token := conn.Token()

	s.reply(conn, index, protocol.Success(nil))

	if token != "" {
		err := s.locks.WithLock(ctx, token, func(ctx context.Context) error {
			return s.store.Delete(ctx, token)
		})
		if err != nil {
			s.report(err, map[string]any{"route": protocol.RouteLogout, "token": token})
		}
		conn.Emit(protocol.EventForceLogout, nil)
	}

	conn.clearToken()

	// Close once the reply and forceLogout flush through the write pump.
	conn.CloseAfterFlush()
}

// reply emits the single unary response for a correlation index.
func (s *Server) reply(conn *Conn, index int64, resp protocol.Response) {
	if err := conn.Emit(protocol.ResponseEvent(index), resp); err != nil {
		s.logger.Debug("reply delivery failed",
			"conn_id", conn.ID,
			"index", index,
			"error", err)
	}
}

// replyError emits an error reply with a localized message.
func (s *Server) replyError(conn *Conn, index int64, locale string, perr *protocol.Error) {
	s.reply(conn, index, protocol.Failure(perr.Code, perr.Params, s.renderMessage(perr.Code, perr.Params, locale)))
}

// renderMessage resolves a localized message with the guaranteed fallback
// chain: requested locale, default locale, then the raw code.
func (s *Server) renderMessage(code protocol.Code, params map[string]any, locale string) string {
	if s.localizer == nil {
		return string(code)
	}
	if locale != "" {
		if msg, err := s.localizer.Resolve(string(code), params, locale); err == nil {
			return msg
		}
	}
	if msg, err := s.localizer.Resolve(string(code), params, s.config.DefaultLocale); err == nil {
		return msg
	}
	return string(code)
}

// report forwards an error to the reporting sink when one is configured.
func (s *Server) report(err error, context map[string]any) {
	if s.reporter != nil {
		s.reporter.Capture(err, context)
	}
}

func sessionLocale(session *Session) string {
	if session == nil {
		return ""
	}
	return session.Language
}

