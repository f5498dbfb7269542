package server

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaykit/relay/pkg/protocol"
)

// handleSync runs a broadcast call: an optional centralized phase whose
// output is shared by every recipient, then an isolated per-recipient
// fan-out. The caller receives exactly one terminal acknowledgement,
// reporting overall success or the phase-1 failure; recipient failures
// never surface to the caller and never abort delivery to siblings.
func (s *Server) handleSync(ctx context.Context, conn *Conn, raw json.RawMessage) {
	req := protocol.DecodeSyncRequest(raw)

	if verr := req.Validate(); verr != nil {
		if req.HasIndex() {
			s.ackSync(conn, *req.ResponseIndex, "", verr)
		} else {
			s.logger.Debug("dropping malformed sync without index", "conn_id", conn.ID)
		}
		return
	}

	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "relay.sync "+req.Name)
	span.SetAttributes(
		attribute.String("relay.route", req.Name),
		attribute.String("relay.room", req.Receiver),
	)
	defer span.End()

	route, found := s.routes.Current().LookupSync(req.Name)
	if !found {
		s.failSync(conn, req, span, protocol.NewError(protocol.CodeNotFound), "")
		return
	}

	// Phase 1: centralized computation, at most once. It runs through the
	// same shape/auth/rate-limit pipeline as a unary call; its failure
	// aborts the entire call before any recipient handler runs.
	var (
		serverOutput any
		callerLocale string
	)
	if route.Server != nil {
		session, perr := s.runPipeline(ctx, conn, req.Name, req.Data, route.Input, route.Auth, route.RateLimit)
		callerLocale = sessionLocale(session)
		if perr != nil {
			s.failSync(conn, req, span, perr, callerLocale)
			return
		}

		result, herr := s.execute(ctx, req.Name, conn, func(ctx context.Context) (any, error) {
			return route.Server(ctx, &HandlerRequest{
				Data: req.Data,
				User: session,
				Caps: &Capabilities{Conn: conn, server: s},
			})
		})
		if herr != nil {
			s.failSync(conn, req, span, herr, callerLocale)
			return
		}

		shared, serr := shapeSyncCentral(result)
		if serr != nil {
			s.failSync(conn, req, span, serr, callerLocale)
			return
		}
		serverOutput = shared
	}

	// Enumerate recipients, honoring self-exclusion by identity token: a
	// caller with several connections under one token is excluded from all
	// of them.
	members := s.registry.MembersOf(req.Receiver)
	callerToken := conn.Token()
	recipients := members[:0:0]
	for _, member := range members {
		if req.IgnoreSelf && callerToken != "" && member.Token() == callerToken {
			continue
		}
		recipients = append(recipients, member)
	}

	if len(recipients) == 0 {
		s.failSync(conn, req, span, protocol.NewError(protocol.CodeNoReceiversFound), callerLocale)
		return
	}

	// The terminal acknowledgement depends only on phase 1.
	if req.HasIndex() {
		if err := conn.Emit(protocol.SyncAckEvent(*req.ResponseIndex), &protocol.SyncAck{
			Status: protocol.StatusSuccess,
		}); err != nil {
			s.logger.Debug("sync ack delivery failed", "conn_id", conn.ID, "error", err)
		}
	}

	s.fanOut(ctx, req, route, serverOutput, recipients)
	s.metrics.observeSync(req.Name, len(recipients), time.Since(start))
}

// fanOut runs phase 2: per-recipient isolated delivery. Large rooms yield
// cooperatively after every fixed batch of recipients so one broadcast does
// not starve other work.
func (s *Server) fanOut(ctx context.Context, req *protocol.SyncRequest, route *SyncRoute, serverOutput any, recipients []*Conn) {
	fullName := route.Name
	batch := s.config.SyncBatchSize

	for i, member := range recipients {
		if i > 0 && batch > 0 && i%batch == 0 {
			runtime.Gosched()
		}
		s.deliverTo(ctx, req, route, fullName, serverOutput, member)
	}
}

// deliverTo produces one recipient's personalized delivery. Every failure
// path here is isolated: the error variant goes to this member only.
func (s *Server) deliverTo(ctx context.Context, req *protocol.SyncRequest, route *SyncRoute, fullName string, serverOutput any, member *Conn) {
	// Without a per-recipient handler a bare delivered event still goes out,
	// so subscribers relying only on the shared output receive it.
	if route.Client == nil {
		s.emitDelivery(member, &protocol.SyncDelivery{
			CB:           req.CB,
			FullName:     fullName,
			ServerOutput: serverOutput,
			Status:       protocol.StatusSuccess,
		})
		return
	}

	var recipientSession *Session
	if token := member.Token(); token != "" {
		loaded, err := s.store.Get(ctx, token)
		if err != nil && !errors.Is(err, ErrSessionNotFound) {
			s.report(err, map[string]any{"route": req.Name, "op": "recipient_session_load"})
			s.emitDeliveryError(member, req.CB, fullName, protocol.NewError(protocol.CodeInternalServerError), "")
			return
		}
		recipientSession = loaded
	}

	result, herr := s.execute(ctx, req.Name, member, func(ctx context.Context) (any, error) {
		return route.Client(ctx, &RecipientRequest{
			Input:        req.Data,
			SharedOutput: serverOutput,
			Recipient:    recipientSession,
			Room:         req.Receiver,
		})
	})
	if herr != nil {
		s.emitDeliveryError(member, req.CB, fullName, herr, sessionLocale(recipientSession))
		return
	}

	clientOutput, derr := shapeSyncRecipient(result)
	if derr != nil {
		s.emitDeliveryError(member, req.CB, fullName, derr, sessionLocale(recipientSession))
		return
	}

	s.emitDelivery(member, &protocol.SyncDelivery{
		CB:           req.CB,
		FullName:     fullName,
		ServerOutput: serverOutput,
		ClientOutput: clientOutput,
		Status:       protocol.StatusSuccess,
	})
}

func (s *Server) emitDelivery(member *Conn, delivery *protocol.SyncDelivery) {
	if err := member.Emit(protocol.EventSync, delivery); err != nil {
		s.logger.Debug("sync delivery failed",
			"conn_id", member.ID,
			"cb", delivery.CB,
			"error", err)
	}
}

func (s *Server) emitDeliveryError(member *Conn, cb, fullName string, perr *protocol.Error, locale string) {
	s.emitDelivery(member, &protocol.SyncDelivery{
		CB:          cb,
		FullName:    fullName,
		Status:      protocol.StatusError,
		ErrorCode:   perr.Code,
		ErrorParams: perr.Params,
		Message:     s.renderMessage(perr.Code, perr.Params, locale),
	})
}

// failSync emits the error acknowledgement for a sync call, when the caller
// asked for one.
func (s *Server) failSync(conn *Conn, req *protocol.SyncRequest, span trace.Span, perr *protocol.Error, locale string) {
	span.SetStatus(codes.Error, string(perr.Code))
	if req.HasIndex() {
		s.ackSync(conn, *req.ResponseIndex, locale, perr)
	}
}

func (s *Server) ackSync(conn *Conn, index int64, locale string, perr *protocol.Error) {
	ack := &protocol.SyncAck{
		Status:      protocol.StatusError,
		ErrorCode:   perr.Code,
		ErrorParams: perr.Params,
		HTTPStatus:  protocol.HTTPStatus(perr.Code),
		Message:     s.renderMessage(perr.Code, perr.Params, locale),
	}
	if err := conn.Emit(protocol.SyncAckEvent(index), ack); err != nil {
		s.logger.Debug("sync ack delivery failed", "conn_id", conn.ID, "error", err)
	}
}

// shapeSyncCentral validates the centralized handler's result. A result
// with an explicit error status aborts with its code; a non-success,
// non-error discriminator is invalidServerResponse.
func shapeSyncCentral(result any) (any, *protocol.Error) {
	fields, ok := asFieldMap(result)
	if !ok {
		if result == nil {
			return nil, nil
		}
		return result, nil
	}

	status, present := fields[protocol.FieldStatus]
	if !present {
		return fields, nil
	}
	switch status {
	case string(protocol.StatusSuccess):
		return fields, nil
	case string(protocol.StatusError):
		code, _ := fields[protocol.FieldErrorCode].(string)
		if code == "" {
			return nil, protocol.NewError(protocol.CodeInvalidServerResponse)
		}
		params, _ := fields[protocol.FieldErrorParams].(map[string]any)
		return nil, protocol.NewErrorWithParams(protocol.Code(code), params)
	default:
		return nil, protocol.NewError(protocol.CodeInvalidServerResponse)
	}
}

// shapeSyncRecipient validates a per-recipient handler's result. The
// protocol requires an explicit success or error discriminator here; a bare
// value or unknown status is invalidClientResponse, and an explicit error
// without its own code is clientRejected.
func shapeSyncRecipient(result any) (any, *protocol.Error) {
	fields, ok := asFieldMap(result)
	if !ok {
		return nil, protocol.NewError(protocol.CodeInvalidClientResponse)
	}

	status, present := fields[protocol.FieldStatus]
	if !present {
		return nil, protocol.NewError(protocol.CodeInvalidClientResponse)
	}
	switch status {
	case string(protocol.StatusSuccess):
		return fields, nil
	case string(protocol.StatusError):
		code, _ := fields[protocol.FieldErrorCode].(string)
		if code == "" {
			return nil, protocol.NewError(protocol.CodeClientRejected)
		}
		params, _ := fields[protocol.FieldErrorParams].(map[string]any)
		return nil, protocol.NewErrorWithParams(protocol.Code(code), params)
	default:
		return nil, protocol.NewError(protocol.CodeInvalidClientResponse)
	}
}

func asFieldMap(result any) (map[string]any, bool) {
	switch v := result.(type) {
	case protocol.Response:
		return map[string]any(v), true
	case map[string]any:
		return v, true
	default:
		return nil, false
	}
}
