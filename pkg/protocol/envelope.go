package protocol

import (
	"encoding/json"
	"errors"
)

// MaxEnvelopeSize is the maximum accepted wire message in bytes.
// Oversized messages are rejected at the transport read limit.
const MaxEnvelopeSize = 256 * 1024

// ErrNotAnEnvelope is returned when a wire message is not a JSON object with
// an "event" discriminator.
var ErrNotAnEnvelope = errors.New("protocol: message is not an event envelope")

// Envelope is the outer shape of every wire message: an event discriminator
// plus the raw remainder for event-specific decoding.
type Envelope struct {
	Event string `json:"event"`

	raw json.RawMessage
}

// Raw returns the full undecoded message for event-specific unmarshaling.
func (e *Envelope) Raw() json.RawMessage {
	return e.raw
}

// DecodeEnvelope parses the outer envelope of a wire message.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrNotAnEnvelope
	}
	if env.Event == "" {
		return nil, ErrNotAnEnvelope
	}
	env.raw = append(json.RawMessage(nil), data...)
	return &env, nil
}

// Request is a unary call envelope.
type Request struct {
	Event         string          `json:"event"`
	Name          string          `json:"name"`
	Data          json.RawMessage `json:"data"`
	ResponseIndex *int64          `json:"responseIndex"`
}

// HasIndex reports whether the envelope carries a correlation index.
// Malformed envelopes without an index are dropped instead of answered.
func (r *Request) HasIndex() bool {
	return r.ResponseIndex != nil
}

// Validate checks the envelope shape: name must be a non-empty string, data
// a JSON object, responseIndex a number.
func (r *Request) Validate() *Error {
	if r.Name == "" || r.ResponseIndex == nil || !isJSONObject(r.Data) {
		return NewError(CodeInvalidRequest)
	}
	return nil
}

// DecodeRequest parses a unary call envelope.
// A decode failure still yields a Request so the caller can check HasIndex
// and decide between dropping and replying invalidRequest.
func DecodeRequest(raw json.RawMessage) *Request {
	var req Request
	// Field-level type mismatches leave the struct partially filled, which
	// Validate treats the same as missing fields.
	_ = json.Unmarshal(raw, &req)
	return &req
}

// SyncRequest is a broadcast call envelope.
type SyncRequest struct {
	Event         string          `json:"event"`
	Name          string          `json:"name"`
	Data          json.RawMessage `json:"data"`
	CB            string          `json:"cb"`
	Receiver      string          `json:"receiver"`
	ResponseIndex *int64          `json:"responseIndex"`
	IgnoreSelf    bool            `json:"ignoreSelf"`
}

// HasIndex reports whether the caller expects an acknowledgement.
func (r *SyncRequest) HasIndex() bool {
	return r.ResponseIndex != nil
}

// Validate checks the envelope shape. The receiver room and callback tag are
// required; data must be a JSON object when present.
func (r *SyncRequest) Validate() *Error {
	if r.Name == "" || r.Receiver == "" || r.CB == "" {
		return NewError(CodeInvalidRequest)
	}
	if len(r.Data) > 0 && !isJSONObject(r.Data) {
		return NewError(CodeInvalidRequest)
	}
	return nil
}

// DecodeSyncRequest parses a broadcast call envelope.
func DecodeSyncRequest(raw json.RawMessage) *SyncRequest {
	var req SyncRequest
	_ = json.Unmarshal(raw, &req)
	return &req
}

// RoomRequest is a joinRoom/leaveRoom/getJoinedRooms envelope.
type RoomRequest struct {
	Event         string `json:"event"`
	Room          string `json:"room"`
	ResponseIndex *int64 `json:"responseIndex"`
}

// DecodeRoomRequest parses a room membership envelope.
func DecodeRoomRequest(raw json.RawMessage) *RoomRequest {
	var req RoomRequest
	_ = json.Unmarshal(raw, &req)
	return &req
}

// LocationUpdate is a fire-and-forget updateLocation envelope.
type LocationUpdate struct {
	Event    string `json:"event"`
	Location string `json:"location"`
}

// DecodeLocationUpdate parses an updateLocation envelope.
func DecodeLocationUpdate(raw json.RawMessage) *LocationUpdate {
	var upd LocationUpdate
	_ = json.Unmarshal(raw, &upd)
	return &upd
}

// IntentionalDisconnect is the deliberate tab-switch signal.
type IntentionalDisconnect struct {
	Event           string `json:"event"`
	EstimatedReturn int64  `json:"estimatedReturn"` // unix seconds, zero when unknown
}

// DecodeIntentionalDisconnect parses an intentionalDisconnect envelope.
func DecodeIntentionalDisconnect(raw json.RawMessage) *IntentionalDisconnect {
	var sig IntentionalDisconnect
	_ = json.Unmarshal(raw, &sig)
	return &sig
}

func isJSONObject(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}
