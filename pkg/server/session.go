package server

import (
	"context"
	"time"
)

// Session is the persisted record for an identity token. It lives in a
// TTL-backed key-value store and is loaded lazily; a token maps to at most
// one canonical Session at any instant.
type Session struct {
	// UserID is the stable user identifier behind the token.
	UserID string `json:"userId"`

	// Profile holds user-visible attributes (name, avatar, role flags).
	Profile map[string]any `json:"profile,omitempty"`

	// Rooms is the persisted room-code set. It changes only under the
	// per-token mutation lock so it never diverges from transport-level
	// membership.
	Rooms []string `json:"rooms,omitempty"`

	// Location is the client's current in-app location.
	Location string `json:"location,omitempty"`

	// Language is the preferred locale for localized error messages.
	Language string `json:"language,omitempty"`

	// Ext carries arbitrary extension fields.
	Ext map[string]any `json:"ext,omitempty"`
}

// Field resolves a key against the structural session representation used by
// declarative auth predicates. Top-level fields are checked first, then
// Profile, then Ext. The second return reports whether the key exists.
func (s *Session) Field(key string) (any, bool) {
	switch key {
	case "userId":
		return s.UserID, true
	case "location":
		return s.Location, true
	case "language":
		return s.Language, true
	case "rooms":
		return s.Rooms, true
	}
	if v, ok := s.Profile[key]; ok {
		return v, true
	}
	if v, ok := s.Ext[key]; ok {
		return v, true
	}
	return nil, false
}

// HasRoom reports whether the persisted room-code set contains room.
func (s *Session) HasRoom(room string) bool {
	for _, r := range s.Rooms {
		if r == room {
			return true
		}
	}
	return false
}

// AddRoom adds room to the persisted room-code set if absent.
// Callers must hold the token's mutation lock.
func (s *Session) AddRoom(room string) {
	if !s.HasRoom(room) {
		s.Rooms = append(s.Rooms, room)
	}
}

// RemoveRoom removes room from the persisted room-code set.
// Callers must hold the token's mutation lock.
func (s *Session) RemoveRoom(room string) {
	for i, r := range s.Rooms {
		if r == room {
			s.Rooms = append(s.Rooms[:i], s.Rooms[i+1:]...)
			return
		}
	}
}

// SessionStore is the persisted-session backing store. The storage engine is
// external; implementations live in pkg/store.
//
// The store is multi-writer: read-modify-write sequences must go through the
// per-token mutation lock (KeyLock), never directly.
type SessionStore interface {
	// Get loads the session for a token. Returns ErrSessionNotFound when the
	// token has no session or it expired.
	Get(ctx context.Context, token string) (*Session, error)

	// Set stores the session under the token, refreshing its TTL.
	Set(ctx context.Context, token string, session *Session, ttl time.Duration) error

	// Delete removes the session. Deleting a missing session is not an error.
	Delete(ctx context.Context, token string) error

	// SetRooms replaces the persisted room-code set, refreshing the TTL.
	SetRooms(ctx context.Context, token string, rooms []string, ttl time.Duration) error
}
