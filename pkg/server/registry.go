package server

import (
	"log/slog"
	"sync"

	"github.com/relaykit/relay/pkg/protocol"
)

// ConnRegistry owns transport-level room membership and connection lookup.
// Rooms are implicit named multicast groups; a room named after an identity
// token is that identity's private channel, and protocol.RoomAll resolves to
// every connection. Membership is mutated only through Join/Leave/Remove.
type ConnRegistry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	// rooms maps room name to member connections by connection ID.
	rooms map[string]map[string]*Conn
	// membership maps connection ID to its joined room names.
	membership map[string]map[string]struct{}

	logger *slog.Logger
}

// NewConnRegistry creates an empty registry.
func NewConnRegistry(logger *slog.Logger) *ConnRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnRegistry{
		conns:      make(map[string]*Conn),
		rooms:      make(map[string]map[string]*Conn),
		membership: make(map[string]map[string]struct{}),
		logger:     logger.With("component", "conn_registry"),
	}
}

// Add registers a connection.
func (r *ConnRegistry) Add(conn *Conn) {
	r.mu.Lock()
	r.conns[conn.ID] = conn
	r.membership[conn.ID] = make(map[string]struct{})
	r.mu.Unlock()
}

// Remove unregisters a connection and drops all of its room memberships.
func (r *ConnRegistry) Remove(conn *Conn) {
	r.mu.Lock()
	delete(r.conns, conn.ID)
	for room := range r.membership[conn.ID] {
		r.leaveLocked(conn.ID, room)
	}
	delete(r.membership, conn.ID)
	r.mu.Unlock()
}

// Join adds the connection to a room.
func (r *ConnRegistry) Join(conn *Conn, room string) {
	if room == "" || room == protocol.RoomAll {
		return
	}
	r.mu.Lock()
	if _, ok := r.conns[conn.ID]; ok {
		members, exists := r.rooms[room]
		if !exists {
			members = make(map[string]*Conn)
			r.rooms[room] = members
		}
		members[conn.ID] = conn
		r.membership[conn.ID][room] = struct{}{}
	}
	r.mu.Unlock()
}

// Leave removes the connection from a room.
func (r *ConnRegistry) Leave(conn *Conn, room string) {
	r.mu.Lock()
	r.leaveLocked(conn.ID, room)
	if m, ok := r.membership[conn.ID]; ok {
		delete(m, room)
	}
	r.mu.Unlock()
}

func (r *ConnRegistry) leaveLocked(connID, room string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// Lookup returns a connection by ID.
func (r *ConnRegistry) Lookup(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// MembersOf returns the connections in a room. protocol.RoomAll resolves to
// every registered connection. The snapshot is safe to iterate without the
// registry lock.
func (r *ConnRegistry) MembersOf(room string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if room == protocol.RoomAll {
		members := make([]*Conn, 0, len(r.conns))
		for _, conn := range r.conns {
			members = append(members, conn)
		}
		return members
	}

	roomConns := r.rooms[room]
	members := make([]*Conn, 0, len(roomConns))
	for _, conn := range roomConns {
		members = append(members, conn)
	}
	return members
}

// Rooms returns the rooms a connection has joined.
func (r *ConnRegistry) Rooms(conn *Conn) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	joined := make([]string, 0, len(r.membership[conn.ID]))
	for room := range r.membership[conn.ID] {
		joined = append(joined, room)
	}
	return joined
}

// Count returns the number of registered connections.
func (r *ConnRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcast emits an event to every member of a room. Per-recipient send
// failures are logged and never abort delivery to siblings.
func (r *ConnRegistry) Broadcast(room, event string, payload any) {
	r.BroadcastExceptToken(room, event, payload, "")
}

// BroadcastExceptToken emits an event to every member of a room except
// connections holding the excluded identity token. Exclusion matches by
// token, not by originating connection: all of an identity's connections
// are skipped.
func (r *ConnRegistry) BroadcastExceptToken(room, event string, payload any, exceptToken string) {
	msg, err := encodeEvent(event, payload)
	if err != nil {
		r.logger.Error("broadcast encode failed", "room", room, "event", event, "error", err)
		return
	}
	for _, conn := range r.MembersOf(room) {
		if exceptToken != "" && conn.Token() == exceptToken {
			continue
		}
		if err := conn.enqueue(msg); err != nil {
			r.logger.Debug("broadcast delivery failed",
				"room", room,
				"event", event,
				"conn_id", conn.ID,
				"error", err)
		}
	}
}
