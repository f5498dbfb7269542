package protocol

import "strconv"

// Client-originated events.
const (
	// EventAPIRequest carries a unary call envelope.
	EventAPIRequest = "apiRequest"

	// EventSync carries a broadcast call envelope. The same event name is
	// reused for the deliveries pushed to room members.
	EventSync = "sync"

	// EventJoinRoom asks the server to add the caller's identity to a room.
	EventJoinRoom = "joinRoom"

	// EventLeaveRoom asks the server to remove the caller's identity from a room.
	EventLeaveRoom = "leaveRoom"

	// EventGetJoinedRooms asks for the caller's persisted room-code set.
	EventGetJoinedRooms = "getJoinedRooms"

	// EventUpdateLocation is a fire-and-forget location update.
	EventUpdateLocation = "updateLocation"

	// EventIntentionalDisconnect signals a deliberate tab switch. The server
	// broadcasts an AFK notice and then closes the transport.
	EventIntentionalDisconnect = "intentionalDisconnect"
)

// Server-pushed events.
const (
	// EventUserAFK notifies a room that a member stepped away.
	EventUserAFK = "userAfk"

	// EventUserBack notifies a room that a member's presence was restored.
	EventUserBack = "userBack"

	// EventUpdateSession pushes a fresh session snapshot to its owner.
	EventUpdateSession = "updateSession"

	// EventForceLogout tells the client its session was terminated.
	EventForceLogout = "forceLogout"
)

// ResponseEvent returns the reply event name for a unary call.
func ResponseEvent(responseIndex int64) string {
	return "apiResponse-" + strconv.FormatInt(responseIndex, 10)
}

// SyncAckEvent returns the caller acknowledgement event name for a sync call.
func SyncAckEvent(responseIndex int64) string {
	return "sync-" + strconv.FormatInt(responseIndex, 10)
}

// AckEvent returns the acknowledgement event name for a request/ack pair
// such as joinRoom or getJoinedRooms.
func AckEvent(event string, responseIndex int64) string {
	return event + "-" + strconv.FormatInt(responseIndex, 10)
}

// RoomAll is the reserved synthetic room resolving to every connection.
const RoomAll = "all"

// RouteLogout is the reserved unary route that force-disconnects the caller
// and clears its identity. It bypasses shape validation, auth, rate limiting
// and handler execution, but still produces exactly one success reply.
const RouteLogout = "logout"
