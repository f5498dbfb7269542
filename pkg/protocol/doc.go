// Package protocol defines the wire format spoken between relay servers and
// clients over a WebSocket connection.
//
// Every message is a single JSON object carrying an "event" discriminator.
// Two request patterns share the connection:
//
//   - Unary calls: the client sends an "apiRequest" envelope and receives
//     exactly one reply on "apiResponse-{responseIndex}".
//   - Sync calls: the client sends a "sync" envelope; the caller receives one
//     acknowledgement on "sync-{responseIndex}" while room members receive
//     personalized deliveries on the plain "sync" event.
//
// The remaining events cover presence: room join/leave round-trips keyed by
// responseIndex, fire-and-forget location/AFK signals, and server pushes.
package protocol
