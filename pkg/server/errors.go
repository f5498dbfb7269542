package server

import (
	"errors"
	"fmt"
)

// Sentinel errors for common connection and session error conditions.
var (
	// ErrConnClosed is returned when an operation is attempted on a closed connection.
	ErrConnClosed = errors.New("server: connection closed")

	// ErrConnNotFound is returned when a connection ID does not exist.
	ErrConnNotFound = errors.New("server: connection not found")

	// ErrSessionNotFound is returned by session stores when a token has no session.
	ErrSessionNotFound = errors.New("server: session not found")

	// ErrNotAuthenticated is returned when an identity-gated operation runs on
	// an anonymous connection.
	ErrNotAuthenticated = errors.New("server: not authenticated")

	// ErrSendQueueFull is returned when a connection's outbound queue is full
	// and a message is dropped.
	ErrSendQueueFull = errors.New("server: send queue full")

	// ErrServerClosed is returned when the server is shutting down.
	ErrServerClosed = errors.New("server: server closed")
)

// ConnError wraps an error with connection context for debugging.
type ConnError struct {
	ConnID string
	Op     string // Operation that failed
	Err    error  // Underlying error
}

// Error returns the error message with connection context.
func (e *ConnError) Error() string {
	if e.ConnID == "" {
		return fmt.Sprintf("server: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("server: conn %s: %s: %v", e.ConnID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *ConnError) Unwrap() error {
	return e.Err
}

// HandlerPanicError wraps a panic recovered from a route handler.
// It is passed to the error reporter; the caller only ever sees a generic
// internalServerError reply.
type HandlerPanicError struct {
	Route string
	Token string
	Panic any
	Stack []byte
}

// Error returns the error message.
func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("server: handler panic on route %s: %v", e.Route, e.Panic)
}
