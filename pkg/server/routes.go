package server

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"
)

// Handler executes a unary route or the centralized phase of a sync route.
// The returned value goes through response shaping; a returned error is
// reported and converted to a generic internalServerError.
type Handler func(ctx context.Context, req *HandlerRequest) (any, error)

// HandlerRequest is the input passed to unary and centralized handlers.
type HandlerRequest struct {
	// Data is the validated request payload.
	Data json.RawMessage

	// User is the caller's session, nil for anonymous connections.
	User *Session

	// Caps exposes connection-level capabilities to the handler.
	Caps *Capabilities
}

// RecipientHandler executes the per-recipient phase of a sync route. Each
// invocation is isolated: an error here reaches only that recipient.
type RecipientHandler func(ctx context.Context, req *RecipientRequest) (any, error)

// RecipientRequest is the input passed to per-recipient sync handlers.
type RecipientRequest struct {
	// Input is the caller's validated payload.
	Input json.RawMessage

	// SharedOutput is the phase-1 result, identical for every recipient.
	SharedOutput any

	// Recipient is the receiving identity's session, nil when anonymous.
	Recipient *Session

	// Room is the target room the broadcast was addressed to.
	Room string
}

// RateLimit is a per-route override of the process-wide default.
type RateLimit struct {
	Limit  int
	Window time.Duration
}

// Route is a unary route registry entry.
type Route struct {
	// Name is the full route name, possibly namespaced ("user/profile").
	Name string

	// Handler executes the call.
	Handler Handler

	// Auth declares the route's authorization requirements; nil means open.
	Auth *AuthRequirement

	// RateLimit overrides the process default; nil inherits it.
	RateLimit *RateLimit

	// Input is the declared input shape descriptor, nil to skip validation.
	Input any

	// Method is the HTTP method hint used by HTTP transport adapters.
	Method string
}

// SyncRoute is a broadcast route registry entry. Server runs at most once
// per call (phase 1); Client runs once per recipient (phase 2). Either may
// be nil, not both.
type SyncRoute struct {
	Name      string
	Server    Handler
	Client    RecipientHandler
	Auth      *AuthRequirement
	RateLimit *RateLimit
	Input     any
}

// Registry is the immutable route table for one process generation. The
// file-based discovery tooling that produces it is external; in development
// the whole generation is swapped atomically on hot reload.
type Registry struct {
	routes map[string]*Route
	syncs  map[string]*SyncRoute
}

// NewRegistry builds a registry generation from route lists.
func NewRegistry(routes []*Route, syncs []*SyncRoute) *Registry {
	r := &Registry{
		routes: make(map[string]*Route, len(routes)),
		syncs:  make(map[string]*SyncRoute, len(syncs)),
	}
	for _, rt := range routes {
		r.routes[rt.Name] = rt
	}
	for _, sr := range syncs {
		r.syncs[sr.Name] = sr
	}
	return r
}

// Lookup resolves a unary route by name. When the exact name is absent, the
// shortened root-level variant (interior path segments dropped) is tried so
// an endpoint is reachable both namespaced and at its root alias.
func (r *Registry) Lookup(name string) (*Route, bool) {
	if rt, ok := r.routes[name]; ok {
		return rt, true
	}
	if alias, ok := rootAlias(name); ok {
		if rt, found := r.routes[alias]; found {
			return rt, true
		}
	}
	return nil, false
}

// LookupSync resolves a sync route with the same fallback as Lookup.
func (r *Registry) LookupSync(name string) (*SyncRoute, bool) {
	if sr, ok := r.syncs[name]; ok {
		return sr, true
	}
	if alias, ok := rootAlias(name); ok {
		if sr, found := r.syncs[alias]; found {
			return sr, true
		}
	}
	return nil, false
}

// rootAlias derives the root-level variant of a namespaced name by dropping
// interior path segments: "admin/users/list" becomes "list".
func rootAlias(name string) (string, bool) {
	idx := strings.LastIndexByte(name, '/')
	if idx < 0 || idx == len(name)-1 {
		return "", false
	}
	return name[idx+1:], true
}

// RegistryHolder provides the atomically swappable current generation.
type RegistryHolder struct {
	current atomic.Pointer[Registry]
}

// NewRegistryHolder creates a holder seeded with reg.
func NewRegistryHolder(reg *Registry) *RegistryHolder {
	h := &RegistryHolder{}
	if reg == nil {
		reg = NewRegistry(nil, nil)
	}
	h.current.Store(reg)
	return h
}

// Current returns the active generation.
func (h *RegistryHolder) Current() *Registry {
	return h.current.Load()
}

// Swap replaces the active generation wholesale. In-flight requests keep the
// generation they resolved against.
func (h *RegistryHolder) Swap(reg *Registry) {
	if reg == nil {
		return
	}
	h.current.Store(reg)
}
