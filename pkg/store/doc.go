// Package store provides SessionStore implementations: an in-process
// TTL-backed memory store for single-node deployments and tests, and a
// Redis-backed store for multi-node deployments where every node must see
// the same session state.
package store
