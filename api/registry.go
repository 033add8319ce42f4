// File: api/registry.go
// Author: momentics <momentics@gmail.com>
//
// Registry is the single source of truth for whether a connection is
// still valid to touch from a completion callback.

package api

// Registry tracks live connections and schedules their destruction.
type Registry interface {
	// IsAlive reports whether the connection may still be driven.
	IsAlive(id uint64) bool

	// RequestRemoval schedules deferred destruction. Safe to call from
	// inside a completion callback; must never destroy synchronously.
	// Idempotent.
	RequestRemoval(id uint64)
}
