// Package transport
// Author: momentics <momentics@gmail.com>
//
// Platform-specific implementations of the api.Conduit collaborator:
// nonblocking sockets whose readiness events are turned into completions
// and delivered through the sink on a worker pool.

package transport

import (
	"log/slog"

	"github.com/momentics/hioload-tcp/api"
)

// Config tunes the platform backend.
type Config struct {
	Workers int          // completion worker goroutines (0 = NumCPU)
	Logger  *slog.Logger // nil falls back to slog.Default
}

// Provider is a runnable Conduit backend.
type Provider interface {
	api.Conduit

	// Stop shuts the backend down: the poll loop exits, remaining armed
	// operations complete with a cancellation error and the worker pool
	// drains.
	Stop() error
}

// New creates a Conduit suitable for the host platform.
func New(cfg Config, sink api.CompletionSink) (Provider, error) {
	return newProvider(cfg, sink)
}
