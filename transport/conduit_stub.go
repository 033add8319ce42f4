//go:build !linux

// File: transport/conduit_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub backend for platforms without an implementation yet.

package transport

import (
	"github.com/momentics/hioload-tcp/api"
)

func newProvider(cfg Config, sink api.CompletionSink) (Provider, error) {
	return nil, api.ErrNotSupported
}
