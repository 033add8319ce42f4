// File: client/config.go
// Author: momentics <momentics@gmail.com>

package client

import (
	"log/slog"

	"github.com/momentics/hioload-tcp/api"
)

// Default buffer capacities. Both bound a single operation's payload;
// oversized sends are a caller contract violation, not an internal error.
const (
	DefaultRecvBufferSize = 4096
	DefaultMaxSendSize    = 4096
)

// Config holds all configurable parameters for a connection.
type Config struct {
	LocalPort      uint16       // local port to bind (0 = ephemeral)
	RecvBufferSize int          // maximum receive unit
	MaxSendSize    int          // maximum send unit
	RecvPool       api.BytePool // optional buffer source; nil allocates
	SendPool       api.BytePool
	Logger         *slog.Logger // nil falls back to slog.Default
}

// withDefaults fills zero fields with defaults.
func (cfg Config) withDefaults() Config {
	if cfg.RecvBufferSize <= 0 {
		cfg.RecvBufferSize = DefaultRecvBufferSize
	}
	if cfg.MaxSendSize <= 0 {
		cfg.MaxSendSize = DefaultMaxSendSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}
