// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error values shared across the engine. All internal failures on
// the completion paths funnel into a deferred removal request; these
// sentinels cover the synchronous caller-facing surface.

package api

import "fmt"

// Common errors used across the library.
var (
	ErrInvalidState  = fmt.Errorf("connection is not in a valid state for this operation")
	ErrNotConnected  = fmt.Errorf("connection is not established")
	ErrClosed        = fmt.Errorf("connection is closed")
	ErrNoCandidates  = fmt.Errorf("address resolution produced no candidates")
	ErrExhausted     = fmt.Errorf("all connect candidates rejected")
	ErrSendInFlight  = fmt.Errorf("a send is already outstanding")
	ErrSendTooLarge  = fmt.Errorf("send exceeds the configured maximum")
	ErrConduitClosed = fmt.Errorf("conduit is closed")
	ErrNotSupported  = fmt.Errorf("operation not supported on this platform")
)
