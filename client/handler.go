// File: client/handler.go
// Author: momentics <momentics@gmail.com>

package client

// EventHandler defines lifecycle callback signatures. All callbacks are
// invoked from completion worker goroutines; implementations must not
// block for long and must not retain the OnData payload, which is only
// valid for the duration of the call.
type EventHandler interface {
	// OnConnected fires once, after the first receive has been armed.
	OnConnected(local, remote string)

	// OnData hands received bytes upward before the next receive is
	// re-armed, so delivery order matches arrival order.
	OnData(p []byte)

	// OnSent reports a completed send; diagnostic only.
	OnSent(n int)

	// OnClosed fires once when the connection enters its terminal state.
	OnClosed()
}
