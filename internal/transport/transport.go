// Package transport defines the façade every wire adapter implements, so
// the core and broker can be written against one interface regardless of
// whether federates in a run talk over in-process channels or TCP
// (spec.md §6).
package transport

import "context"

// Adapter is a bidirectional, addressed channel for encoded ActionMessage
// frames. Open/dial semantics are adapter-specific and happen before an
// Adapter value exists; Adapter itself only covers the steady-state
// send/receive/close lifecycle.
type Adapter interface {
	// Send delivers frame to dest. dest's format is adapter-specific: a
	// registered name for inproc, a "host:port" address for tcp.
	Send(ctx context.Context, dest string, frame []byte) error

	// Recv blocks until a frame arrives or ctx is canceled.
	Recv(ctx context.Context) ([]byte, error)

	// Close releases the adapter's resources. Recv unblocks with an
	// error once Close has been called.
	Close() error
}
