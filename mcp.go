package mcp

import (
	"context"
)

// Transport carries JSON-RPC frames between a Session and one tool server. The package
// provides two implementations: Process, which spawns the server and talks to it over
// its standard streams, and SSEClient, which reaches a server over HTTP Server-Sent
// Events.
type Transport interface {
	// Start spawns or connects to the server and returns once the server has signalled
	// that it is ready to accept requests. Inbound messages are passed to handle from a
	// single goroutine, in arrival order, until the transport ends.
	//
	// If ctx ends or the server goes away before it is ready, Start returns an error and
	// the transport is left ended.
	Start(ctx context.Context, handle func(JSONRPCMessage)) error

	// Send writes one newline-terminated frame. Frames from concurrent calls are never
	// interleaved.
	Send(ctx context.Context, frame []byte) error

	// Done returns a channel that is closed once the transport has ended, either on its
	// own or because Close was called.
	Done() <-chan struct{}

	// Err reports why the transport ended. It returns nil while the transport is running
	// and after a clean shutdown.
	Err() error

	// Close ends the transport and releases its resources. Calling it more than once, or
	// after the transport ended on its own, is a no-op.
	Close() error
}
