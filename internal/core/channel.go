package core

import "context"

// Channel is the communication link to one worker process. The payloads are
// opaque to the pool layer: requests and responses are correlated by the
// channel implementation, and nothing is assumed about their shape beyond
// "possibly slow, can fail".
//
// A Channel is a single-caller resource. The pool guarantees that at most one
// logical owner — the current lease holder, or the health supervisor while
// the instance is idle — uses it at a time.
type Channel interface {
	// Call performs one request/response round trip.
	Call(ctx context.Context, method string, params []byte) ([]byte, error)

	// Probe performs a lightweight liveness round trip.
	Probe(ctx context.Context) error

	// Close shuts the worker process down, attempting a graceful stop first
	// and escalating to forceful termination. Idempotent.
	Close(ctx context.Context) error
}

// Launcher spawns a worker process from a resolved configuration and returns
// its channel once the channel has proven responsive. Implementations wrap
// spawn failures with ErrLaunch and handshake failures with ErrHandshake.
type Launcher interface {
	Launch(ctx context.Context, cfg ResolvedConfig) (Channel, error)
}
