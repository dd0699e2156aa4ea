package playmux

import (
	"context"

	"github.com/playmux/playmux/internal/core"
)

// Manager owns the pool registry and the health supervisor. Implementations
// returned by New are safe for concurrent use.
type Manager interface {
	// StartAll launches every instance of every pool in parallel and starts
	// health supervision. Partial failure degrades the affected pools rather
	// than aborting: the joined errors are returned but the manager keeps
	// running as long as at least one pool is usable.
	StartAll(ctx context.Context) error

	// GetPool returns the pool with the given name, case-insensitively, or
	// the default pool when name is empty.
	GetPool(name string) (Pool, error)

	// Status returns a point-in-time snapshot per pool.
	Status() []PoolStatus

	// StopAll shuts down supervision, fails queued lease waiters, and stops
	// every worker process. Idempotent.
	StopAll() error
}

// Pool mediates fair, exclusive access to its instances.
type Pool interface {
	// Name returns the pool's normalized name.
	Name() string

	// Lease acquires exclusive access to one instance. With AnyInstance the
	// caller waits in strict request order for an idle healthy instance;
	// with ByIndex or ByAlias the named instance is awaited if healthy and
	// the call fails fast with ErrInstanceUnhealthy otherwise. The wait is
	// bounded by the configured lease timeout and by ctx.
	Lease(ctx context.Context, sel Selector) (Lease, error)

	// Status returns a point-in-time snapshot of the pool.
	Status() PoolStatus
}

// Lease is exclusive access to one worker instance. The holder must call
// Release when done; Release is idempotent and a released lease rejects
// further Calls.
type Lease interface {
	// Call performs one request/response round trip against the worker.
	Call(ctx context.Context, method string, params []byte) ([]byte, error)

	// InstanceID returns the unique id of the leased instance.
	InstanceID() string

	// InstanceIndex returns the leased instance's slot index in its pool.
	InstanceIndex() int

	// Release returns the instance to the pool. Releasing twice is a no-op.
	Release() error
}

// Selector names the instance a lease request targets.
type Selector = core.Selector

// PoolStatus is a point-in-time snapshot of a pool's instance accounting.
type PoolStatus = core.PoolStatus

// AnyInstance selects any idle healthy instance, in FIFO request order.
func AnyInstance() Selector { return core.AnyInstance() }

// ByIndex selects the instance at the given pool index.
func ByIndex(index int) Selector { return core.ByIndex(index) }

// ByAlias selects the instance carrying the given alias.
func ByAlias(alias string) Selector { return core.ByAlias(alias) }
