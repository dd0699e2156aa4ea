package playmux

import (
	"github.com/playmux/playmux/internal/core"
	"github.com/playmux/playmux/internal/stdiorpc"
)

// Sentinel errors returned by the package. Match with errors.Is; returned
// errors wrap these with context.
const (
	// ErrConfig indicates an invalid option value or pool definition.
	ErrConfig = core.ErrConfig

	// ErrLaunch indicates a worker process failed to spawn.
	ErrLaunch = core.ErrLaunch

	// ErrHandshake indicates a worker spawned but never became responsive.
	ErrHandshake = core.ErrHandshake

	// ErrPoolNotFound indicates a GetPool name matched no pool.
	ErrPoolNotFound = core.ErrPoolNotFound

	// ErrInstanceNotFound indicates an explicit selector named an unknown
	// index or alias.
	ErrInstanceNotFound = core.ErrInstanceNotFound

	// ErrInstanceUnhealthy indicates an explicitly selected instance was not
	// healthy at request time, or died while awaited.
	ErrInstanceUnhealthy = core.ErrInstanceUnhealthy

	// ErrPoolClosed indicates the pool was closed while the request was
	// queued or before it arrived.
	ErrPoolClosed = core.ErrPoolClosed

	// ErrAlreadyLeased indicates an internal grant collision; seeing it from
	// the public API is a bug, not an expected runtime condition.
	ErrAlreadyLeased = core.ErrAlreadyLeased

	// ErrChannelClosed indicates the worker's channel shut down underneath a
	// call, typically because the process exited.
	ErrChannelClosed = stdiorpc.ErrClosed

	// ErrLeaseReleased indicates a Call on a lease after its Release.
	ErrLeaseReleased = core.ErrLeaseReleased

	// ErrShuttingDown indicates the manager no longer accepts work.
	ErrShuttingDown = core.ErrShuttingDown

	// ErrManagerNotStarted indicates GetPool was called before StartAll.
	ErrManagerNotStarted = core.ErrManagerNotStarted
)
