package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/playmux/playmux/internal/sentinel"
)

const (
	// ErrPoolNotFound is returned by GetPool when no pool with the requested
	// name exists, or when "" is requested and no default pool is usable.
	ErrPoolNotFound = sentinel.Error("pool not found")

	// ErrShuttingDown is returned once StopAll has begun; no new work is
	// accepted after that point.
	ErrShuttingDown = sentinel.Error("manager is shutting down")

	// ErrManagerNotStarted is returned by GetPool before StartAll has run.
	ErrManagerNotStarted = sentinel.Error("manager is not started")
)

// Manager lifecycle states.
const (
	managerCreated uint32 = iota
	managerStarting
	managerReady
	managerShuttingDown
)

// Manager owns the pool registry and the shared health supervisor. The
// registry is fixed at construction: pools are never added or removed at
// runtime, only their instances change through respawn.
//
// A pool whose configuration is invalid is excluded at construction and a
// pool whose startup partially fails runs degraded; neither affects the
// other pools.
type Manager struct {
	cfg ManagerConfig

	pools       map[string]*Pool
	order       []string
	defaultName string
	// buildErrs records pools excluded at construction, keyed by normalized
	// name, so StartAll can surface them alongside startup errors.
	buildErrs map[string]error

	state atomic.Uint32
	sup   *supervisor
	log   *slog.Logger
}

// NewManager validates the configuration and constructs every pool and its
// (unstarted) instances. A pool that fails construction is excluded and
// logged; the manager is only an error if no pool at all is usable.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:       cfg,
		pools:     make(map[string]*Pool, len(cfg.Pools)),
		buildErrs: make(map[string]error),
		log:       Logger(),
	}
	for _, pc := range cfg.Pools {
		name := NormalizeName(pc.Name)
		pool, err := NewPool(pc, cfg.Global, cfg.Settings, cfg.Launcher)
		if err != nil {
			m.log.Error("excluding misconfigured pool", "pool", name, "error", err)
			m.buildErrs[name] = err
			continue
		}
		m.pools[name] = pool
		m.order = append(m.order, name)
		if pc.Default {
			m.defaultName = name
		}
	}
	if len(m.pools) == 0 {
		errs := make([]error, 0, len(m.buildErrs))
		for _, name := range normalizedNames(cfg.Pools) {
			if err, ok := m.buildErrs[name]; ok {
				errs = append(errs, err)
			}
		}
		return nil, fmt.Errorf("no usable pools: %w", errors.Join(errs...))
	}

	m.sup = newSupervisor(m.poolList(), cfg.HealthInterval, cfg.Settings)
	return m, nil
}

// normalizedNames returns the normalized pool names in configuration order.
func normalizedNames(pools []PoolConfig) []string {
	names := make([]string, len(pools))
	for i, pc := range pools {
		names[i] = NormalizeName(pc.Name)
	}
	return names
}

// poolList returns the pools in configuration order.
func (m *Manager) poolList() []*Pool {
	list := make([]*Pool, len(m.order))
	for i, name := range m.order {
		list[i] = m.pools[name]
	}
	return list
}

// StartAll launches every instance of every pool in parallel and starts the
// health supervisor. Partial failure does not abort: pools that came up
// degraded keep serving from their healthy instances, and the joined
// per-pool errors (including construction-time exclusions) are returned for
// the caller to report. The manager is running afterwards either way, as
// long as at least one pool exists.
//
// Idempotent: a second call while starting or ready is a no-op returning nil.
func (m *Manager) StartAll(ctx context.Context) error {
	if !m.state.CompareAndSwap(managerCreated, managerStarting) {
		if m.state.Load() == managerShuttingDown {
			return ErrShuttingDown
		}
		return nil
	}

	pools := m.poolList()
	startErrs := make([]error, len(pools))
	var wg sync.WaitGroup
	for idx, pool := range pools {
		wg.Add(1)
		go func(pos int, pool *Pool) {
			defer wg.Done()
			startErrs[pos] = pool.Start(ctx)
		}(idx, pool)
	}
	wg.Wait()

	m.state.Store(managerReady)
	m.sup.start()

	errs := startErrs
	for _, err := range m.buildErrs {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// GetPool returns the pool with the given name, or the default pool when
// name is empty. Names are matched case-insensitively.
func (m *Manager) GetPool(name string) (*Pool, error) {
	switch m.state.Load() {
	case managerShuttingDown:
		return nil, ErrShuttingDown
	case managerCreated:
		return nil, ErrManagerNotStarted
	}

	if name == "" {
		if m.defaultName == "" {
			return nil, fmt.Errorf("no default pool: %w", ErrPoolNotFound)
		}
		return m.pools[m.defaultName], nil
	}
	pool, ok := m.pools[NormalizeName(name)]
	if !ok {
		return nil, fmt.Errorf("pool %q: %w", name, ErrPoolNotFound)
	}
	return pool, nil
}

// Status returns a snapshot per pool, in configuration order.
func (m *Manager) Status() []PoolStatus {
	pools := m.poolList()
	statuses := make([]PoolStatus, len(pools))
	for i, pool := range pools {
		statuses[i] = pool.Status()
	}
	return statuses
}

// StopAll shuts everything down: the supervisor first (waiting for in-flight
// respawns), then every pool is closed so queued waiters fail fast, then all
// instances are stopped in parallel. Lease calls observed after StopAll
// begins fail with ErrShuttingDown or ErrPoolClosed.
//
// Runs on a background context internally: shutdown proceeds even when the
// caller's context is already done, bounded by the per-instance stop timeout.
// Idempotent.
func (m *Manager) StopAll() error {
	m.state.Store(managerShuttingDown)
	m.sup.stop()

	pools := m.poolList()
	for _, pool := range pools {
		pool.Close()
	}

	var (
		mu       sync.Mutex
		stopErrs []error
		wg       sync.WaitGroup
	)
	for _, pool := range pools {
		for _, inst := range pool.Instances() {
			wg.Add(1)
			go func(inst *Instance) {
				defer wg.Done()
				if err := inst.Stop(context.Background()); err != nil {
					mu.Lock()
					stopErrs = append(stopErrs, err)
					mu.Unlock()
				}
			}(inst)
		}
	}
	wg.Wait()

	if err := errors.Join(stopErrs...); err != nil {
		return fmt.Errorf("stopping instances: %w", err)
	}
	return nil
}
