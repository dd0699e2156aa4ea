// Package playmux multiplexes a fleet of playwright-mcp worker processes
// behind named pools with fair leasing and background health supervision.
//
// A Manager owns the pools. Callers lease one worker at a time, speak to it
// through the lease, and release it; the pool guarantees exclusive access
// and strict request ordering. A supervisor probes idle workers, demotes the
// unresponsive ones, and replaces dead ones where the pool allows it.
//
// Basic use:
//
//	mgr, err := playmux.New(playmux.Config{
//		Pools: []playmux.PoolSpec{{Name: "default", Instances: 2, Default: true, Respawn: true}},
//	})
//	if err != nil { ... }
//	if err := mgr.StartAll(ctx); err != nil { ... }
//	defer mgr.StopAll()
//
//	pool, _ := mgr.GetPool("")
//	lease, err := pool.Lease(ctx, playmux.AnyInstance())
//	if err != nil { ... }
//	defer lease.Release()
//	result, err := lease.Call(ctx, "tools/call", params)
package playmux

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/playmux/playmux/internal/core"
	"github.com/playmux/playmux/internal/worker"
)

// PoolSpec defines one named pool of worker instances.
type PoolSpec struct {
	// Name identifies the pool; lookups are case-insensitive.
	Name string
	// Instances is the number of worker processes. Must be >= 1.
	Instances int
	// Default marks the pool targeted by GetPool(""). Exactly one pool must
	// carry this flag.
	Default bool
	// Respawn permits dead instances to be replaced automatically.
	Respawn bool
	// Options overrides global options for this pool.
	Options map[string]string
	// InstanceOptions overrides pool options per instance index.
	InstanceOptions map[int]map[string]string
	// Aliases maps alternative names to instance indexes.
	Aliases map[string]int
}

// Config is the top-level configuration for New.
type Config struct {
	// GlobalOptions is the lowest-precedence option tier, applied to every
	// instance of every pool.
	GlobalOptions map[string]string
	// Pools defines the pools. At least one is required.
	Pools []PoolSpec
	// DataDir is the parent directory for per-worker scratch directories.
	// Defaults to a playmux directory under the OS temp dir.
	DataDir string
}

// New validates the configuration, constructs every pool and its instances
// (without starting any worker process), and returns the manager. Call
// StartAll to launch the workers.
func New(cfg Config, opts ...Option) (Manager, error) {
	o := applyOptions(opts)

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = filepath.Join(os.TempDir(), DefaultDataDirName)
	}

	launcher := o.launcher
	if launcher == nil {
		launcher = &worker.Launcher{
			Command:     o.workerCommand,
			Package:     o.workerPackage,
			DataDir:     dataDir,
			StopTimeout: o.stopTimeout,
		}
	}

	pools := make([]core.PoolConfig, len(cfg.Pools))
	for i, ps := range cfg.Pools {
		pc := core.PoolConfig{
			Name:      ps.Name,
			Instances: ps.Instances,
			Default:   ps.Default,
			Respawn:   ps.Respawn,
			Options:   core.Options(ps.Options),
			Aliases:   ps.Aliases,
		}
		if len(ps.InstanceOptions) > 0 {
			pc.InstanceOptions = make(map[int]core.Options, len(ps.InstanceOptions))
			for idx, io := range ps.InstanceOptions {
				pc.InstanceOptions[idx] = core.Options(io)
			}
		}
		pools[i] = pc
	}

	m, err := core.NewManager(core.ManagerConfig{
		Global:         core.Options(cfg.GlobalOptions),
		Pools:          pools,
		HealthInterval: o.healthInterval,
		LeaseTimeout:   o.leaseTimeout,
		Settings: core.InstanceSettings{
			StartTimeout:     o.startTimeout,
			StopTimeout:      o.stopTimeout,
			ProbeTimeout:     o.probeTimeout,
			FailureThreshold: o.failureThreshold,
		},
		Launcher: launcher,
	})
	if err != nil {
		return nil, err
	}
	return &managerWrapper{m: m, leaseTimeout: o.leaseTimeout}, nil
}

type managerWrapper struct {
	m            *core.Manager
	leaseTimeout time.Duration
}

func (w *managerWrapper) StartAll(ctx context.Context) error { return w.m.StartAll(ctx) }
func (w *managerWrapper) StopAll() error                     { return w.m.StopAll() }
func (w *managerWrapper) Status() []PoolStatus               { return w.m.Status() }

func (w *managerWrapper) GetPool(name string) (Pool, error) {
	p, err := w.m.GetPool(name)
	if err != nil {
		return nil, err
	}
	return &poolWrapper{p: p, leaseTimeout: w.leaseTimeout}, nil
}

type poolWrapper struct {
	p            *core.Pool
	leaseTimeout time.Duration
}

func (w *poolWrapper) Name() string       { return w.p.Name() }
func (w *poolWrapper) Status() PoolStatus { return w.p.Status() }

// Lease bounds the wait with the configured lease timeout on top of
// whatever deadline the caller's context already carries.
func (w *poolWrapper) Lease(ctx context.Context, sel Selector) (Lease, error) {
	leaseCtx, cancel := context.WithTimeout(ctx, w.leaseTimeout)
	defer cancel()

	inst, token, err := w.p.Lease(leaseCtx, sel)
	if err != nil {
		return nil, err
	}
	return &leaseWrapper{pool: w.p, inst: inst, token: token}, nil
}

// leaseWrapper is the caller's handle on one exclusive instance hold. The
// released flag makes Release idempotent: the pool sees at most one release
// per lease, so defensive double cleanup cannot disturb the accounting.
type leaseWrapper struct {
	pool     *core.Pool
	inst     *core.Instance
	token    uint64
	released atomic.Bool
}

func (l *leaseWrapper) InstanceID() string { return l.inst.ID() }
func (l *leaseWrapper) InstanceIndex() int { return l.inst.Index() }

func (l *leaseWrapper) Call(ctx context.Context, method string, params []byte) ([]byte, error) {
	if l.released.Load() {
		return nil, fmt.Errorf("call %s: %w", method, ErrLeaseReleased)
	}
	ch, err := l.inst.LeasedChannel()
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return ch.Call(ctx, method, params)
}

func (l *leaseWrapper) Release() error {
	if l.released.Swap(true) {
		return nil
	}
	l.pool.Release(l.inst, l.token)
	return nil
}
