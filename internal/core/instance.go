package core

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/playmux/playmux/internal/sentinel"
)

const (
	// ErrLaunch is returned by Start when the worker process fails to spawn.
	ErrLaunch = sentinel.Error("worker failed to launch")

	// ErrHandshake is returned by Start when the worker process spawned but
	// its channel never became responsive within the start timeout.
	ErrHandshake = sentinel.Error("worker channel never became ready")

	// ErrAlreadyLeased is returned by markLeased when the instance is
	// already held. The pool serializes grants, so hitting this indicates a
	// programming error rather than an expected runtime condition.
	ErrAlreadyLeased = sentinel.Error("instance is already leased")

	// ErrNotStarted is returned by LeasedChannel when the instance's worker
	// process has not been launched.
	ErrNotStarted = sentinel.Error("instance not started")

	// ErrLeaseReleased is returned by LeasedChannel when the instance is not
	// currently held. After release the instance may be re-leased or
	// stopped, making any prior channel reference stale.
	ErrLeaseReleased = sentinel.Error("lease has been released")
)

// Health is the health state of an instance. The state machine is
//
//	starting → healthy ⇄ unhealthy → dead
//
// with starting → dead on launch or handshake failure. Dead is terminal for
// the process behind this Instance object: recovery constructs a new
// Instance, never resurrects the old one.
type Health int32

const (
	HealthStarting Health = iota
	HealthHealthy
	HealthUnhealthy
	HealthDead
)

// String returns the lowercase state name.
func (h Health) String() string {
	switch h {
	case HealthStarting:
		return "starting"
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthDead:
		return "dead"
	default:
		return fmt.Sprintf("Health(%d)", int32(h))
	}
}

// Instance owns exactly one worker subprocess and its communication channel.
// The channel is valid if and only if the health state is not dead.
//
// Synchronization strategy:
//   - gen, health, fails, lastProbe, started use atomics for lock-free reads.
//   - channel is an atomic pointer, set by doStart and cleared by Stop.
//   - startMu serializes Start/Stop so processes are never double-launched.
//   - Lease-state transitions (markLeased/markIdle) are driven by the pool
//     under its mutex; the generation counter's CAS is the last line of
//     defense against double grants.
type Instance struct {
	cfg      ResolvedConfig
	settings InstanceSettings

	pool  string
	index int
	alias string
	id    string

	launcher Launcher

	// gen is a monotonic generation counter: odd = held (leased or being
	// probed), even = free. Each acquisition produces a unique odd token, so
	// a stale token from a prior hold can never match the current generation.
	gen atomic.Uint64

	started atomic.Bool
	health  atomic.Int32
	// fails counts consecutive probe failures; reset by a successful probe.
	fails     atomic.Int32
	lastProbe atomic.Int64 // unix nanoseconds of the most recent probe

	startMu sync.Mutex
	channel atomic.Pointer[Channel]

	log *slog.Logger
}

// NewInstanceParams holds the parameters for creating an Instance.
// Alias may be empty; all other fields are required.
type NewInstanceParams struct {
	Pool     string
	Index    int
	Alias    string
	Config   ResolvedConfig
	Settings InstanceSettings
	Launcher Launcher
}

// NewInstance creates an unstarted Instance. Panics if the pool name is
// empty, the index is negative, the launcher is nil, or the settings fail
// validation — these are programmer errors caught at initialization time.
func NewInstance(params NewInstanceParams) *Instance {
	if params.Pool == "" {
		panic("playmux: instance pool name must not be empty")
	}
	if params.Index < 0 {
		panic(fmt.Sprintf("playmux: instance index must not be negative, got %d", params.Index))
	}
	if params.Launcher == nil {
		panic("playmux: instance launcher must not be nil")
	}
	if err := params.Settings.Validate(); err != nil {
		panic(fmt.Sprintf("playmux: invalid instance settings: %v", err))
	}

	// The random suffix distinguishes successive occupants of the same pool
	// slot in logs: a respawned instance is a new object with a new id.
	id := fmt.Sprintf("%s-%d-%s", NormalizeName(params.Pool), params.Index, genID())
	return &Instance{
		cfg:      params.Config,
		settings: params.Settings,
		pool:     NormalizeName(params.Pool),
		index:    params.Index,
		alias:    params.Alias,
		id:       id,
		launcher: params.Launcher,
		log:      Logger().With("instance", id),
	}
}

// genID generates a random 8-character hex suffix for instance naming.
func genID() string {
	return fmt.Sprintf(
		"%08x",
		rand.Uint32(), //nolint:gosec // G404: instance IDs need uniqueness, not cryptographic strength
	)
}

// ID returns the instance's unique identifier.
func (i *Instance) ID() string { return i.id }

// Index returns the instance's slot index within its pool.
func (i *Instance) Index() int { return i.index }

// Alias returns the instance's alias, or "" if none is configured.
func (i *Instance) Alias() string { return i.alias }

// PoolName returns the normalized name of the owning pool.
func (i *Instance) PoolName() string { return i.pool }

// Config returns the resolved configuration snapshot the instance was
// launched with.
func (i *Instance) Config() ResolvedConfig { return i.cfg }

// Health returns the current health state.
func (i *Instance) Health() Health { return Health(i.health.Load()) }

// Failures returns the current consecutive probe-failure count.
func (i *Instance) Failures() int { return int(i.fails.Load()) }

// LastProbe returns the time of the most recent health probe, or the zero
// time if the instance has never been probed.
func (i *Instance) LastProbe() time.Time {
	ns := i.lastProbe.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Held reports whether the instance is currently held by a lease or a probe.
// An odd generation value means held; even (including 0) means free.
func (i *Instance) Held() bool {
	return i.gen.Load()%2 == 1
}

// IsStarted reports whether the worker process has been launched.
func (i *Instance) IsStarted() bool {
	return i.started.Load()
}

// markLeased transitions the instance from free to held and returns the new
// generation value as a release token. Returns ErrAlreadyLeased if the
// instance is already held. The pool calls this under its mutex, so the CAS
// only fails on a caller bug.
func (i *Instance) markLeased() (uint64, error) {
	g := i.gen.Load()
	if g%2 == 1 {
		return 0, fmt.Errorf("instance %s: %w", i.id, ErrAlreadyLeased)
	}
	if !i.gen.CompareAndSwap(g, g+1) {
		return 0, fmt.Errorf("instance %s: %w", i.id, ErrAlreadyLeased)
	}
	return g + 1, nil
}

// markIdle atomically advances the generation counter from the provided
// token (odd/held) to token+1 (even/free). Returns false if the token is
// stale: the hold was already released, so the caller must treat the release
// as a duplicate and perform no further state changes.
func (i *Instance) markIdle(token uint64) bool {
	return i.gen.CompareAndSwap(token, token+1)
}

// Start launches the worker process and establishes its channel, verifying
// responsiveness before returning. Safe for concurrent calls: startMu
// serializes callers so only one launches; the rest see started == true.
//
// Returns an error wrapping ErrLaunch if the process failed to spawn, or
// ErrHandshake if it spawned but the channel never became ready within the
// start timeout. Either failure moves the instance to dead.
func (i *Instance) Start(ctx context.Context) error {
	i.startMu.Lock()
	defer i.startMu.Unlock()

	if i.IsStarted() {
		return nil
	}
	if i.Health() == HealthDead {
		return fmt.Errorf("instance %s: %w: already dead", i.id, ErrNotStarted)
	}

	launchCtx, cancel := context.WithTimeout(ctx, i.settings.StartTimeout)
	defer cancel()

	start := time.Now()
	ch, err := i.launcher.Launch(launchCtx, i.cfg)
	if err != nil {
		i.health.Store(int32(HealthDead))
		return fmt.Errorf("start instance %s: %w", i.id, err)
	}

	i.channel.Store(&ch)
	i.fails.Store(0)
	i.health.Store(int32(HealthHealthy))
	i.started.Store(true)
	i.log.Debug("instance started", "browser", i.cfg.Browser, "elapsed", time.Since(start))
	return nil
}

// Stop terminates the worker process, graceful first and forceful after the
// grace period, and marks the instance dead. Idempotent; safe for concurrent
// calls with Start.
func (i *Instance) Stop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("stop instance %s: %w", i.id, err)
	}

	i.startMu.Lock()
	defer i.startMu.Unlock()

	ch := i.channel.Swap(nil)
	i.started.Store(false)
	i.health.Store(int32(HealthDead))

	if ch == nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, i.settings.StopTimeout)
	defer cancel()
	if err := (*ch).Close(stopCtx); err != nil {
		return fmt.Errorf("stop instance %s: %w", i.id, err)
	}
	return nil
}

// LeasedChannel returns the communication channel for the current lease
// holder. Returns ErrLeaseReleased if the instance is not held and
// ErrNotStarted if the worker process is not running.
//
// The held check is a defensive guard against callers using a channel after
// release, not a concurrency-safe guarantee: the lease contract requires the
// holder to keep the lease for the entire duration of use.
func (i *Instance) LeasedChannel() (Channel, error) {
	if !i.Held() {
		return nil, fmt.Errorf("instance %s: %w", i.id, ErrLeaseReleased)
	}
	ch := i.channel.Load()
	if ch == nil {
		return nil, fmt.Errorf("instance %s: %w", i.id, ErrNotStarted)
	}
	return *ch, nil
}

// ProbeHealth issues one bounded liveness round trip and folds the outcome
// into the health state and failure counter. It never returns an error:
// probing runs unattended on a timer, so problems are reported through state,
// not exceptions.
//
// A successful probe resets the failure counter and recovers an unhealthy
// instance to healthy. A failed probe moves a healthy instance to unhealthy;
// FailureThreshold consecutive failures move it to dead.
func (i *Instance) ProbeHealth(ctx context.Context) {
	i.lastProbe.Store(time.Now().UnixNano())

	if i.Health() == HealthDead {
		return
	}
	ch := i.channel.Load()
	if ch == nil {
		// Started flag and channel cleared under startMu by Stop; nothing
		// left to probe.
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, i.settings.ProbeTimeout)
	err := (*ch).Probe(probeCtx)
	cancel()

	if err == nil {
		i.fails.Store(0)
		if h := i.Health(); h == HealthUnhealthy || h == HealthStarting {
			i.health.Store(int32(HealthHealthy))
			i.log.Info("instance recovered", "from", h.String())
		}
		return
	}

	n := int(i.fails.Add(1))
	switch {
	case n >= i.settings.FailureThreshold:
		i.health.Store(int32(HealthDead))
		i.log.Warn("instance declared dead",
			"consecutive_failures", n, "threshold", i.settings.FailureThreshold, "error", err)
	case i.Health() == HealthHealthy:
		i.health.Store(int32(HealthUnhealthy))
		i.log.Warn("instance unhealthy", "consecutive_failures", n, "error", err)
	default:
		i.log.Debug("probe failed", "consecutive_failures", n, "error", err)
	}
}
