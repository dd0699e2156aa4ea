package core

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// maxConcurrentProbes bounds the probe fan-out per supervisor cycle so a
// large deployment does not burst-probe every worker at once.
const maxConcurrentProbes = 8

// supervisor runs the periodic health loop: it probes idle instances,
// leaves leased ones alone, and replaces dead ones in pools that allow
// respawn. All work is best-effort; failures are folded into instance state
// and logged, never propagated.
type supervisor struct {
	pools    []*Pool
	interval time.Duration
	settings InstanceSettings
	log      *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	running atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once

	// respawns tracks in-flight replacement goroutines so stop can wait for
	// them instead of leaving half-installed instances behind.
	respawns sync.WaitGroup
}

func newSupervisor(pools []*Pool, interval time.Duration, settings InstanceSettings) *supervisor {
	return &supervisor{
		pools:    pools,
		interval: interval,
		settings: settings,
		log:      Logger().With("component", "supervisor"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (s *supervisor) start() {
	s.startOnce.Do(func() {
		s.running.Store(true)
		go s.run()
	})
}

// stop halts the loop and waits for the current cycle and any in-flight
// respawns to finish. Safe to call without start having run.
func (s *supervisor) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.running.Load() {
		<-s.doneCh
	}
	s.respawns.Wait()
}

func (s *supervisor) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.cycle(context.Background())
		}
	}
}

// cycle probes every idle instance once, bounded by maxConcurrentProbes.
// Instances that are leased when the cycle reaches them are skipped, not
// awaited: a probe must never contend with a caller for the channel.
func (s *supervisor) cycle(ctx context.Context) {
	g := new(errgroup.Group)
	g.SetLimit(maxConcurrentProbes)

	for _, pool := range s.pools {
		pool := pool
		for _, inst := range pool.Instances() {
			inst := inst
			if inst.Health() == HealthDead {
				s.maybeRespawn(pool, inst)
				continue
			}
			ticket, ok := pool.beginProbe(inst)
			if !ok {
				continue
			}
			g.Go(func() error {
				inst.ProbeHealth(ctx)
				pool.endProbe(inst, ticket)
				if inst.Health() == HealthDead {
					s.maybeRespawn(pool, inst)
				}
				return nil
			})
		}
	}
	_ = g.Wait()
}

// maybeRespawn claims the dead instance's slot and, if the claim succeeds,
// replaces it asynchronously. At most one replacement per slot is in flight.
func (s *supervisor) maybeRespawn(pool *Pool, dead *Instance) {
	if !pool.claimRespawn(dead) {
		return
	}
	s.respawns.Add(1)
	go func() {
		defer s.respawns.Done()
		s.respawn(pool, dead)
	}()
}

// respawn stops the dead instance's process, then builds and starts a fresh
// instance for the same slot with the same resolved configuration. A failed
// attempt drops the claim so the next cycle retries.
func (s *supervisor) respawn(pool *Pool, dead *Instance) {
	index := dead.Index()
	log := s.log.With("pool", pool.Name(), "index", index, "old_instance", dead.ID())

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*s.settings.StopTimeout)
	if err := dead.Stop(stopCtx); err != nil {
		log.Warn("stopping dead instance", "error", err)
	}
	cancel()

	repl := pool.buildReplacement(index)
	startCtx, cancel := context.WithTimeout(context.Background(), 2*s.settings.StartTimeout)
	defer cancel()
	if err := repl.Start(startCtx); err != nil {
		log.Warn("respawn attempt failed", "error", err)
		pool.completeRespawn(index, nil)
		return
	}

	if !pool.completeRespawn(index, repl) {
		// Pool closed while the replacement was starting.
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*s.settings.StopTimeout)
		defer cancel()
		if err := repl.Stop(stopCtx); err != nil {
			log.Warn("stopping orphaned replacement", "error", err)
		}
		return
	}
	log.Info("instance respawned", "new_instance", repl.ID())
}
