package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/playmux/playmux/internal/sentinel"
)

const (
	// ErrPoolClosed is returned when Lease is called on a closed pool
	// (e.g., during shutdown), or delivered to waiters when the pool closes
	// underneath them.
	ErrPoolClosed = sentinel.Error("pool is closed")

	// ErrInstanceNotFound is returned by Lease when an explicit selector
	// names an index or alias that does not exist in the pool.
	ErrInstanceNotFound = sentinel.Error("instance not found in pool")

	// ErrInstanceUnhealthy is returned by Lease when an explicit selector
	// names an instance that is not currently healthy. Explicit selection
	// fails fast instead of waiting: the caller, not the pool, decides
	// whether to retry.
	ErrInstanceUnhealthy = sentinel.Error("instance is not healthy")
)

// selectorKind discriminates Selector values.
type selectorKind int

const (
	selAny selectorKind = iota
	selIndex
	selAlias
)

// Selector names the instance a lease request targets. The zero value (or
// AnyInstance) requests FIFO selection among idle healthy instances; ByIndex
// and ByAlias request one specific instance.
type Selector struct {
	kind  selectorKind
	index int
	alias string
}

// AnyInstance returns the selector for FIFO selection among idle healthy
// instances.
func AnyInstance() Selector { return Selector{} }

// ByIndex returns a selector for the instance at the given pool index.
func ByIndex(index int) Selector { return Selector{kind: selIndex, index: index} }

// ByAlias returns a selector for the instance carrying the given alias.
func ByAlias(alias string) Selector { return Selector{kind: selAlias, alias: alias} }

// Explicit reports whether the selector names a specific instance.
func (s Selector) Explicit() bool { return s.kind != selAny }

// String describes the selector for error messages and logs.
func (s Selector) String() string {
	switch s.kind {
	case selIndex:
		return fmt.Sprintf("index %d", s.index)
	case selAlias:
		return fmt.Sprintf("alias %q", s.alias)
	default:
		return "any"
	}
}

// grant is the result delivered to a waiting lease request. Exactly one of
// inst or err is set.
type grant struct {
	inst  *Instance
	token uint64
	err   error
}

// waiter is one pending lease request. The channel is buffered so the
// granting goroutine never blocks; idx records which queue the waiter sits
// in (-1 for the pool-wide FIFO) so cancellation can remove it.
type waiter struct {
	ch  chan grant
	idx int
}

// probeTicket is the hold the supervisor takes on an idle instance while
// probing it. pos remembers the instance's position in the idle order so a
// probe does not cost the instance its idle seniority.
type probeTicket struct {
	token uint64
	pos   int
}

// PoolStatus is a point-in-time snapshot of a pool's instance accounting,
// exposed read-only for observability. Counts satisfy
//
//	Healthy + Unhealthy + Dead == Total
//
// with dead instances awaiting respawn reflected in PendingRespawn.
type PoolStatus struct {
	Name     string
	Degraded bool

	Total          int
	Healthy        int
	Unhealthy      int
	Dead           int
	Leased         int
	Available      int
	PendingRespawn int
}

// Pool mediates fair, exclusive access to a fixed set of instances.
//
// Fairness: lease requests with an unspecified selector are granted in strict
// request order, each receiving the instance that became idle earliest.
// Explicit-selector requests wait in a per-instance FIFO and take precedence
// over pool-wide waiters for that one instance only; pool-wide waiters remain
// eligible for every other instance, which bounds the interference explicit
// traffic can cause.
//
// Mutual exclusion: the idle→leased transition happens under mu as part of
// the same operation that satisfies a wait, so no two requests can be handed
// the same instance. The generation counter on Instance is a second,
// CAS-based guard.
//
// Safe for concurrent use by multiple goroutines.
type Pool struct {
	name    string
	respawn bool
	// factory rebuilds an instance for a slot from the cached resolved
	// configuration, keeping respawn reproducible.
	factory func(index int) *Instance
	log     *slog.Logger

	// mu protects every field below.
	mu sync.Mutex
	// instances holds the current occupant of each slot, insertion order
	// preserved; this order is the FIFO tie-break among equally idle
	// instances at startup.
	instances []*Instance
	aliases   map[string]int
	// idle is ordered by time of becoming idle; the front is the
	// longest-idle instance.
	idle []*Instance
	// waiters is the pool-wide FIFO of unspecified-selector requests.
	waiters []*waiter
	// instWaiters holds the per-instance FIFO of explicit-selector requests,
	// keyed by slot index.
	instWaiters map[int][]*waiter
	// leased counts outstanding caller leases (probe holds excluded).
	leased     int
	respawning map[int]bool
	degraded   bool
	closed     bool
}

// NewPool builds a pool and its (unstarted) instances. The effective
// configuration of every instance is resolved here, once, from the three-tier
// override chain; a resolution failure fails the whole pool — and only this
// pool — with an error wrapping ErrConfig.
func NewPool(cfg PoolConfig, global Options, settings InstanceSettings, launcher Launcher) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pool %q: %w", cfg.Name, err)
	}
	if launcher == nil {
		panic("playmux: NewPool launcher must not be nil")
	}

	name := NormalizeName(cfg.Name)

	resolved := make([]ResolvedConfig, cfg.Instances)
	for idx := 0; idx < cfg.Instances; idx++ {
		rc, err := Resolve(global, cfg.Options, cfg.InstanceOptions[idx])
		if err != nil {
			return nil, fmt.Errorf("pool %q instance %d: %w", name, idx, err)
		}
		resolved[idx] = rc
	}

	aliasByIndex := make(map[int]string, len(cfg.Aliases))
	aliases := make(map[string]int, len(cfg.Aliases))
	for alias, idx := range cfg.Aliases {
		aliasByIndex[idx] = alias
		aliases[alias] = idx
	}

	p := &Pool{
		name:        name,
		respawn:     cfg.Respawn,
		aliases:     aliases,
		instWaiters: make(map[int][]*waiter),
		respawning:  make(map[int]bool),
		log:         Logger().With("pool", name),
	}
	p.factory = func(index int) *Instance {
		return NewInstance(NewInstanceParams{
			Pool:     name,
			Index:    index,
			Alias:    aliasByIndex[index],
			Config:   resolved[index],
			Settings: settings,
			Launcher: launcher,
		})
	}

	p.instances = make([]*Instance, cfg.Instances)
	for idx := 0; idx < cfg.Instances; idx++ {
		p.instances[idx] = p.factory(idx)
	}

	return p, nil
}

// Name returns the pool's normalized name.
func (p *Pool) Name() string { return p.name }

// RespawnEnabled reports whether dead instances may be replaced.
func (p *Pool) RespawnEnabled() bool { return p.respawn }

// Instances returns a copy of the current slot occupants.
func (p *Pool) Instances() []*Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.instances)
}

// Start launches every instance in parallel. Instances that start
// successfully enter the idle set immediately, so a pool with partial
// startup failures still serves leases from its healthy instances; the pool
// is marked degraded and the per-instance errors are returned joined.
func (p *Pool) Start(ctx context.Context) error {
	instances := p.Instances()
	startErrs := make([]error, len(instances))
	var wg sync.WaitGroup
	for idx, inst := range instances {
		wg.Add(1)
		go func(pos int, inst *Instance) {
			defer wg.Done()
			if err := inst.Start(ctx); err != nil {
				startErrs[pos] = err
				return
			}
			p.enqueueIdle(inst)
		}(idx, inst)
	}
	wg.Wait()

	if err := errors.Join(startErrs...); err != nil {
		p.mu.Lock()
		p.degraded = true
		p.mu.Unlock()
		return fmt.Errorf("pool %q degraded: %w", p.name, err)
	}
	return nil
}

// enqueueIdle places a freshly started instance at the back of the idle
// order and serves any eligible waiter.
func (p *Pool) enqueueIdle(inst *Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.idle = append(p.idle, inst)
	p.wakeLocked()
}

// Lease acquires exclusive access to one instance.
//
// With an unspecified selector the caller waits, in strict request order
// relative to other unspecified-selector waiters, until an instance is both
// idle and healthy; the longest-idle eligible instance is granted.
//
// With an explicit selector the named instance is awaited even if others are
// idle, but only if it is currently healthy: otherwise Lease fails fast with
// ErrInstanceUnhealthy. A selector naming an unknown index or alias fails
// immediately with ErrInstanceNotFound.
//
// Cancellation of a waiting request removes it from its wait queue without
// side effects; a grant that races the cancellation is returned to the pool.
func (p *Pool) Lease(ctx context.Context, sel Selector) (*Instance, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, fmt.Errorf("context done before lease: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, 0, ErrPoolClosed
	}

	if !sel.Explicit() {
		// Serve immediately only when no earlier waiter is queued;
		// otherwise this request would overtake the FIFO.
		if len(p.waiters) == 0 {
			if inst, token, ok := p.takeLongestIdleLocked(); ok {
				p.mu.Unlock()
				return inst, token, nil
			}
		}
		w := &waiter{ch: make(chan grant, 1), idx: -1}
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()
		return p.await(ctx, w)
	}

	idx, err := p.resolveSelectorLocked(sel)
	if err != nil {
		p.mu.Unlock()
		return nil, 0, err
	}
	inst := p.instances[idx]
	if inst.Health() != HealthHealthy {
		p.mu.Unlock()
		return nil, 0, fmt.Errorf("pool %q, %s (%s): %w", p.name, sel, inst.Health(), ErrInstanceUnhealthy)
	}
	if len(p.instWaiters[idx]) == 0 {
		if pos := slices.Index(p.idle, inst); pos >= 0 {
			p.idle = slices.Delete(p.idle, pos, pos+1)
			token, grantErr := p.leaseLocked(inst)
			p.mu.Unlock()
			if grantErr != nil {
				return nil, 0, grantErr
			}
			return inst, token, nil
		}
	}
	w := &waiter{ch: make(chan grant, 1), idx: idx}
	p.instWaiters[idx] = append(p.instWaiters[idx], w)
	p.mu.Unlock()
	return p.await(ctx, w)
}

// await blocks until the waiter is granted, the pool closes, or the context
// is done. On cancellation the waiter is removed from its queue; a grant
// that was already in flight is handed back to the pool.
func (p *Pool) await(ctx context.Context, w *waiter) (*Instance, uint64, error) {
	select {
	case g := <-w.ch:
		if g.err != nil {
			return nil, 0, g.err
		}
		return g.inst, g.token, nil
	case <-ctx.Done():
		p.mu.Lock()
		p.removeWaiterLocked(w)
		p.mu.Unlock()
		// The grant may have been delivered between ctx firing and the
		// removal above. Return it so it is not lost.
		select {
		case g := <-w.ch:
			if g.err == nil {
				p.ungrant(g)
			}
		default:
		}
		return nil, 0, fmt.Errorf("context done while waiting for instance: %w", ctx.Err())
	}
}

// Release returns a leased instance to the pool. A healthy (or recoverably
// unhealthy) instance rejoins the back of the idle order and may satisfy a
// waiter; a dead instance is left out for the supervisor's respawn path.
//
// A release with a stale token is ignored: double release is tolerated as a
// no-op so defensive cleanup code cannot corrupt the accounting.
func (p *Pool) Release(inst *Instance, token uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !inst.markIdle(token) {
		p.log.Warn("ignoring duplicate release", "instance", inst.ID())
		return
	}
	p.leased--

	if p.closed {
		return
	}
	if inst.Health() == HealthDead {
		p.reapLocked(inst)
		return
	}
	p.idle = append(p.idle, inst)
	p.wakeLocked()
}

// Status returns a consistent snapshot of the pool's instance accounting.
func (p *Pool) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := PoolStatus{
		Name:     p.name,
		Degraded: p.degraded,
		Total:    len(p.instances),
		Leased:   p.leased,
	}
	for _, inst := range p.instances {
		switch inst.Health() {
		case HealthHealthy:
			st.Healthy++
		case HealthUnhealthy:
			st.Unhealthy++
		case HealthDead, HealthStarting:
			st.Dead++
		}
	}
	for _, inst := range p.idle {
		if inst.Health() == HealthHealthy {
			st.Available++
		}
	}
	for range p.respawning {
		st.PendingRespawn++
	}
	return st
}

// Close marks the pool closed and fails every queued waiter with
// ErrPoolClosed. Stopping the instances is the manager's job. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, w := range p.waiters {
		w.ch <- grant{err: ErrPoolClosed}
	}
	p.waiters = nil
	for idx, q := range p.instWaiters {
		for _, w := range q {
			w.ch <- grant{err: ErrPoolClosed}
		}
		delete(p.instWaiters, idx)
	}
	p.idle = nil
}

// resolveSelectorLocked maps an explicit selector to a slot index.
func (p *Pool) resolveSelectorLocked(sel Selector) (int, error) {
	switch sel.kind {
	case selIndex:
		if sel.index < 0 || sel.index >= len(p.instances) {
			return 0, fmt.Errorf("pool %q, %s: %w", p.name, sel, ErrInstanceNotFound)
		}
		return sel.index, nil
	case selAlias:
		idx, ok := p.aliases[sel.alias]
		if !ok {
			return 0, fmt.Errorf("pool %q, %s: %w", p.name, sel, ErrInstanceNotFound)
		}
		return idx, nil
	default:
		panic("playmux: resolveSelectorLocked called with unspecified selector")
	}
}

// takeLongestIdleLocked removes and leases the longest-idle healthy
// instance. Unhealthy instances keep their place in the idle order so they
// regain seniority if they recover.
func (p *Pool) takeLongestIdleLocked() (*Instance, uint64, bool) {
	for pos, inst := range p.idle {
		if inst.Health() != HealthHealthy {
			continue
		}
		p.idle = slices.Delete(p.idle, pos, pos+1)
		token, err := p.leaseLocked(inst)
		if err != nil {
			return nil, 0, false
		}
		return inst, token, true
	}
	return nil, 0, false
}

// leaseLocked transitions an instance to leased and bumps the outstanding
// lease count. The markLeased CAS cannot fail under mu unless there is a
// bookkeeping bug; it is surfaced rather than swallowed.
func (p *Pool) leaseLocked(inst *Instance) (uint64, error) {
	token, err := inst.markLeased()
	if err != nil {
		p.log.Error("lease state out of sync", "instance", inst.ID(), "error", err)
		return 0, err
	}
	p.leased++
	return token, nil
}

// wakeLocked grants queued waiters while eligible instances are idle.
// Explicit waiters are served first for their own instance; then the
// pool-wide FIFO drains against the remaining idle order.
func (p *Pool) wakeLocked() {
	for pos := 0; pos < len(p.idle); {
		inst := p.idle[pos]
		q := p.instWaiters[inst.Index()]
		if len(q) == 0 || inst.Health() != HealthHealthy {
			pos++
			continue
		}
		p.popInstWaiterLocked(inst.Index())
		p.idle = slices.Delete(p.idle, pos, pos+1)
		p.grantLocked(inst, q[0])
		// Do not advance pos: deletion shifted the next candidate into it.
	}

	for len(p.waiters) > 0 {
		inst, token, ok := p.takeLongestIdleLocked()
		if !ok {
			return
		}
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w.ch <- grant{inst: inst, token: token}
	}
}

// grantLocked completes a grant to an explicit waiter.
func (p *Pool) grantLocked(inst *Instance, w *waiter) {
	token, err := p.leaseLocked(inst)
	if err != nil {
		w.ch <- grant{err: err}
		return
	}
	w.ch <- grant{inst: inst, token: token}
}

// popInstWaiterLocked removes the head of an instance's explicit queue,
// dropping the map entry when the queue empties.
func (p *Pool) popInstWaiterLocked(idx int) {
	q := p.instWaiters[idx]
	if len(q) <= 1 {
		delete(p.instWaiters, idx)
		return
	}
	p.instWaiters[idx] = q[1:]
}

// removeWaiterLocked removes a cancelled waiter from its queue. Absence is
// fine: the waiter was already granted or the pool closed.
func (p *Pool) removeWaiterLocked(w *waiter) {
	if w.idx < 0 {
		if pos := slices.Index(p.waiters, w); pos >= 0 {
			p.waiters = slices.Delete(p.waiters, pos, pos+1)
		}
		return
	}
	q := p.instWaiters[w.idx]
	if pos := slices.Index(q, w); pos >= 0 {
		q = slices.Delete(q, pos, pos+1)
		if len(q) == 0 {
			delete(p.instWaiters, w.idx)
		} else {
			p.instWaiters[w.idx] = q
		}
	}
}

// ungrant hands back a grant that raced a cancellation. The instance never
// ran caller work, so it rejoins the front of the idle order rather than
// losing its seniority.
func (p *Pool) ungrant(g grant) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !g.inst.markIdle(g.token) {
		return
	}
	p.leased--
	if p.closed {
		return
	}
	if g.inst.Health() == HealthDead {
		p.reapLocked(g.inst)
		return
	}
	p.idle = slices.Insert(p.idle, 0, g.inst)
	p.wakeLocked()
}

// reapLocked fails the explicit waiters of a dead instance, provided it is
// still the slot's occupant (a respawned replacement can serve them instead).
func (p *Pool) reapLocked(inst *Instance) {
	idx := inst.Index()
	if idx < 0 || idx >= len(p.instances) || p.instances[idx] != inst {
		return
	}
	for _, w := range p.instWaiters[idx] {
		w.ch <- grant{err: fmt.Errorf("pool %q, index %d died while awaited: %w", p.name, idx, ErrInstanceUnhealthy)}
	}
	delete(p.instWaiters, idx)
}

// beginProbe takes the supervisor's hold on an idle instance so a probe can
// never share the channel with a lease. Returns false when the instance is
// not currently idle (leased, probing, or dead) — the probe is skipped for
// this cycle, not awaited.
func (p *Pool) beginProbe(inst *Instance) (probeTicket, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return probeTicket{}, false
	}
	pos := slices.Index(p.idle, inst)
	if pos < 0 {
		return probeTicket{}, false
	}
	if inst.Health() == HealthDead {
		// Defensive: dead instances are removed from the idle order on the
		// transition, so this should be unreachable.
		p.idle = slices.Delete(p.idle, pos, pos+1)
		p.reapLocked(inst)
		return probeTicket{}, false
	}
	token, err := inst.markLeased()
	if err != nil {
		p.log.Error("probe hold out of sync", "instance", inst.ID(), "error", err)
		return probeTicket{}, false
	}
	p.idle = slices.Delete(p.idle, pos, pos+1)
	return probeTicket{token: token, pos: pos}, true
}

// endProbe releases the supervisor's hold. A surviving instance is
// reinserted at its original idle position so probing does not reorder the
// FIFO; a dead one stays out for the respawn path.
func (p *Pool) endProbe(inst *Instance, t probeTicket) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !inst.markIdle(t.token) {
		p.log.Error("probe release out of sync", "instance", inst.ID())
		return
	}
	if p.closed {
		return
	}
	if inst.Health() == HealthDead {
		p.reapLocked(inst)
		return
	}
	pos := min(t.pos, len(p.idle))
	p.idle = slices.Insert(p.idle, pos, inst)
	p.wakeLocked()
}

// claimRespawn marks a dead instance's slot as being replaced. Returns false
// if respawn is disabled, the pool is closed, the slot was already replaced,
// or a replacement is already in flight. Claiming also fails the dead
// instance's queued explicit waiters.
func (p *Pool) claimRespawn(inst *Instance) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || !p.respawn {
		return false
	}
	idx := inst.Index()
	if idx < 0 || idx >= len(p.instances) || p.instances[idx] != inst {
		return false
	}
	if p.respawning[idx] {
		return false
	}
	p.respawning[idx] = true
	p.reapLocked(inst)
	return true
}

// buildReplacement constructs a fresh, unstarted instance for a slot from
// the same resolved configuration as the original.
func (p *Pool) buildReplacement(index int) *Instance {
	return p.factory(index)
}

// completeRespawn installs a started replacement into its slot (inst may be
// nil when the respawn attempt failed; the claim is dropped so the next
// supervisor cycle retries). Returns false if the replacement was not
// accepted, in which case the caller owns stopping it.
func (p *Pool) completeRespawn(index int, inst *Instance) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.respawning, index)
	if inst == nil || p.closed {
		return false
	}
	p.instances[index] = inst
	p.idle = append(p.idle, inst)
	p.wakeLocked()
	return true
}
