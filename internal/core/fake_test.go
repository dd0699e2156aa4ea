package core

import (
	"context"
	"sync"
	"time"
)

// fakeChannel is a controllable Channel for tests. Probe outcomes are set
// through setProbeErr; calls echo back through callFn when set.
type fakeChannel struct {
	mu       sync.Mutex
	probeErr error
	callFn   func(method string, params []byte) ([]byte, error)
	closed   bool
	probes   int
}

func (c *fakeChannel) Call(_ context.Context, method string, params []byte) ([]byte, error) {
	c.mu.Lock()
	fn := c.callFn
	c.mu.Unlock()
	if fn == nil {
		return []byte(`{}`), nil
	}
	return fn(method, params)
}

func (c *fakeChannel) Probe(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes++
	return c.probeErr
}

func (c *fakeChannel) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) setProbeErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probeErr = err
}

func (c *fakeChannel) probeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.probes
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeLauncher hands out fakeChannels and records them in launch order.
type fakeLauncher struct {
	mu        sync.Mutex
	launchErr error
	launched  []*fakeChannel
}

func (l *fakeLauncher) Launch(context.Context, ResolvedConfig) (Channel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	ch := &fakeChannel{}
	l.launched = append(l.launched, ch)
	return ch, nil
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

func (l *fakeLauncher) setLaunchErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launchErr = err
}

// channelOf returns the fakeChannel behind a started instance. Pools start
// their instances in parallel, so fakeLauncher.launched order does not map
// to instance indexes; this does.
func channelOf(t testingT, inst *Instance) *fakeChannel {
	t.Helper()
	ch := inst.channel.Load()
	if ch == nil {
		t.Fatalf("instance %s has no channel", inst.ID())
	}
	fc, ok := (*ch).(*fakeChannel)
	if !ok {
		t.Fatalf("instance %s has a non-fake channel", inst.ID())
	}
	return fc
}

func testSettings() InstanceSettings {
	return InstanceSettings{
		StartTimeout:     time.Second,
		StopTimeout:      time.Second,
		ProbeTimeout:     time.Second,
		FailureThreshold: 3,
	}
}

func testPoolConfig(name string, instances int) PoolConfig {
	return PoolConfig{Name: name, Instances: instances, Default: true}
}

// newStartedPool builds and starts a pool backed by a fresh fakeLauncher.
func newStartedPool(t testingT, cfg PoolConfig) (*Pool, *fakeLauncher) {
	t.Helper()
	launcher := &fakeLauncher{}
	pool, err := NewPool(cfg, nil, testSettings(), launcher)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return pool, launcher
}

// testingT is the slice of *testing.T the helpers need.
type testingT interface {
	Helper()
	Fatalf(format string, args ...any)
}
