package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testManagerConfig(launcher Launcher, pools ...PoolConfig) ManagerConfig {
	return ManagerConfig{
		Pools:          pools,
		HealthInterval: time.Hour, // keep the supervisor quiet unless a test wants it
		LeaseTimeout:   time.Second,
		Settings:       testSettings(),
		Launcher:       launcher,
	}
}

func newStartedManager(t *testing.T, pools ...PoolConfig) *Manager {
	t.Helper()
	m, err := NewManager(testManagerConfig(&fakeLauncher{}, pools...))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	t.Cleanup(func() { _ = m.StopAll() })
	return m
}

func TestManagerGetPool(t *testing.T) {
	t.Parallel()

	m := newStartedManager(t,
		PoolConfig{Name: "Chrome-Pool", Instances: 1, Default: true},
		PoolConfig{Name: "firefox", Instances: 1},
	)

	// Lookup is case-insensitive against the normalized name.
	for _, name := range []string{"chrome-pool", "Chrome-Pool", "CHROME-POOL"} {
		p, err := m.GetPool(name)
		if err != nil {
			t.Fatalf("GetPool(%q): %v", name, err)
		}
		if p.Name() != "chrome-pool" {
			t.Fatalf("GetPool(%q).Name() = %q", name, p.Name())
		}
	}

	// Empty name routes to the default pool.
	p, err := m.GetPool("")
	if err != nil {
		t.Fatalf(`GetPool(""): %v`, err)
	}
	if p.Name() != "chrome-pool" {
		t.Fatalf("default pool = %q, want chrome-pool", p.Name())
	}

	if _, err := m.GetPool("nonexistent"); !errors.Is(err, ErrPoolNotFound) {
		t.Fatalf("GetPool(nonexistent) = %v, want ErrPoolNotFound", err)
	}
}

func TestManagerGetPoolBeforeStart(t *testing.T) {
	t.Parallel()

	m, err := NewManager(testManagerConfig(&fakeLauncher{},
		PoolConfig{Name: "a", Instances: 1, Default: true}))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := m.GetPool("a"); !errors.Is(err, ErrManagerNotStarted) {
		t.Fatalf("GetPool before StartAll = %v, want ErrManagerNotStarted", err)
	}
}

func TestManagerRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := NewManager(ManagerConfig{})
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("NewManager(zero) = %v, want ErrConfig", err)
	}
}

func TestManagerIsolatesMisconfiguredPool(t *testing.T) {
	t.Parallel()

	m, err := NewManager(testManagerConfig(&fakeLauncher{},
		PoolConfig{Name: "good", Instances: 1, Default: true},
		PoolConfig{Name: "bad", Instances: 1, Options: Options{OptBrowser: "netscape"}},
	))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	// StartAll surfaces the construction failure but the good pool serves.
	startErr := m.StartAll(context.Background())
	t.Cleanup(func() { _ = m.StopAll() })
	if !errors.Is(startErr, ErrConfig) {
		t.Fatalf("StartAll = %v, want joined ErrConfig", startErr)
	}

	if _, err := m.GetPool("good"); err != nil {
		t.Fatalf("GetPool(good): %v", err)
	}
	if _, err := m.GetPool("bad"); !errors.Is(err, ErrPoolNotFound) {
		t.Fatalf("GetPool(bad) = %v, want ErrPoolNotFound", err)
	}
}

func TestManagerAllPoolsMisconfigured(t *testing.T) {
	t.Parallel()

	_, err := NewManager(testManagerConfig(&fakeLauncher{},
		PoolConfig{Name: "bad", Instances: 1, Default: true, Options: Options{OptBrowser: "netscape"}},
	))
	if err == nil {
		t.Fatal("NewManager should fail when no pool is usable")
	}
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("NewManager = %v, want ErrConfig", err)
	}
}

func TestManagerDegradedStartup(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	launcher.setLaunchErr(errors.New("no browsers here"))
	m, err := NewManager(testManagerConfig(launcher,
		PoolConfig{Name: "a", Instances: 2, Default: true}))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	startErr := m.StartAll(context.Background())
	t.Cleanup(func() { _ = m.StopAll() })
	if startErr == nil {
		t.Fatal("StartAll should report the launch failures")
	}

	// The manager still runs; the pool is just degraded.
	p, err := m.GetPool("a")
	if err != nil {
		t.Fatalf("GetPool after degraded startup: %v", err)
	}
	st := p.Status()
	if !st.Degraded || st.Healthy != 0 || st.Dead != 2 {
		t.Fatalf("Status = %+v, want Degraded with 2 dead", st)
	}
}

func TestManagerStopAll(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	m, err := NewManager(testManagerConfig(launcher,
		PoolConfig{Name: "a", Instances: 2, Default: true}))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	if err := m.StopAll(); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	for i, ch := range launcher.launched {
		if !ch.isClosed() {
			t.Errorf("channel %d not closed by StopAll", i)
		}
	}

	if _, err := m.GetPool("a"); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("GetPool after StopAll = %v, want ErrShuttingDown", err)
	}
	// Idempotent.
	if err := m.StopAll(); err != nil {
		t.Fatalf("second StopAll: %v", err)
	}
}

func TestManagerStatus(t *testing.T) {
	t.Parallel()

	m := newStartedManager(t,
		PoolConfig{Name: "a", Instances: 2, Default: true},
		PoolConfig{Name: "b", Instances: 1},
	)

	statuses := m.Status()
	if len(statuses) != 2 {
		t.Fatalf("Status returned %d pools, want 2", len(statuses))
	}
	if statuses[0].Name != "a" || statuses[1].Name != "b" {
		t.Fatalf("Status order = %q, %q; want configuration order", statuses[0].Name, statuses[1].Name)
	}
	if statuses[0].Total != 2 || statuses[1].Total != 1 {
		t.Fatalf("totals = %d, %d", statuses[0].Total, statuses[1].Total)
	}
}
