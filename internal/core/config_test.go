package core

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestResolveDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Resolve(nil, nil, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Browser != "chromium" {
		t.Errorf("Browser = %q, want chromium", cfg.Browser)
	}
	if cfg.Caps != "vision,pdf" {
		t.Errorf("Caps = %q, want vision,pdf", cfg.Caps)
	}
	if cfg.ViewportSize != "1920x1080" {
		t.Errorf("ViewportSize = %q, want 1920x1080", cfg.ViewportSize)
	}
	if cfg.ImageResponses != "allow" {
		t.Errorf("ImageResponses = %q, want allow", cfg.ImageResponses)
	}
	if cfg.TimeoutAction != 15*time.Second {
		t.Errorf("TimeoutAction = %s, want 15s", cfg.TimeoutAction)
	}
	if cfg.TimeoutNavigation != 5*time.Second {
		t.Errorf("TimeoutNavigation = %s, want 5s", cfg.TimeoutNavigation)
	}
	if cfg.Headless || cfg.Isolated || cfg.SaveSession {
		t.Error("boolean options should default to false")
	}
}

func TestResolveTierPrecedence(t *testing.T) {
	t.Parallel()

	global := Options{OptBrowser: "chromium", OptHeadless: "true", OptCaps: "vision"}
	pool := Options{OptBrowser: "webkit", OptDevice: "iPhone 15"}
	instance := Options{OptBrowser: "firefox"}

	cfg, err := Resolve(global, pool, instance)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Browser != "firefox" {
		t.Errorf("Browser = %q, want firefox (instance tier wins)", cfg.Browser)
	}
	if cfg.Device != "iPhone 15" {
		t.Errorf("Device = %q, want pool-tier value", cfg.Device)
	}
	if !cfg.Headless {
		t.Error("Headless should survive from the global tier")
	}
	if cfg.Caps != "vision" {
		t.Errorf("Caps = %q, want vision", cfg.Caps)
	}
}

func TestResolveSiblingIsolation(t *testing.T) {
	t.Parallel()

	global := Options{OptBrowser: "chromium"}
	perInstance := map[int]Options{1: {OptBrowser: "firefox"}}

	first, err := Resolve(global, nil, perInstance[0])
	if err != nil {
		t.Fatalf("Resolve instance 0: %v", err)
	}
	second, err := Resolve(global, nil, perInstance[1])
	if err != nil {
		t.Fatalf("Resolve instance 1: %v", err)
	}
	if first.Browser != "chromium" {
		t.Errorf("instance 0 Browser = %q, want chromium", first.Browser)
	}
	if second.Browser != "firefox" {
		t.Errorf("instance 1 Browser = %q, want firefox", second.Browser)
	}
}

func TestResolveErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts Options
	}{
		{"unknown browser", Options{OptBrowser: "netscape"}},
		{"unknown option", Options{"browser_engine": "chromium"}},
		{"bad boolean", Options{OptHeadless: "maybe"}},
		{"bad viewport", Options{OptViewportSize: "wide"}},
		{"zero viewport dimension", Options{OptViewportSize: "0x600"}},
		{"negative timeout", Options{OptTimeoutAction: "-1"}},
		{"non-integer timeout", Options{OptTimeoutNavigation: "fast"}},
		{"bad image responses", Options{OptImageResponses: "deny"}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Resolve(nil, nil, tc.opts)
			if !errors.Is(err, ErrConfig) {
				t.Errorf("Resolve(%v) error = %v, want ErrConfig", tc.opts, err)
			}
		})
	}
}

func TestResolveReportsAllViolations(t *testing.T) {
	t.Parallel()

	_, err := Resolve(Options{OptBrowser: "netscape"}, Options{OptHeadless: "maybe"}, nil)
	if err == nil {
		t.Fatal("Resolve should fail")
	}
	for _, fragment := range []string{`"browser"`, `"headless"`} {
		if !strings.Contains(err.Error(), fragment) {
			t.Errorf("error %q should mention %s", err, fragment)
		}
	}
}

func TestBoolSpellings(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"true", "1", "yes", "on", "TRUE", "Yes"} {
		cfg, err := Resolve(Options{OptHeadless: raw}, nil, nil)
		if err != nil {
			t.Fatalf("Resolve(headless=%q): %v", raw, err)
		}
		if !cfg.Headless {
			t.Errorf("headless=%q should parse true", raw)
		}
	}
	for _, raw := range []string{"false", "0", "no", "off"} {
		cfg, err := Resolve(Options{OptHeadless: raw}, nil, nil)
		if err != nil {
			t.Fatalf("Resolve(headless=%q): %v", raw, err)
		}
		if cfg.Headless {
			t.Errorf("headless=%q should parse false", raw)
		}
	}
}

func TestNormalizeName(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"Default", "default"},
		{"  CHROME-pool ", "chrome-pool"},
		{"", ""},
		{"   ", ""},
	}
	for _, tc := range tests {
		if got := NormalizeName(tc.in); got != tc.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPoolConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     PoolConfig
		wantErr bool
	}{
		{"valid", PoolConfig{Name: "a", Instances: 2}, false},
		{"valid with aliases", PoolConfig{Name: "a", Instances: 2, Aliases: map[string]int{"fast": 0, "slow": 1}}, false},
		{"empty name", PoolConfig{Name: "  ", Instances: 1}, true},
		{"zero instances", PoolConfig{Name: "a", Instances: 0}, true},
		{"alias out of range", PoolConfig{Name: "a", Instances: 1, Aliases: map[string]int{"x": 3}}, true},
		{"empty alias", PoolConfig{Name: "a", Instances: 1, Aliases: map[string]int{"": 0}}, true},
		{"two aliases one index", PoolConfig{Name: "a", Instances: 1, Aliases: map[string]int{"x": 0, "y": 0}}, true},
		{"instance options out of range", PoolConfig{Name: "a", Instances: 1, InstanceOptions: map[int]Options{2: {}}}, true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if tc.wantErr && !errors.Is(err, ErrConfig) {
				t.Errorf("Validate() = %v, want ErrConfig", err)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestManagerConfigValidate(t *testing.T) {
	t.Parallel()

	valid := func() ManagerConfig {
		return ManagerConfig{
			Pools:          []PoolConfig{{Name: "a", Instances: 1, Default: true}},
			HealthInterval: time.Second,
			LeaseTimeout:   time.Second,
			Settings:       testSettings(),
			Launcher:       &fakeLauncher{},
		}
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*ManagerConfig)
	}{
		{"no pools", func(c *ManagerConfig) { c.Pools = nil }},
		{"no default", func(c *ManagerConfig) { c.Pools[0].Default = false }},
		{"two defaults", func(c *ManagerConfig) {
			c.Pools = append(c.Pools, PoolConfig{Name: "b", Instances: 1, Default: true})
		}},
		{"duplicate names after normalization", func(c *ManagerConfig) {
			c.Pools = append(c.Pools, PoolConfig{Name: " A ", Instances: 1})
		}},
		{"zero health interval", func(c *ManagerConfig) { c.HealthInterval = 0 }},
		{"zero lease timeout", func(c *ManagerConfig) { c.LeaseTimeout = 0 }},
		{"nil launcher", func(c *ManagerConfig) { c.Launcher = nil }},
		{"bad settings", func(c *ManagerConfig) { c.Settings.FailureThreshold = 0 }},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tc.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrConfig) {
				t.Errorf("Validate() = %v, want ErrConfig", err)
			}
		})
	}
}
