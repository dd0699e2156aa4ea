package core

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/playmux/playmux/internal/sentinel"
)

// ErrConfig is returned when an option resolves to a value outside its
// declared domain (unknown browser engine, malformed viewport, negative
// timeout) or when a pool definition is structurally invalid.
const ErrConfig = sentinel.Error("invalid configuration")

// Options is a flat mapping of option keys to raw string values for one
// configuration tier (global, pool, or instance-index). Parsing environment
// or file syntax into these maps is the caller's job; the resolver only
// merges and validates them.
type Options map[string]string

// Recognized option keys. These mirror the flags accepted by the
// playwright-mcp worker process.
const (
	OptBrowser           = "browser"
	OptHeadless          = "headless"
	OptNoSandbox         = "no_sandbox"
	OptDevice            = "device"
	OptViewportSize      = "viewport_size"
	OptIsolated          = "isolated"
	OptUserDataDir       = "user_data_dir"
	OptStorageState      = "storage_state"
	OptAllowedOrigins    = "allowed_origins"
	OptBlockedOrigins    = "blocked_origins"
	OptProxyServer       = "proxy_server"
	OptCaps              = "caps"
	OptSaveSession       = "save_session"
	OptSaveTrace         = "save_trace"
	OptSaveVideo         = "save_video"
	OptOutputDir         = "output_dir"
	OptTimeoutAction     = "timeout_action"
	OptTimeoutNavigation = "timeout_navigation"
	OptImageResponses    = "image_responses"
	OptUserAgent         = "user_agent"
	OptInitScript        = "init_script"
	OptIgnoreHTTPSErrors = "ignore_https_errors"
)

// Built-in defaults for keys undefined in every tier.
const (
	DefaultBrowser             = "chromium"
	DefaultCaps                = "vision,pdf"
	DefaultViewportSize        = "1920x1080"
	DefaultImageResponses      = "allow"
	DefaultTimeoutActionMS     = 15000
	DefaultTimeoutNavigationMS = 5000
)

// knownBrowsers is the set of accepted browser engine names.
var knownBrowsers = map[string]bool{
	"chromium": true,
	"chrome":   true,
	"firefox":  true,
	"webkit":   true,
	"msedge":   true,
}

// viewportRe matches WIDTHxHEIGHT viewport values, e.g. "1920x1080".
var viewportRe = regexp.MustCompile(`^[1-9][0-9]*x[1-9][0-9]*$`)

// ResolvedConfig is the effective launch configuration for one instance,
// computed once at construction time by Resolve. It is an immutable snapshot:
// respawning an instance re-runs Resolve on the same tiers and, because
// Resolve is pure, produces an identical result.
type ResolvedConfig struct {
	Browser      string
	Headless     bool
	NoSandbox    bool
	Device       string
	ViewportSize string

	Isolated     bool
	UserDataDir  string
	StorageState string

	AllowedOrigins string
	BlockedOrigins string
	ProxyServer    string

	Caps        string
	SaveSession bool
	SaveTrace   bool
	SaveVideo   string
	OutputDir   string

	TimeoutAction     time.Duration
	TimeoutNavigation time.Duration

	ImageResponses    string
	UserAgent         string
	InitScript        string
	IgnoreHTTPSErrors bool
}

// Resolve computes the effective configuration from the three-tier override
// chain: global defaults, pool overrides, instance-index overrides, in that
// precedence order (later wins). Keys undefined in every tier take the
// built-in defaults above.
//
// Resolve is pure: no side effects, deterministic for identical inputs. All
// violations are reported at once via errors.Join, each wrapped with
// ErrConfig.
func Resolve(global, pool, instance Options) (ResolvedConfig, error) {
	merged := make(Options, len(global)+len(pool)+len(instance))
	for _, tier := range []Options{global, pool, instance} {
		for k, v := range tier {
			merged[k] = v
		}
	}

	cfg := ResolvedConfig{
		Browser:           DefaultBrowser,
		Caps:              DefaultCaps,
		ViewportSize:      DefaultViewportSize,
		ImageResponses:    DefaultImageResponses,
		TimeoutAction:     DefaultTimeoutActionMS * time.Millisecond,
		TimeoutNavigation: DefaultTimeoutNavigationMS * time.Millisecond,
	}

	var errs []error
	fail := func(key string, format string, args ...any) {
		errs = append(errs, fmt.Errorf("option %q: %w: %s", key, ErrConfig, fmt.Sprintf(format, args...)))
	}

	for key, raw := range merged {
		switch key {
		case OptBrowser:
			if !knownBrowsers[raw] {
				fail(key, "unknown browser engine %q", raw)
				continue
			}
			cfg.Browser = raw
		case OptHeadless:
			setBool(&cfg.Headless, key, raw, fail)
		case OptNoSandbox:
			setBool(&cfg.NoSandbox, key, raw, fail)
		case OptDevice:
			cfg.Device = raw
		case OptViewportSize:
			if !viewportRe.MatchString(raw) {
				fail(key, "expected WIDTHxHEIGHT, got %q", raw)
				continue
			}
			cfg.ViewportSize = raw
		case OptIsolated:
			setBool(&cfg.Isolated, key, raw, fail)
		case OptUserDataDir:
			cfg.UserDataDir = raw
		case OptStorageState:
			cfg.StorageState = raw
		case OptAllowedOrigins:
			cfg.AllowedOrigins = raw
		case OptBlockedOrigins:
			cfg.BlockedOrigins = raw
		case OptProxyServer:
			cfg.ProxyServer = raw
		case OptCaps:
			cfg.Caps = raw
		case OptSaveSession:
			setBool(&cfg.SaveSession, key, raw, fail)
		case OptSaveTrace:
			setBool(&cfg.SaveTrace, key, raw, fail)
		case OptSaveVideo:
			cfg.SaveVideo = raw
		case OptOutputDir:
			cfg.OutputDir = raw
		case OptTimeoutAction:
			setMillis(&cfg.TimeoutAction, key, raw, fail)
		case OptTimeoutNavigation:
			setMillis(&cfg.TimeoutNavigation, key, raw, fail)
		case OptImageResponses:
			if raw != "allow" && raw != "omit" {
				fail(key, "must be \"allow\" or \"omit\", got %q", raw)
				continue
			}
			cfg.ImageResponses = raw
		case OptUserAgent:
			cfg.UserAgent = raw
		case OptInitScript:
			cfg.InitScript = raw
		case OptIgnoreHTTPSErrors:
			setBool(&cfg.IgnoreHTTPSErrors, key, raw, fail)
		default:
			fail(key, "unknown option")
		}
	}

	if len(errs) > 0 {
		return ResolvedConfig{}, errors.Join(errs...)
	}
	return cfg, nil
}

// setBool parses a boolean option value. Accepted spellings match the
// environment conventions of the worker: true/1/yes/on and false/0/no/off.
func setBool(dst *bool, key, raw string, fail func(string, string, ...any)) {
	switch strings.ToLower(raw) {
	case "true", "1", "yes", "on":
		*dst = true
	case "false", "0", "no", "off":
		*dst = false
	default:
		fail(key, "expected a boolean, got %q", raw)
	}
}

// setMillis parses a non-negative integer number of milliseconds.
func setMillis(dst *time.Duration, key, raw string, fail func(string, string, ...any)) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		fail(key, "expected an integer millisecond value, got %q", raw)
		return
	}
	if n < 0 {
		fail(key, "must not be negative, got %d", n)
		return
	}
	*dst = time.Duration(n) * time.Millisecond
}

// NormalizeName canonicalizes a pool name for registry lookups.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// PoolConfig describes one named pool of worker instances.
type PoolConfig struct {
	// Name identifies the pool. Lookups are case-insensitive; the normalized
	// form must be unique across the manager.
	Name string

	// Instances is the number of worker processes in the pool. Must be >= 1.
	Instances int

	// Default marks this pool as the target for lease requests that do not
	// name a pool. Exactly one pool per manager carries this flag.
	Default bool

	// Respawn permits the health supervisor to replace instances that have
	// died with freshly started ones at the same index and alias.
	Respawn bool

	// Options is the pool-level override tier.
	Options Options

	// InstanceOptions holds per-instance-index override tiers, keyed by index.
	InstanceOptions map[int]Options

	// Aliases maps alternative instance names to indexes. Alias names are
	// unique within the pool by construction (map keys); each target index
	// must be in range and carry at most one alias.
	Aliases map[string]int
}

// Validate checks the structural invariants of a single pool definition.
// Option-value validation happens later, in Resolve, where it can report the
// exact instance affected.
func (c PoolConfig) Validate() error {
	var errs []error

	if NormalizeName(c.Name) == "" {
		errs = append(errs, errors.New("pool name must not be empty"))
	}
	if c.Instances < 1 {
		errs = append(errs, fmt.Errorf("instance count must be at least 1, got %d", c.Instances))
	}
	for idx := range c.InstanceOptions {
		if idx < 0 || idx >= c.Instances {
			errs = append(errs, fmt.Errorf("instance options index %d out of range [0,%d)", idx, c.Instances))
		}
	}
	seen := make(map[int]string, len(c.Aliases))
	for alias, idx := range c.Aliases {
		if strings.TrimSpace(alias) == "" {
			errs = append(errs, errors.New("alias must not be empty"))
		}
		if idx < 0 || idx >= c.Instances {
			errs = append(errs, fmt.Errorf("alias %q targets index %d out of range [0,%d)", alias, idx, c.Instances))
		}
		if prev, dup := seen[idx]; dup {
			errs = append(errs, fmt.Errorf("aliases %q and %q both target index %d", prev, alias, idx))
		} else {
			seen[idx] = alias
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfig, errors.Join(errs...))
	}
	return nil
}

// InstanceSettings carries the runtime knobs shared by every instance of a
// pool, as opposed to the worker launch options resolved per instance.
// Immutable after construction.
type InstanceSettings struct {
	// StartTimeout bounds process spawn plus channel handshake.
	StartTimeout time.Duration
	// StopTimeout bounds the graceful part of process shutdown before the
	// kill escalation.
	StopTimeout time.Duration
	// ProbeTimeout bounds one health-probe round trip.
	ProbeTimeout time.Duration
	// FailureThreshold is the number of consecutive probe failures after
	// which an instance is declared dead.
	FailureThreshold int
}

// Validate reports every violated InstanceSettings invariant at once.
func (s InstanceSettings) Validate() error {
	var errs []error

	if s.StartTimeout <= 0 {
		errs = append(errs, fmt.Errorf("start timeout must be greater than 0, got %s", s.StartTimeout))
	}
	if s.StopTimeout <= 0 {
		errs = append(errs, fmt.Errorf("stop timeout must be greater than 0, got %s", s.StopTimeout))
	}
	if s.ProbeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("probe timeout must be greater than 0, got %s", s.ProbeTimeout))
	}
	if s.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("failure threshold must be at least 1, got %d", s.FailureThreshold))
	}

	return errors.Join(errs...)
}

// ManagerConfig holds the full configuration for a Manager. All fields are
// immutable after construction.
type ManagerConfig struct {
	// Global is the lowest-precedence option tier applied to every instance.
	Global Options

	// Pools defines the named pools. At least one pool is required and
	// exactly one must carry the Default flag.
	Pools []PoolConfig

	// HealthInterval is the period of the supervisor's probe cycle.
	HealthInterval time.Duration

	// LeaseTimeout bounds how long a lease request may wait for an instance.
	LeaseTimeout time.Duration

	// Settings are the per-instance runtime knobs.
	Settings InstanceSettings

	// Launcher spawns worker processes and establishes their channels.
	Launcher Launcher
}

// Validate checks the manager-level invariants and reports every violation
// found via errors.Join. Per-pool option values are validated during pool
// construction so a misconfigured pool degrades only itself.
func (c ManagerConfig) Validate() error {
	var errs []error

	if len(c.Pools) == 0 {
		errs = append(errs, errors.New("at least one pool must be configured"))
	}
	defaults := 0
	names := make(map[string]bool, len(c.Pools))
	for _, p := range c.Pools {
		if p.Default {
			defaults++
		}
		n := NormalizeName(p.Name)
		if n == "" {
			continue // reported by PoolConfig.Validate
		}
		if names[n] {
			errs = append(errs, fmt.Errorf("duplicate pool name %q", n))
		}
		names[n] = true
	}
	if len(c.Pools) > 0 && defaults != 1 {
		errs = append(errs, fmt.Errorf("exactly one pool must be marked default, got %d", defaults))
	}
	if c.HealthInterval <= 0 {
		errs = append(errs, fmt.Errorf("health interval must be greater than 0, got %s", c.HealthInterval))
	}
	if c.LeaseTimeout <= 0 {
		errs = append(errs, fmt.Errorf("lease timeout must be greater than 0, got %s", c.LeaseTimeout))
	}
	if err := c.Settings.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Launcher == nil {
		errs = append(errs, errors.New("launcher must not be nil"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfig, errors.Join(errs...))
	}
	return nil
}
