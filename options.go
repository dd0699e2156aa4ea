package playmux

import (
	"fmt"
	"time"

	"github.com/playmux/playmux/internal/core"
)

// options collects the tunables New accepts beyond the Config struct.
type options struct {
	healthInterval   time.Duration
	leaseTimeout     time.Duration
	startTimeout     time.Duration
	stopTimeout      time.Duration
	probeTimeout     time.Duration
	failureThreshold int
	workerCommand    string
	workerPackage    string

	// launcher overrides the worker launcher; used by tests.
	launcher core.Launcher
}

// Option customizes New. Options validate eagerly and panic on values that
// can only come from a programming error, so misconfiguration surfaces at
// the construction site instead of deep inside a lease call.
type Option func(*options)

func defaultOptions() options {
	return options{
		healthInterval:   DefaultHealthInterval,
		leaseTimeout:     DefaultLeaseTimeout,
		startTimeout:     DefaultStartTimeout,
		stopTimeout:      DefaultStopTimeout,
		probeTimeout:     DefaultProbeTimeout,
		failureThreshold: DefaultFailureThreshold,
		workerCommand:    DefaultWorkerCommand,
		workerPackage:    DefaultWorkerPackage,
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithHealthInterval sets the period of the health supervisor's probe cycle.
func WithHealthInterval(d time.Duration) Option {
	requirePositive("health interval", d)
	return func(o *options) { o.healthInterval = d }
}

// WithFailureThreshold sets the number of consecutive probe failures after
// which an instance is declared dead.
func WithFailureThreshold(n int) Option {
	if n < 1 {
		panic(fmt.Sprintf("playmux: failure threshold must be at least 1, got %d", n))
	}
	return func(o *options) { o.failureThreshold = n }
}

// WithLeaseTimeout bounds how long a lease request may wait for an instance.
func WithLeaseTimeout(d time.Duration) Option {
	requirePositive("lease timeout", d)
	return func(o *options) { o.leaseTimeout = d }
}

// WithStartTimeout bounds worker spawn plus handshake.
func WithStartTimeout(d time.Duration) Option {
	requirePositive("start timeout", d)
	return func(o *options) { o.startTimeout = d }
}

// WithStopTimeout bounds the graceful phase of worker shutdown.
func WithStopTimeout(d time.Duration) Option {
	requirePositive("stop timeout", d)
	return func(o *options) { o.stopTimeout = d }
}

// WithProbeTimeout bounds one health-probe round trip.
func WithProbeTimeout(d time.Duration) Option {
	requirePositive("probe timeout", d)
	return func(o *options) { o.probeTimeout = d }
}

// WithWorkerCommand sets the runner executable used to launch workers.
func WithWorkerCommand(cmd string) Option {
	requireNonEmpty("worker command", cmd)
	return func(o *options) { o.workerCommand = cmd }
}

// WithWorkerPackage sets the worker package the runner executes.
func WithWorkerPackage(pkg string) Option {
	requireNonEmpty("worker package", pkg)
	return func(o *options) { o.workerPackage = pkg }
}

// withLauncher substitutes the worker launcher. Unexported; tests reach it
// through the export_test shim.
func withLauncher(l core.Launcher) Option {
	if l == nil {
		panic("playmux: launcher must not be nil")
	}
	return func(o *options) { o.launcher = l }
}

func requirePositive(name string, d time.Duration) {
	if d <= 0 {
		panic(fmt.Sprintf("playmux: %s must be greater than 0, got %s", name, d))
	}
}

func requireNonEmpty(name, v string) {
	if v == "" {
		panic(fmt.Sprintf("playmux: %s must not be empty", name))
	}
}
