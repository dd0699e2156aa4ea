package playmux

import (
	"testing"
	"time"
)

func TestDefaultOptions(t *testing.T) {
	t.Parallel()

	o := applyOptions(nil)
	if o.healthInterval != DefaultHealthInterval {
		t.Errorf("healthInterval = %s", o.healthInterval)
	}
	if o.failureThreshold != DefaultFailureThreshold {
		t.Errorf("failureThreshold = %d", o.failureThreshold)
	}
	if o.leaseTimeout != DefaultLeaseTimeout {
		t.Errorf("leaseTimeout = %s", o.leaseTimeout)
	}
	if o.startTimeout != DefaultStartTimeout {
		t.Errorf("startTimeout = %s", o.startTimeout)
	}
	if o.stopTimeout != DefaultStopTimeout {
		t.Errorf("stopTimeout = %s", o.stopTimeout)
	}
	if o.probeTimeout != DefaultProbeTimeout {
		t.Errorf("probeTimeout = %s", o.probeTimeout)
	}
	if o.workerCommand != DefaultWorkerCommand {
		t.Errorf("workerCommand = %q", o.workerCommand)
	}
	if o.workerPackage != DefaultWorkerPackage {
		t.Errorf("workerPackage = %q", o.workerPackage)
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	t.Parallel()

	o := applyOptions([]Option{
		WithHealthInterval(time.Minute),
		WithFailureThreshold(7),
		WithLeaseTimeout(5 * time.Second),
		WithStartTimeout(90 * time.Second),
		WithStopTimeout(3 * time.Second),
		WithProbeTimeout(time.Second),
		WithWorkerCommand("bunx"),
		WithWorkerPackage("@playwright/mcp@1.2.3"),
	})
	if o.healthInterval != time.Minute {
		t.Errorf("healthInterval = %s", o.healthInterval)
	}
	if o.failureThreshold != 7 {
		t.Errorf("failureThreshold = %d", o.failureThreshold)
	}
	if o.leaseTimeout != 5*time.Second {
		t.Errorf("leaseTimeout = %s", o.leaseTimeout)
	}
	if o.startTimeout != 90*time.Second {
		t.Errorf("startTimeout = %s", o.startTimeout)
	}
	if o.stopTimeout != 3*time.Second {
		t.Errorf("stopTimeout = %s", o.stopTimeout)
	}
	if o.probeTimeout != time.Second {
		t.Errorf("probeTimeout = %s", o.probeTimeout)
	}
	if o.workerCommand != "bunx" {
		t.Errorf("workerCommand = %q", o.workerCommand)
	}
	if o.workerPackage != "@playwright/mcp@1.2.3" {
		t.Errorf("workerPackage = %q", o.workerPackage)
	}
}

func TestOptionsPanicOnInvalidValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		call func()
	}{
		{"zero health interval", func() { WithHealthInterval(0) }},
		{"negative lease timeout", func() { WithLeaseTimeout(-time.Second) }},
		{"zero start timeout", func() { WithStartTimeout(0) }},
		{"zero stop timeout", func() { WithStopTimeout(0) }},
		{"zero probe timeout", func() { WithProbeTimeout(0) }},
		{"zero failure threshold", func() { WithFailureThreshold(0) }},
		{"empty worker command", func() { WithWorkerCommand("") }},
		{"empty worker package", func() { WithWorkerPackage("") }},
		{"nil launcher", func() { withLauncher(nil) }},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			defer func() {
				if recover() == nil {
					t.Error("option constructor should panic")
				}
			}()
			tc.call()
		})
	}
}
