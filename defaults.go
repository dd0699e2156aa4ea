package playmux

import "time"

// Defaults applied by New when the corresponding option is not given.
const (
	// DefaultHealthInterval is the period of the supervisor's probe cycle.
	DefaultHealthInterval = 30 * time.Second

	// DefaultFailureThreshold is the number of consecutive probe failures
	// after which an instance is declared dead.
	DefaultFailureThreshold = 3

	// DefaultLeaseTimeout bounds how long a lease request may wait.
	DefaultLeaseTimeout = 30 * time.Second

	// DefaultStartTimeout bounds worker spawn plus handshake.
	DefaultStartTimeout = 60 * time.Second

	// DefaultStopTimeout bounds the graceful phase of worker shutdown.
	DefaultStopTimeout = 10 * time.Second

	// DefaultProbeTimeout bounds one health-probe round trip.
	DefaultProbeTimeout = 5 * time.Second

	// DefaultDataDirName is the directory created under the OS temp dir when
	// Config.DataDir is empty.
	DefaultDataDirName = "playmux"

	// DefaultWorkerCommand is the runner executable used to launch workers.
	DefaultWorkerCommand = "npx"

	// DefaultWorkerPackage is the worker package the runner executes.
	DefaultWorkerPackage = "@playwright/mcp@latest"
)
