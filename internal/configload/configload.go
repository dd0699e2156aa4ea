// Package configload turns external configuration, a pools YAML file and
// PLAYWRIGHT_*/BLOB_* environment variables, into playmux and blobstore
// configuration values. Validation of the values themselves happens inside
// those packages; this one only handles syntax and shape.
package configload

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/playmux/playmux"
	"github.com/playmux/playmux/internal/blobstore"
)

// envOptionPrefix marks environment variables carrying worker options, e.g.
// PLAYWRIGHT_BROWSER=firefox becomes the option browser=firefox.
const envOptionPrefix = "PLAYWRIGHT_"

// fileConfig mirrors the YAML layout of a pools file.
type fileConfig struct {
	Pools  []poolEntry `mapstructure:"pools"`
	Health healthEntry `mapstructure:"health"`
	Lease  leaseEntry  `mapstructure:"lease"`
	Data   dataEntry   `mapstructure:"data"`
}

type poolEntry struct {
	Name      string            `mapstructure:"name"`
	Instances int               `mapstructure:"instances"`
	Default   bool              `mapstructure:"default"`
	Respawn   bool              `mapstructure:"respawn"`
	Options   map[string]string `mapstructure:"options"`
	// InstanceOptions is keyed by the instance index. YAML map keys arrive
	// as strings and are converted here.
	InstanceOptions map[string]map[string]string `mapstructure:"instance_options"`
	Aliases         map[string]int               `mapstructure:"aliases"`
}

type healthEntry struct {
	Interval         time.Duration `mapstructure:"interval"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
}

type leaseEntry struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type dataEntry struct {
	Dir string `mapstructure:"dir"`
}

// LoadFile reads a pools YAML file and returns the playmux configuration
// plus the options derived from the file's tuning sections. Worker options
// from the environment are merged into the global tier, below any global
// options a future file section might define.
func LoadFile(path string) (playmux.Config, []playmux.Option, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return playmux.Config{}, nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return playmux.Config{}, nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg := playmux.Config{
		GlobalOptions: EnvOptions(),
		DataDir:       fc.Data.Dir,
	}
	for _, pe := range fc.Pools {
		spec := playmux.PoolSpec{
			Name:      pe.Name,
			Instances: pe.Instances,
			Default:   pe.Default,
			Respawn:   pe.Respawn,
			Options:   pe.Options,
			Aliases:   pe.Aliases,
		}
		if len(pe.InstanceOptions) > 0 {
			spec.InstanceOptions = make(map[int]map[string]string, len(pe.InstanceOptions))
			for key, opts := range pe.InstanceOptions {
				idx, err := strconv.Atoi(key)
				if err != nil {
					return playmux.Config{}, nil, fmt.Errorf(
						"pool %q: instance_options key %q is not an index", pe.Name, key)
				}
				spec.InstanceOptions[idx] = opts
			}
		}
		cfg.Pools = append(cfg.Pools, spec)
	}

	var opts []playmux.Option
	if fc.Health.Interval > 0 {
		opts = append(opts, playmux.WithHealthInterval(fc.Health.Interval))
	}
	if fc.Health.FailureThreshold > 0 {
		opts = append(opts, playmux.WithFailureThreshold(fc.Health.FailureThreshold))
	}
	if fc.Health.ProbeTimeout > 0 {
		opts = append(opts, playmux.WithProbeTimeout(fc.Health.ProbeTimeout))
	}
	if fc.Lease.Timeout > 0 {
		opts = append(opts, playmux.WithLeaseTimeout(fc.Lease.Timeout))
	}
	return cfg, opts, nil
}

// EnvOptions collects worker options from PLAYWRIGHT_* environment
// variables. The variable name after the prefix, lowercased, is the option
// key: PLAYWRIGHT_VIEWPORT_SIZE=800x600 yields viewport_size=800x600.
// Returns nil when no such variables are set.
func EnvOptions() map[string]string {
	var opts map[string]string
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, envOptionPrefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, envOptionPrefix))
		if key == "" {
			continue
		}
		if opts == nil {
			opts = make(map[string]string)
		}
		opts[key] = value
	}
	return opts
}

// Blob store environment variables and their defaults.
const (
	envBlobRoot            = "BLOB_STORAGE_ROOT"
	envBlobMaxSizeMB       = "BLOB_MAX_SIZE_MB"
	envBlobTTLHours        = "BLOB_TTL_HOURS"
	envBlobThresholdKB     = "BLOB_SIZE_THRESHOLD_KB"
	envBlobCleanupMinutes  = "BLOB_CLEANUP_INTERVAL_MINUTES"
	defaultBlobStorageRoot = "/mnt/blob-storage"
)

// BlobConfigFromEnv assembles the blob store configuration from BLOB_*
// environment variables, falling back to the store's defaults for unset or
// unparseable values.
func BlobConfigFromEnv() blobstore.Config {
	cfg := blobstore.Config{Root: defaultBlobStorageRoot}
	if root := os.Getenv(envBlobRoot); root != "" {
		cfg.Root = root
	}
	if mb, ok := envInt(envBlobMaxSizeMB); ok {
		cfg.MaxBlobSize = int64(mb) * 1024 * 1024
	}
	if h, ok := envInt(envBlobTTLHours); ok {
		cfg.TTL = time.Duration(h) * time.Hour
	}
	if kb, ok := envInt(envBlobThresholdKB); ok {
		cfg.SizeThreshold = int64(kb) * 1024
	}
	if m, ok := envInt(envBlobCleanupMinutes); ok {
		cfg.CleanupInterval = time.Duration(m) * time.Minute
	}
	return cfg
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
