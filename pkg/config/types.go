package config

import (
	"time"

	"github.com/openfroyo/ispflow/pkg/api"
	"github.com/openfroyo/ispflow/pkg/engine"
	"github.com/openfroyo/ispflow/pkg/metrics"
	"github.com/openfroyo/ispflow/pkg/reconcile"
	"github.com/openfroyo/ispflow/pkg/stores"
	"github.com/openfroyo/ispflow/pkg/telemetry"
	"github.com/openfroyo/ispflow/pkg/workflows"
)

// Locking backends.
const (
	LockBackendMemory = "memory"
	LockBackendRedis  = "redis"
)

// Config is the complete service configuration.
type Config struct {
	// Store configures the SQLite execution log and the run archive.
	Store StoreConfig `yaml:"store"`

	// Engine configures the saga engine worker pool and retry policies.
	Engine engine.Config `yaml:"engine"`

	// Locking selects the per-target lock backend.
	Locking LockingConfig `yaml:"locking"`

	// Reconcile holds the reconciliation thresholds and sweep intervals. The thresholds are
	// reloaded while the service runs.
	Reconcile reconcile.Config `yaml:"reconcile"`

	// Metrics configures the snapshot emitter.
	Metrics metrics.Config `yaml:"metrics"`

	// HTTP configures the API listener.
	HTTP api.Config `yaml:"http"`

	// Telemetry configures logging, tracing, operational metrics and events.
	Telemetry telemetry.Config `yaml:"telemetry"`

	// Collaborators configures the simulated external systems.
	Collaborators CollaboratorsConfig `yaml:"collaborators"`

	// Workflows holds the provisioning defaults applied when a run context omits them.
	Workflows workflows.Defaults `yaml:"workflows"`
}

// StoreConfig adds the archive location to the SQLite settings.
type StoreConfig struct {
	stores.Config `yaml:",inline"`

	// ArchivePath is the bbolt file purged runs are archived to. Empty disables purging.
	ArchivePath string `yaml:"archive_path"`
}

// LockingConfig selects and tunes the per-target lock.
type LockingConfig struct {
	Backend   string        `yaml:"backend" validate:"oneof=memory redis"`
	RedisURL  string        `yaml:"redis_url" validate:"required_if=Backend redis"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl" validate:"gte=0"`
}

// CollaboratorsConfig tunes the in-memory collaborator simulators.
type CollaboratorsConfig struct {
	// Latency adds a delay to operations, keyed "collaborator.operation".
	Latency map[string]time.Duration `yaml:"latency"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Config: stores.Config{
				Path:        "ispflow.db",
				BusyTimeout: 5 * time.Second,
			},
			ArchivePath: "ispflow-archive.db",
		},
		Engine: engine.DefaultConfig(),
		Locking: LockingConfig{
			Backend:   LockBackendMemory,
			KeyPrefix: "ispflow:lock",
			TTL:       30 * time.Second,
		},
		Reconcile:     reconcile.DefaultConfig(),
		Metrics:       metrics.DefaultConfig(),
		HTTP:          api.DefaultConfig(),
		Telemetry:     *telemetry.DefaultConfig(),
		Collaborators: CollaboratorsConfig{Latency: map[string]time.Duration{}},
		Workflows:     workflows.DefaultDefaults(),
	}
}
