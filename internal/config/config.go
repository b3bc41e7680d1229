package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rzbill/corral/pkg/engine"
	"github.com/rzbill/corral/pkg/log"
	"github.com/rzbill/corral/pkg/store"
	"github.com/rzbill/corral/pkg/worker"
	"github.com/spf13/viper"
)

// DefaultMetricsAddr is where corrald serves Prometheus metrics.
const DefaultMetricsAddr = ":9464"

// EnvPrefix prefixes environment overrides, e.g. CORRAL_ENGINE_WORKERS.
const EnvPrefix = "CORRAL"

// Compute driver names.
const (
	DriverFake   = "fake"
	DriverDocker = "docker"
)

type Etcd struct {
	Endpoints   []string      `mapstructure:"endpoints" yaml:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	Prefix      string        `mapstructure:"prefix" yaml:"prefix"`
}

type Store struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	Etcd    Etcd   `mapstructure:"etcd" yaml:"etcd"`
}

type Retry struct {
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier" yaml:"multiplier"`
}

type Engine struct {
	Workers         int           `mapstructure:"workers" yaml:"workers"`
	QueueCapacity   int           `mapstructure:"queue_capacity" yaml:"queue_capacity"`
	RequeueDelay    time.Duration `mapstructure:"requeue_delay" yaml:"requeue_delay"`
	ActionTimeout   time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	LockStaleAfter  time.Duration `mapstructure:"lock_stale_after" yaml:"lock_stale_after"`
	WorkerHeartbeat time.Duration `mapstructure:"worker_heartbeat" yaml:"worker_heartbeat"`
	WorkerDeadAfter time.Duration `mapstructure:"worker_dead_after" yaml:"worker_dead_after"`
	ReclaimSchedule string        `mapstructure:"reclaim_schedule" yaml:"reclaim_schedule"`
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Retry           Retry         `mapstructure:"retry" yaml:"retry"`
}

type Docker struct {
	APIVersion                string `mapstructure:"api_version" yaml:"api_version"`
	FallbackAPIVersion        string `mapstructure:"fallback_api_version" yaml:"fallback_api_version"`
	NegotiationTimeoutSeconds int    `mapstructure:"negotiation_timeout_seconds" yaml:"negotiation_timeout_seconds"`
	Network                   string `mapstructure:"network" yaml:"network"`
}

type Driver struct {
	Compute string `mapstructure:"compute" yaml:"compute"`
	Docker  Docker `mapstructure:"docker" yaml:"docker"`
}

type Metrics struct {
	Address string `mapstructure:"address" yaml:"address"`
}

type Config struct {
	DataDir string     `mapstructure:"data_dir" yaml:"data_dir"`
	Log     log.Config `mapstructure:"log" yaml:"log"`
	Store   Store      `mapstructure:"store" yaml:"store"`
	Engine  Engine     `mapstructure:"engine" yaml:"engine"`
	Driver  Driver     `mapstructure:"driver" yaml:"driver"`
	Metrics Metrics    `mapstructure:"metrics" yaml:"metrics"`
}

func Default() *Config {
	ec := engine.DefaultConfig()
	return &Config{
		DataDir: defaultDataDir(),
		Log:     log.DefaultConfig(),
		Store: Store{
			Backend: store.BackendBadger,
			Etcd:    Etcd{DialTimeout: 5 * time.Second, Prefix: "/corral"},
		},
		Engine: Engine{
			Workers:         ec.Workers,
			QueueCapacity:   ec.QueueCapacity,
			RequeueDelay:    ec.RequeueDelay,
			ActionTimeout:   ec.ActionTimeout,
			LockStaleAfter:  ec.LockStaleAfter,
			WorkerHeartbeat: ec.WorkerHeartbeat,
			WorkerDeadAfter: ec.WorkerDeadAfter,
			ReclaimSchedule: ec.ReclaimSchedule,
			MaxAttempts:     ec.MaxAttempts,
			Retry: Retry{
				MaxAttempts:  ec.Retry.MaxAttempts,
				InitialDelay: ec.Retry.InitialDelay,
				MaxDelay:     ec.Retry.MaxDelay,
				Multiplier:   ec.Retry.BackoffMultiplier,
			},
		},
		Driver: Driver{
			Compute: DriverFake,
			Docker:  Docker{FallbackAPIVersion: "1.43", NegotiationTimeoutSeconds: 3},
		},
		Metrics: Metrics{Address: DefaultMetricsAddr},
	}
}

func defaultDataDir() string {
	home, _ := os.UserHomeDir()
	if home == "" {
		return "./data"
	}
	// prefer /var/lib/corral if /var/lib exists
	if st, err := os.Stat("/var/lib"); err == nil && st.IsDir() {
		return "/var/lib/corral"
	}
	return filepath.Join(home, ".corral")
}

// EngineConfig converts the engine section.
func (c *Config) EngineConfig() engine.Config {
	e := c.Engine
	return engine.Config{
		Workers:         e.Workers,
		QueueCapacity:   e.QueueCapacity,
		RequeueDelay:    e.RequeueDelay,
		ActionTimeout:   e.ActionTimeout,
		LockStaleAfter:  e.LockStaleAfter,
		WorkerHeartbeat: e.WorkerHeartbeat,
		WorkerDeadAfter: e.WorkerDeadAfter,
		ReclaimSchedule: e.ReclaimSchedule,
		MaxAttempts:     e.MaxAttempts,
		Retry: worker.RetryPolicy{
			MaxAttempts:       e.Retry.MaxAttempts,
			InitialDelay:      e.Retry.InitialDelay,
			MaxDelay:          e.Retry.MaxDelay,
			BackoffMultiplier: e.Retry.Multiplier,
		},
	}
}

// StoreOptions converts the store section. Badger data lives under DataDir.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Backend: c.Store.Backend,
		Path:    filepath.Join(c.DataDir, "store"),
		Etcd: store.EtcdOptions{
			Endpoints:   c.Store.Etcd.Endpoints,
			DialTimeout: c.Store.Etcd.DialTimeout,
			Prefix:      c.Store.Etcd.Prefix,
		},
	}
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case store.BackendBadger, store.BackendMemory:
	case store.BackendEtcd:
		if len(c.Store.Etcd.Endpoints) == 0 {
			return fmt.Errorf("store.etcd.endpoints is required for the etcd backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Driver.Compute {
	case DriverFake, DriverDocker:
	default:
		return fmt.Errorf("unknown compute driver %q", c.Driver.Compute)
	}
	if c.Engine.Workers < 0 {
		return fmt.Errorf("engine.workers cannot be negative")
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// Load reads path, or corral.yaml from the usual locations when path is
// empty, on top of Default. CORRAL_* environment variables override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("corral")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")            // Local development override
		v.AddConfigPath("/etc/corral/") // System-wide production config
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".corral"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so environment overrides are seen by
// Unmarshal even when the file does not mention them.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.enable_caller", d.Log.EnableCaller)

	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.etcd.endpoints", d.Store.Etcd.Endpoints)
	v.SetDefault("store.etcd.dial_timeout", d.Store.Etcd.DialTimeout)
	v.SetDefault("store.etcd.prefix", d.Store.Etcd.Prefix)

	v.SetDefault("engine.workers", d.Engine.Workers)
	v.SetDefault("engine.queue_capacity", d.Engine.QueueCapacity)
	v.SetDefault("engine.requeue_delay", d.Engine.RequeueDelay)
	v.SetDefault("engine.action_timeout", d.Engine.ActionTimeout)
	v.SetDefault("engine.lock_stale_after", d.Engine.LockStaleAfter)
	v.SetDefault("engine.worker_heartbeat", d.Engine.WorkerHeartbeat)
	v.SetDefault("engine.worker_dead_after", d.Engine.WorkerDeadAfter)
	v.SetDefault("engine.reclaim_schedule", d.Engine.ReclaimSchedule)
	v.SetDefault("engine.max_attempts", d.Engine.MaxAttempts)
	v.SetDefault("engine.retry.max_attempts", d.Engine.Retry.MaxAttempts)
	v.SetDefault("engine.retry.initial_delay", d.Engine.Retry.InitialDelay)
	v.SetDefault("engine.retry.max_delay", d.Engine.Retry.MaxDelay)
	v.SetDefault("engine.retry.multiplier", d.Engine.Retry.Multiplier)

	v.SetDefault("driver.compute", d.Driver.Compute)
	v.SetDefault("driver.docker.api_version", d.Driver.Docker.APIVersion)
	v.SetDefault("driver.docker.fallback_api_version", d.Driver.Docker.FallbackAPIVersion)
	v.SetDefault("driver.docker.negotiation_timeout_seconds", d.Driver.Docker.NegotiationTimeoutSeconds)
	v.SetDefault("driver.docker.network", d.Driver.Docker.Network)

	v.SetDefault("metrics.address", d.Metrics.Address)
}
