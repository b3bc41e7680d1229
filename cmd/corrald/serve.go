package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rzbill/corral/internal/config"
	"github.com/rzbill/corral/pkg/driver"
	"github.com/rzbill/corral/pkg/driver/docker"
	"github.com/rzbill/corral/pkg/driver/fake"
	"github.com/rzbill/corral/pkg/engine"
	"github.com/rzbill/corral/pkg/log"
	"github.com/rzbill/corral/pkg/policy"
	"github.com/rzbill/corral/pkg/policy/deletion"
	"github.com/rzbill/corral/pkg/policy/lb"
	"github.com/rzbill/corral/pkg/policy/scaling"
	"github.com/rzbill/corral/pkg/store"
	"github.com/rzbill/corral/pkg/version"
	"github.com/rzbill/corral/pkg/worker/metrics"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	policyFiles []string
	debug       bool
}

func newServeCmd(cfgFile *string) *cobra.Command {
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}
			if opts.debug {
				cfg.Log.Level = "debug"
			}
			logger, err := log.ApplyConfig(cfg.Log)
			if err != nil {
				return err
			}
			log.SetDefaultLogger(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, opts, logger)
		},
	}
	cmd.Flags().StringSliceVarP(&opts.policyFiles, "policy", "p", nil, "policy YAML files to load on start (repeatable)")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "enable debug logging (shorthand for log.level=debug)")
	return cmd
}

// runServe runs the engine until ctx is cancelled.
func runServe(ctx context.Context, cfg *config.Config, opts serveOptions, logger log.Logger) error {
	logger.Info("Starting Corral server", version.Fields()...)

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	provider, closeProvider, err := newProvider(cfg, logger)
	if err != nil {
		return err
	}
	defer closeProvider()

	m := metrics.NewMetrics()
	eng, err := engine.New(cfg.EngineConfig(), st, provider, newRegistry(), logger, engine.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	if err := loadPolicies(ctx, eng, opts.policyFiles, logger); err != nil {
		return err
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer eng.Stop()

	srv := startMetricsServer(cfg.Metrics.Address, m, logger)

	<-ctx.Done()
	logger.Info("Shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to stop metrics server", log.Err(err))
		}
	}
	return nil
}

func openStore(cfg *config.Config, logger log.Logger) (store.Store, error) {
	opts := cfg.StoreOptions()
	if opts.Backend == store.BackendBadger || opts.Backend == "" {
		if err := os.MkdirAll(opts.Path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory %s: %w", opts.Path, err)
		}
	}
	logger.Info("Initializing state store", log.Str("backend", opts.Backend), log.Str("path", opts.Path))
	st, err := store.New(opts, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	return st, nil
}

// newProvider builds the configured drivers. Docker has no load balancer,
// so pools are then tracked by the in-memory driver.
func newProvider(cfg *config.Config, logger log.Logger) (driver.Provider, func(), error) {
	switch cfg.Driver.Compute {
	case config.DriverFake, "":
		logger.Warn("Using the in-memory compute driver; nodes are not real")
		return fake.New(), func() {}, nil
	case config.DriverDocker:
		d := cfg.Driver.Docker
		compute, err := docker.NewCompute(logger, docker.Config{
			APIVersion:                d.APIVersion,
			FallbackAPIVersion:        d.FallbackAPIVersion,
			NegotiationTimeoutSeconds: d.NegotiationTimeoutSeconds,
			Network:                   d.Network,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create docker driver: %w", err)
		}
		closeFn := func() {
			if err := compute.Close(); err != nil {
				logger.Warn("Failed to close docker client", log.Err(err))
			}
		}
		return driver.NewBundle(compute, fake.New()), closeFn, nil
	default:
		return nil, nil, fmt.Errorf("unknown compute driver %q", cfg.Driver.Compute)
	}
}

func newRegistry() *policy.Registry {
	reg := policy.NewRegistry()
	lb.Register(reg)
	scaling.Register(reg)
	deletion.Register(reg)
	return reg
}

// loadPolicies stores the policies defined in files. Policies that already
// exist are left as they are.
func loadPolicies(ctx context.Context, eng *engine.Engine, files []string, logger log.Logger) error {
	for _, path := range files {
		defs, err := readPolicyFile(path)
		if err != nil {
			return err
		}
		for _, def := range defs {
			if def.ID != "" {
				if _, err := eng.Repos().Policies.Get(ctx, def.ID); err == nil {
					logger.Debug("Policy already loaded", log.Str("policy", def.ID))
					continue
				}
			}
			if _, err := eng.CreatePolicy(ctx, def); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
		}
	}
	return nil
}

func startMetricsServer(addr string, m *metrics.Metrics, logger log.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(metrics.NewRegistry(m)))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("Serving metrics", log.Str("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", log.Err(err))
		}
	}()
	return srv
}
