package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/blockplane/blockplane/internal/agent"
	"github.com/blockplane/blockplane/internal/api"
	"github.com/blockplane/blockplane/internal/bus"
	"github.com/blockplane/blockplane/internal/config"
	"github.com/blockplane/blockplane/internal/journal"
	"github.com/blockplane/blockplane/internal/logging"
	"github.com/blockplane/blockplane/internal/reconciler"
	"github.com/blockplane/blockplane/internal/registry"
	"github.com/blockplane/blockplane/internal/store"
)

var (
	Version   = "dev"     // Injected via ldflags during build
	GitCommit = "unknown" // Injected via ldflags during build
	BuildTime = "unknown" // Injected via ldflags during build
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, err := logging.NewFromConfig(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)
	logger.Info("Control plane starting...",
		"version", Version, "commit", GitCommit, "build time", BuildTime)

	// Connect to etcd for volume specs
	logger.Info("Connecting to etcd", "endpoints", cfg.Etcd.Endpoints)
	volumes, err := store.NewVolumeStore(cfg.Etcd)
	if err != nil {
		logger.Fatal("Failed to connect to etcd", "error", err)
	}
	defer func() { _ = volumes.Close() }()

	// Agent connection pool and RPC client
	pool := agent.NewConnPool(logger, cfg.Agent.HealthCheckInterval)
	defer pool.Close()
	client := agent.NewClient(pool, cfg.Agent.RequestTimeout, logger)

	// Cluster state registry
	reg := registry.New(client, registry.Options{
		RefreshInterval:  cfg.Node.RefreshInterval,
		OfflineThreshold: cfg.Node.OfflineThreshold,
	}, logger)
	defer reg.Close()

	// Event journal
	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Dir, cfg.Journal.MaxSegmentSize, logger)
		if err != nil {
			logger.Fatal("Failed to open journal", "error", err)
		}
		defer func() { _ = j.Close() }()
		reg.OnEvent(j.Handler())
		logger.Info("Event journal enabled", "dir", cfg.Journal.Dir)
	}

	// Create context for background services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Node registration bus
	hostname, _ := os.Hostname()
	logger.Info("Connecting to bus", "type", cfg.Bus.Type, "url", cfg.Bus.URL)
	sub, err := bus.NewSubscriber(cfg.Bus, bus.Config{
		InstanceID:    hostname,
		ConsumerGroup: "blockplane-controlplane",
	})
	if err != nil {
		logger.Fatal("Failed to connect to bus", "error", err)
	}
	defer func() { _ = sub.Close() }()

	membership := bus.NewMembershipHandler(reg, logger)
	if err := membership.Start(ctx, sub); err != nil {
		logger.Fatal("Failed to subscribe to registration subjects", "error", err)
	}
	logger.Info("Bus connection established")

	// Reconciliation engine
	var manager *reconciler.Manager
	if cfg.Reconciler.Enabled {
		manager = reconciler.NewManager(volumes, reg, nil, reconciler.Config{
			Interval:   cfg.Reconciler.Interval,
			MaxRetries: cfg.Reconciler.MaxRetries,
		}, logger)
		manager.Start(ctx)
		defer manager.Stop()

		// Spec changes trigger an immediate pass for the affected volume.
		go func() {
			for ev := range volumes.Watch(ctx) {
				if ev.Deleted {
					if err := manager.DestroyVolume(ctx, ev.UUID); err != nil {
						logger.Warn("Failed to tear down volume", "uuid", ev.UUID, "error", err)
					}
					continue
				}
				if err := manager.ReconcileVolume(ctx, ev.Spec); err != nil {
					logger.Warn("Failed to reconcile volume", "uuid", ev.UUID, "error", err)
				}
			}
		}()
	} else {
		logger.Warn("Reconciler DISABLED - cluster state will drift from volume specs")
	}

	// Log authentication status
	if cfg.Auth.Enabled {
		logger.Info("API key authentication enabled", "num_keys", len(cfg.Auth.APIKeys))
	} else {
		logger.Warn("API key authentication DISABLED - all requests will be allowed")
	}

	// Inspection API
	var srv *api.Server
	if cfg.API.Enabled {
		srv = api.New(logger, reg, volumes, *cfg)
		go func() {
			if err := srv.Start(cfg.API.Host, cfg.API.Port); err != nil {
				logger.Fatal("Failed to start API server", "error", err)
			}
		}()
	}

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down control plane...")
	if srv != nil {
		if err := srv.Shutdown(); err != nil {
			logger.Error("API server shutdown failed", "error", err)
		}
	}
	logger.Info("Control plane stopped")
}
