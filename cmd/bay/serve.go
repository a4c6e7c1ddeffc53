package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/bay/pkg/adapter"
	"github.com/cuemby/bay/pkg/api"
	"github.com/cuemby/bay/pkg/cargo"
	"github.com/cuemby/bay/pkg/config"
	"github.com/cuemby/bay/pkg/coordinate"
	"github.com/cuemby/bay/pkg/driver"
	"github.com/cuemby/bay/pkg/events"
	"github.com/cuemby/bay/pkg/gc"
	"github.com/cuemby/bay/pkg/idempotency"
	"github.com/cuemby/bay/pkg/log"
	"github.com/cuemby/bay/pkg/metrics"
	"github.com/cuemby/bay/pkg/router"
	"github.com/cuemby/bay/pkg/sandbox"
	"github.com/cuemby/bay/pkg/session"
	"github.com/cuemby/bay/pkg/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Start the Bay control plane: the HTTP API, the garbage collector
and the metrics collector, against the configured driver and database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

// instanceID identifies this orchestrator process in container labels.
func instanceID(cfg *config.Config) string {
	if cfg.GC.InstanceID != "" {
		return cfg.GC.InstanceID
	}
	host, err := os.Hostname()
	if err != nil {
		return "bay"
	}
	return host
}

func serve(cfg *config.Config) error {
	log.Init(log.Config{Level: cfg.Log.Level, JSONOutput: cfg.Log.JSONOutput})
	logger := log.WithComponent("main")

	st, err := store.Open(cfg.Database.URL, cfg.Database.Echo)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	drv, err := driver.New(cfg.Driver)
	if err != nil {
		return fmt.Errorf("failed to initialize driver: %w", err)
	}
	defer drv.Close()

	instance := instanceID(cfg)
	pool := adapter.NewPool(cfg.RuntimeHTTP)
	sessions := session.NewManager(st, drv, pool, cfg.Driver, instance)
	cargos := cargo.NewManager(st, drv, cfg.Driver.Type, cfg.Cargo)
	sandboxes := sandbox.NewManager(st, sessions, cargos, pool, cfg)
	capRouter := router.New(sandboxes, pool, cfg)

	var idem *idempotency.Service
	if cfg.Idempotency.Enabled {
		idem = idempotency.NewService(st, cfg.Idempotency.IdempotencyTTL())
	}

	coord, err := coordinate.New(cfg.GC.Coordinator)
	if err != nil {
		return fmt.Errorf("failed to initialize coordinator: %w", err)
	}
	defer coord.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	gcCfg := cfg.GC
	gcCfg.InstanceID = instance
	collector := gc.New(st, sandboxes, sessions, cargos, drv, coord, broker, gcCfg)
	collector.Start()
	defer collector.Stop()

	stats := metrics.NewCollector(st)
	stats.Start()
	defer stats.Stop()

	server := api.NewServer(cfg, sandboxes, cargos, capRouter, idem, collector, broker)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down api server: %w", err)
	}
	return nil
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Garbage collection administration",
}

var gcRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one collection cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: cfg.Log.Level, JSONOutput: cfg.Log.JSONOutput})

		st, err := store.Open(cfg.Database.URL, cfg.Database.Echo)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		drv, err := driver.New(cfg.Driver)
		if err != nil {
			return fmt.Errorf("failed to initialize driver: %w", err)
		}
		defer drv.Close()

		instance := instanceID(cfg)
		pool := adapter.NewPool(cfg.RuntimeHTTP)
		sessions := session.NewManager(st, drv, pool, cfg.Driver, instance)
		cargos := cargo.NewManager(st, drv, cfg.Driver.Type, cfg.Cargo)
		sandboxes := sandbox.NewManager(st, sessions, cargos, pool, cfg)

		gcCfg := cfg.GC
		gcCfg.InstanceID = instance
		collector := gc.New(st, sandboxes, sessions, cargos, drv, coordinate.NewStatic(), nil, gcCfg)

		report := collector.RunOnce(cmd.Context())
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	gcCmd.AddCommand(gcRunCmd)
}
