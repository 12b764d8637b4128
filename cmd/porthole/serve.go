package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/porthole-hpc/porthole/pkg/api"
	"github.com/porthole-hpc/porthole/pkg/cluster"
	"github.com/porthole-hpc/porthole/pkg/config"
	"github.com/porthole-hpc/porthole/pkg/events"
	"github.com/porthole-hpc/porthole/pkg/jobscript"
	"github.com/porthole-hpc/porthole/pkg/log"
	"github.com/porthole-hpc/porthole/pkg/metrics"
	"github.com/porthole-hpc/porthole/pkg/orchestrator"
	"github.com/porthole-hpc/porthole/pkg/poller"
	"github.com/porthole-hpc/porthole/pkg/proxy"
	"github.com/porthole-hpc/porthole/pkg/reaper"
	"github.com/porthole-hpc/porthole/pkg/remote"
	"github.com/porthole-hpc/porthole/pkg/state"
	"github.com/porthole-hpc/porthole/pkg/tunnel"
)

// shutdownTimeout bounds the HTTP drain on SIGTERM.
const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the porthole control plane",
	Long: `Run the control plane: the authenticated HTTP front door, the
scheduler poller, the idle reaper, and the tunnel and proxy planes.

Startup is fail-fast: a bad config, an unreadable state directory, or a
port that cannot be bound exits non-zero immediately. SIGTERM drains
in-flight requests and exits zero; batch jobs and their sessions survive
the restart and are re-adopted on the next start.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Str("config", cfgPath).Msg("porthole starting")

	metrics.Register()

	store, err := state.Open(cfg.StateDir, cfg.Retention.Std(), nil)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	exec := remote.NewExecutor(cfg)
	defer exec.Close()

	interr := cluster.NewInterrogator(exec, cfg)
	builder := jobscript.NewBuilder(cfg)

	tun := tunnel.NewManager(cfg, nil)
	defer tun.StopAll()

	reg := proxy.NewRegistry(cfg)
	reg.OnActivity(store.Touch)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	orch := orchestrator.New(cfg, store, interr, builder, tun, reg,
		exec, broker, nil, orchestrator.DefaultTimings())
	tun.OnExit(orch.HandleTunnelExit)

	// Re-adopt sessions that were running before the last restart.
	orch.Resume(context.Background())

	pol := poller.New(store, interr, orch, broker, nil)
	pol.Start()
	defer pol.Stop()

	rp := reaper.New(store, orch, cfg.IdleThreshold.Std(), nil)
	rp.Start()
	defer rp.Stop()

	srv := api.NewServer(cfg, store, orch, interr, broker, pol, reg, tun)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("front door: %w", err)
		}
		return nil
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("drain incomplete")
	}
	return nil
}
