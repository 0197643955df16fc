// Command forged runs the agent-orchestrator engine as a standalone
// daemon: it loads configuration from the environment, opens the
// store and event spool, runs the crash-recovery sweep, then starts
// the Agent Lifecycle Manager, the Event Router, the Queue Processor,
// and the public HTTP interface together.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forgehq/forge/internal/alm"
	"github.com/forgehq/forge/internal/api"
	"github.com/forgehq/forge/internal/config"
	"github.com/forgehq/forge/internal/notify"
	"github.com/forgehq/forge/internal/queueproc"
	"github.com/forgehq/forge/internal/router"
	"github.com/forgehq/forge/internal/sandbox"
	"github.com/forgehq/forge/internal/scm"
	"github.com/forgehq/forge/internal/spool"
	"github.com/forgehq/forge/internal/store"
	"github.com/forgehq/forge/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "config load", err)
	}

	logger, closer, err := telemetry.NewLogger(".", cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "logger init", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded")

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		fatalStartup(logger, "store open", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	sp, err := spool.Open(cfg.EventDir, logger)
	if err != nil {
		fatalStartup(logger, "spool open", err)
	}

	metricsProvider, err := telemetry.NewMetricsProvider(ctx, telemetry.MetricsConfig{
		Enabled:  cfg.OTelExporter != "none" && cfg.OTelExporter != "",
		Exporter: cfg.OTelExporter,
	})
	if err != nil {
		fatalStartup(logger, "otel metrics init", err)
	}
	defer metricsProvider.Shutdown(context.Background())

	if err := checkSandboxImageAllowed(cfg); err != nil {
		fatalStartup(logger, "sandbox image allow-list", err)
	}

	driver, err := buildSandboxDriver(cfg)
	if err != nil {
		fatalStartup(logger, "sandbox driver init", err)
	}
	hostDriver := sandbox.NewHostDriver()

	manager := alm.New(st, driver, hostDriver, scm.NoOpCollaborator{}, nil, logger, alm.Config{
		WorkspacesDir: cfg.WorkspacesDir,
		SandboxImage:  cfg.SandboxImage,
		NetworkMode:   cfg.SandboxNetworkMode,
		MemoryMB:      cfg.SandboxMemoryMB,
		CPUShares:     cfg.SandboxCPUShares,
		FlushInterval: cfg.ALMFlushInterval,
		APIBaseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Port),
		AuthToken:     cfg.AuthToken,
	})
	manager.Recover(ctx)
	logger.Info("startup phase", "phase", "recovery_scan_completed")
	manager.Start(ctx)
	defer manager.Stop(context.Background())

	if err := telemetry.RegisterGauges(metricsProvider.Meter(), telemetry.GaugeSources{
		QueueDepth: func(ctx context.Context) (int, error) {
			entries, err := st.ListQueue(ctx)
			if err != nil {
				return 0, err
			}
			return len(entries), nil
		},
		RunningAgents: func(ctx context.Context) (int, error) {
			agents, err := manager.GetActive(ctx)
			if err != nil {
				return 0, err
			}
			return len(agents), nil
		},
		OldestPendingAge: func(ctx context.Context) (time.Duration, error) {
			pending, err := sp.ListPending()
			if err != nil {
				return 0, err
			}
			if len(pending) == 0 {
				return 0, nil
			}
			oldest := pending[0].Timestamp
			for _, ev := range pending[1:] {
				if ev.Timestamp.Before(oldest) {
					oldest = ev.Timestamp
				}
			}
			return time.Since(oldest), nil
		},
	}); err != nil {
		fatalStartup(logger, "otel gauge registration", err)
	}

	notifier := notify.New(notify.Config{
		Enabled: cfg.TelegramEnabled,
		Token:   cfg.TelegramToken,
		ChatIDs: cfg.TelegramChatIDs,
	}, logger)

	evRouter := router.New(sp, st, manager, notifier, logger, cfg.RouterPollInterval)
	evRouter.Start(ctx)
	defer evRouter.Stop()

	qp := queueproc.New(st, manager, sp, logger, queueproc.Config{
		Interval:         cfg.QueuePollInterval,
		MultiAgentEvents: cfg.UseMultiAgentEvents,
		Enabled:          cfg.EnableQueueProcessor,
	})
	qp.Start(ctx)
	defer qp.Stop()

	apiServer := api.New(api.Config{
		Store:        st,
		ALM:          manager,
		Spool:        sp,
		Collaborator: scm.NoOpCollaborator{},
		AuthToken:    cfg.AuthToken,
	}, logger)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: apiServer.Handler(),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("api server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// buildSandboxDriver picks the sandbox driver: Docker by default, or
// the in-memory fake driver when SANDBOX_DRIVER=fake is set for local
// testing without a Docker daemon.
func buildSandboxDriver(cfg *config.Config) (sandbox.Driver, error) {
	if os.Getenv("SANDBOX_DRIVER") == "fake" {
		return sandbox.NewFakeDriver(), nil
	}
	return sandbox.NewDockerDriver()
}

// checkSandboxImageAllowed enforces forge.yaml's sandbox.allowed_images
// list, when configured, against SANDBOX_IMAGE. An empty list means no
// restriction.
func checkSandboxImageAllowed(cfg *config.Config) error {
	if len(cfg.SandboxAllowedImages) == 0 {
		return nil
	}
	for _, img := range cfg.SandboxAllowedImages {
		if img == cfg.SandboxImage {
			return nil
		}
	}
	return fmt.Errorf("sandbox image %q is not in forge.yaml's allowed_images list", cfg.SandboxImage)
}

func fatalStartup(logger *slog.Logger, phase string, err error) {
	if logger != nil {
		logger.Error("startup failure", "phase", phase, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %v\n", phase, err)
	}
	os.Exit(1)
}
