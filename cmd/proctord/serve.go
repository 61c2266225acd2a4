package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"proctord/internal/api"
	"proctord/internal/config"
	"proctord/internal/gateway"
	"proctord/internal/health"
	"proctord/internal/metrics"
	"proctord/internal/protocol"
	"proctord/internal/session"
	"proctord/internal/sink"
	"proctord/internal/store"
)

// maxSinkFailureRatio marks the sink degraded in /healthz.
const maxSinkFailureRatio = 0.5

var (
	flagListen  string
	flagNoWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proctoring daemon",
	Long: `Run the daemon: the exam page WebSocket at /ws, the host API under /api,
and /healthz and /metrics.

The config file is watched; new sessions pick up changed detector defaults
while live sessions keep the ones they started with.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagListen, "listen", "", "Listen address, overrides server.listen (env: PROCTORD_LISTEN)")
	serveCmd.Flags().BoolVar(&flagNoWatch, "no-watch", false, "Do not reload the config file on change")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(flagConfig)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer loader.Close()
	applyFlags(cfg)
	if flagListen != "" {
		cfg.Server.Listen = flagListen
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logger.Close()

	var db *store.Store
	if cfg.Storage.Path != "" {
		db, err = store.Open(cfg.Storage.Path, time.Duration(cfg.Storage.BusyTimeoutMs)*time.Millisecond)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer db.Close()
	}

	reporter, sinkCloser, err := sink.FromConfig(cfg.Sink, db, logger.WithComponent("sink").Logger)
	if err != nil {
		return fmt.Errorf("setup sink: %w", err)
	}
	defer sinkCloser.Close()

	registry := metrics.NewRegistry("proctord")
	pm := metrics.NewProctorMetrics(registry)

	manager := session.NewManager(cfg,
		session.WithSink(reporter),
		session.WithStore(db),
		session.WithMetrics(pm),
		session.WithLogger(logger.WithComponent("session").Logger),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !flagNoWatch {
		loader.OnChange(func(old, next *config.Config) {
			next = next.Clone()
			applyFlags(next)
			manager.UpdateConfig(old, next)
		})
		if err := loader.Watch(); err != nil {
			logger.Warn("config reload disabled", "path", loader.Path(), "error", err)
		} else {
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case err := <-loader.Errors():
						logger.Warn("config reload failed, keeping previous config", "error", err)
					}
				}
			}()
		}
	}

	validator, err := protocol.NewValidator()
	if err != nil {
		return fmt.Errorf("compile message schema: %w", err)
	}
	gw := gateway.NewHandler(gateway.Config{
		PingInterval:    cfg.PingInterval(),
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		AllowedOrigins:  cfg.Server.AllowedOrigins,

		MaxConnections:      cfg.Server.MaxConnections,
		MaxConnectionsPerIP: cfg.Server.MaxConnectionsPerIP,
		MessageRate:         cfg.Server.MessageRate,
		MessageBurst:        cfg.Server.MessageBurst,
	}, manager, validator, logger.WithComponent("gateway").Logger)

	checker := health.NewChecker()
	if db != nil {
		checker.Register("store", true, health.StoreCheck(db.Ping))
	}
	checker.Register("sessions", false, health.SessionsCheck(manager.Len))
	checker.Register("connections", false, health.SessionsCheck(gw.Connections))
	checker.Register("sink", false, health.SinkCheck(func() (uint64, uint64) {
		return pm.SinkLatency.Count(), pm.SinkFailuresTotal.Value()
	}, maxSinkFailureRatio))
	if cfg.Sink.AuditPath != "" {
		checker.Register("audit", false, health.FileCheck(cfg.Sink.AuditPath))
	}

	srv := api.NewServer(&api.Options{
		Address:    cfg.Server.Listen,
		AdminToken: cfg.Server.AdminToken,
		Manager:    manager,
		Store:      db,
		Health:     checker,
		Metrics:    registry,
		Gateway:    gw,
		Logger:     logger.WithComponent("api"),
	})

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()
	checker.SetReady(true)
	logger.Info("proctord started",
		"version", rootCmd.Version,
		"listen", cfg.Server.Listen,
		"store", cfg.Storage.Path,
		"config", loader.Path(),
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errc:
		if runErr != nil {
			logger.Error("api server failed", "error", runErr)
		}
	}
	checker.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	var errs []error
	if err := srv.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		errs = append(errs, fmt.Errorf("stop api: %w", err))
	}
	if err := manager.CloseAll(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("close sessions: %w", err))
	}
	logger.Info("proctord stopped")

	if runErr != nil {
		return runErr
	}
	return errors.Join(errs...)
}
