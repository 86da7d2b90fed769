package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/syncwire/syncwire/internal/catchup"
	"github.com/syncwire/syncwire/internal/config"
	"github.com/syncwire/syncwire/internal/delivery"
	"github.com/syncwire/syncwire/internal/eventlog"
	"github.com/syncwire/syncwire/internal/sequence"
	"github.com/syncwire/syncwire/internal/server"
	"github.com/syncwire/syncwire/internal/session"
	"github.com/syncwire/syncwire/internal/snapshot"
	"github.com/syncwire/syncwire/internal/ws"
)

var (
	cfgFile string
	verbose bool
)

func setupLogger(verbose bool, logCfg config.LoggingConfig) (*zap.Logger, error) {
	var zapConfig zap.Config
	if verbose || logCfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.DisableStacktrace = true
	}

	if logCfg.Level != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(logCfg.Level)); err == nil {
			zapConfig.Level = zap.NewAtomicLevelAt(level)
		}
	}
	return zapConfig.Build()
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "syncwire",
		Short: "Ordered event delivery and gap recovery for realtime clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := setupLogger(verbose, cfg.Logging)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.String("port", cfg.Server.Port),
		zap.String("storageDir", cfg.Storage.Directory),
		zap.Bool("inMemory", cfg.Storage.InMemory),
		zap.Uint64("catchupMaxRange", cfg.CatchUp.MaxRange),
		zap.Int("sessionBufferLimit", cfg.Session.BufferLimit),
		zap.Bool("maintenanceMode", cfg.Maintenance),
	)

	// Open storage
	opts := badger.DefaultOptions(cfg.Storage.Directory).
		WithSyncWrites(cfg.Storage.SyncWrites).
		WithLogger(nil)
	if cfg.Storage.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer db.Close()

	// Wire the delivery core
	seq := sequence.NewStore(db, logger)
	seq.SetMaintenanceMode(cfg.Maintenance)
	log := eventlog.NewBadgerLog(db, logger)
	fetcher := catchup.NewService(log, cfg.CatchUp.MaxRange, logger)
	snapshots := snapshot.NewEncoder(log, seq, cfg.Snapshot.Window, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := ws.NewHub(seq, fetcher, session.Config{BufferLimit: cfg.Session.BufferLimit}, logger)
	go hub.Run(ctx)

	committer := delivery.NewCommitter(seq, log, hub, cfg.Commit.RatePerSecond, logger)
	srv := server.NewServer(committer, fetcher, seq, snapshots, logger)
	router := server.NewRouter(srv, hub, logger)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
		}
	}()

	// Wait for interrupt
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Stop the hub and all connection loops
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
