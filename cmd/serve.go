package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"driftsync/internal/config"
	"driftsync/internal/db"
	"driftsync/internal/logger"
	"driftsync/internal/notify"
	"driftsync/internal/orchestrator"
	"driftsync/internal/rclone"
	"driftsync/internal/server"
	"driftsync/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync orchestration daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, level := logger.New(debug || cfg.Debug)
		defer func() { _ = log.Sync() }()

		gormDB, err := db.Open(cfg.DBPath)
		if err != nil {
			return err
		}

		bus := notify.NewBus()
		runner := rclone.NewRunner(cfg.RclonePath, log)

		orch, err := orchestrator.New(
			runner,
			store.NewJobRepository(gormDB),
			store.NewActivityRepository(gormDB, cfg.ActivityCap),
			store.NewAnalyticsRepository(gormDB),
			bus,
			log,
			orchestrator.Options{
				Tick:          time.Duration(cfg.SchedulerTickSeconds) * time.Second,
				ProbeInterval: time.Duration(cfg.ProbeIntervalSeconds) * time.Second,
				ProbeTarget:   cfg.ProbeTarget,
				QuotaRemote:   cfg.QuotaRemote,
				QuotaInterval: time.Duration(cfg.QuotaRefreshSeconds) * time.Second,
				ShutdownGrace: time.Duration(cfg.ShutdownGraceSeconds) * time.Second,
			},
		)
		if err != nil {
			return err
		}

		// Log level follows the config file without a restart.
		config.Watch(func(fresh config.Config) {
			lvl := zapcore.InfoLevel
			if debug || fresh.Debug {
				lvl = zapcore.DebugLevel
			}
			level.SetLevel(lvl)
			log.Info("config reloaded")
		})

		orch.Start()

		srv := server.New(orch, bus, log, cfg.Port)
		srv.Start()

		log.Info("driftsync ready", zap.Int("port", cfg.Port))

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		grace := time.Duration(cfg.ShutdownGraceSeconds) * time.Second
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()

		// The API goes down first so no request can start new work
		// while the orchestrator is settling its runs.
		if err := srv.Stop(ctx); err != nil {
			log.Warn("api server shutdown", zap.Error(err))
		}
		orch.Shutdown(ctx)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
