package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"podcast-agent/agent_go/pkg/collaborator"
	"podcast-agent/agent_go/pkg/coordination"
	"podcast-agent/agent_go/pkg/database"
	"podcast-agent/agent_go/pkg/executor"
	"podcast-agent/agent_go/pkg/logger"
)

// WorkerCmd represents the worker command
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the operation worker pool",
	Long: `Start the worker process that consumes the operation queue.

Workers dequeue long-running operations (search, script, banner, and audio
generation), re-verify the session lock, and execute them with soft and hard
time limits. Failed operations are never retried.

Examples:
  podcast-agent worker                  # Start with default settings
  podcast-agent worker --workers 4      # Run four concurrent workers`,
	Run: runWorker,
}

func init() {
	WorkerCmd.Flags().Int("workers", 2, "number of concurrent workers")
	WorkerCmd.Flags().Duration("soft-timeout", 9*time.Minute, "warn when an operation runs this long")
	WorkerCmd.Flags().Duration("hard-timeout", 10*time.Minute, "abandon an operation after this long")
	WorkerCmd.Flags().Duration("lock-ttl", 10*time.Minute, "session lock lease duration")
	WorkerCmd.Flags().Duration("operation-ttl", 24*time.Hour, "operation record retention")
	WorkerCmd.Flags().Duration("purge-interval", time.Hour, "how often expired records are purged")

	viper.BindPFlag("workers", WorkerCmd.Flags().Lookup("workers"))
	viper.BindPFlag("soft-timeout", WorkerCmd.Flags().Lookup("soft-timeout"))
	viper.BindPFlag("hard-timeout", WorkerCmd.Flags().Lookup("hard-timeout"))
	viper.BindPFlag("worker.lock-ttl", WorkerCmd.Flags().Lookup("lock-ttl"))
	viper.BindPFlag("worker.operation-ttl", WorkerCmd.Flags().Lookup("operation-ttl"))
	viper.BindPFlag("purge-interval", WorkerCmd.Flags().Lookup("purge-interval"))
}

func runWorker(cmd *cobra.Command, args []string) {
	log, closeLog, err := logger.New(viper.GetString("log-file"), viper.GetString("log-level"), viper.GetString("log-format"), true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	store, err := database.NewSQLiteStore(viper.GetString("db-path"))
	if err != nil {
		log.WithError(err).Fatal("failed to open coordination database")
	}
	defer store.Close()

	lock := coordination.NewSessionLock(store.DB(), viper.GetDuration("worker.lock-ttl"), log)
	registry := coordination.NewRegistry(store.DB(), viper.GetDuration("worker.operation-ttl"), log)
	coordination.WireStalledReclaim(lock, registry)
	queue := coordination.NewQueue(store.DB(), 0, log)

	exec := executor.New(store, lock, queue, registry, collaborator.NewScripted(), executor.Config{
		Workers:     viper.GetInt("workers"),
		SoftTimeout: viper.GetDuration("soft-timeout"),
		HardTimeout: viper.GetDuration("hard-timeout"),
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go purgeLoop(ctx, registry, viper.GetDuration("purge-interval"), log)

	done := make(chan struct{})
	go func() {
		exec.Run(ctx)
		close(done)
	}()

	log.WithField("workers", viper.GetInt("workers")).Info("worker pool started")

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	log.Info("shutting down workers")
	cancel()

	select {
	case <-done:
		log.Info("worker shutdown complete")
	case <-time.After(30 * time.Second):
		log.Warn("workers did not drain in time, exiting")
	}
}

// purgeLoop garbage-collects expired operation records on a fixed interval.
func purgeLoop(ctx context.Context, registry *coordination.Registry, interval time.Duration, log *logrus.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := registry.PurgeExpired(ctx)
			if err != nil {
				log.WithError(err).Warn("expired record purge failed")
				continue
			}
			if purged > 0 {
				log.WithField("purged", purged).Info("purged expired operation records")
			}
		}
	}
}
