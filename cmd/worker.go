package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/carbonwatch/emissions-cli/internal/queue"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the stage queue workers",
	Long:  "Claims jobs from every stage queue and runs them through the pipeline until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		pool := queue.NewWorkerPool(
			env.Broker,
			env.Pipeline.Registry(),
			cfg.Queue.Workers,
			time.Duration(cfg.Queue.PollIntervalMs)*time.Millisecond,
		)

		zap.L().Info("worker pool starting",
			zap.Int("workers_per_queue", cfg.Queue.Workers),
			zap.String("store_driver", cfg.Store.Driver),
		)
		return pool.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
