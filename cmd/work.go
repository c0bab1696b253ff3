package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/visibility-cli/internal/queue"
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run the job worker pool until signalled",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		if once, _ := cmd.Flags().GetBool("once"); once {
			_, err := newWorker(env).RunOnce(ctx)
			return err
		}
		startMonitoring(ctx, env.Store)
		lease := workerLease()
		go env.Orchestrator.RunReaper(ctx, lease, lease)
		return newWorker(env).Run(ctx)
	},
}

func newWorker(env *pipelineEnv) *queue.Worker {
	return queue.NewWorker(env.Store, env.Orchestrator.Dispatch, queue.WorkerConfig{
		Concurrency:  cfg.Worker.Concurrency,
		ClaimBatch:   cfg.Worker.ClaimBatch,
		PollInterval: time.Duration(cfg.Worker.PollIntervalMs) * time.Millisecond,
		Lease:        workerLease(),
	})
}

// workerLease is how long a claimed job stays invisible. A run still
// PENDING after one lease is treated as abandoned.
func workerLease() time.Duration {
	return time.Duration(cfg.Worker.LeaseSecs) * time.Second
}

func init() {
	workCmd.Flags().Bool("once", false, "claim and process one batch of jobs, then exit")
	rootCmd.AddCommand(workCmd)
}
