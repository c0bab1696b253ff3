package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/orchestrator"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Expand a prompt cluster into prompt jobs",
	Long:  "Expands a cluster into one prompt job per prompt and engine. Jobs are enqueued for workers, or executed in-process with --inline.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		workspace, _ := cmd.Flags().GetString("workspace")
		cluster, _ := cmd.Flags().GetString("cluster")
		engines, _ := cmd.Flags().GetStringSlice("engines")
		key, _ := cmd.Flags().GetString("key")
		maxPrompts, _ := cmd.Flags().GetInt("max-prompts")
		inline, _ := cmd.Flags().GetBool("inline")

		if key == "" {
			key = fmt.Sprintf("scan:%s:%s", cluster, strings.ToUpper(strings.Join(engines, ",")))
		}
		job := model.ClusterScanJob{
			WorkspaceID:          workspace,
			ClusterID:            cluster,
			EngineKeys:           engines,
			IdempotencyKey:       key,
			MaxPromptsPerCluster: maxPrompts,
		}

		orch := env.Orchestrator
		var ie *inlineEnqueuer
		if inline {
			ie = &inlineEnqueuer{}
			orch = orch.WithEnqueuer(ie)
			ie.orch = orch
		}

		out, err := orch.HandleClusterScan(ctx, job)
		if err != nil {
			return eris.Wrap(err, "cluster scan")
		}
		fmt.Fprintf(os.Stdout, "batch %s: %d prompts, %d jobs enqueued, %d skipped\n",
			out.BatchID, out.Prompts, out.Enqueued, out.Skipped)
		if ie != nil {
			fmt.Fprintf(os.Stdout, "inline: %d succeeded, %d failed\n", ie.succeeded, ie.failed)
		}
		return nil
	},
}

// inlineEnqueuer executes prompt jobs as soon as they are enqueued.
type inlineEnqueuer struct {
	orch      *orchestrator.Orchestrator
	seen      map[string]struct{}
	succeeded int
	failed    int
}

func (e *inlineEnqueuer) Enqueue(ctx context.Context, key string, payload any) (bool, error) {
	job, ok := payload.(model.PromptJob)
	if !ok {
		return false, eris.Errorf("inline: unsupported payload %T", payload)
	}
	if e.seen == nil {
		e.seen = make(map[string]struct{})
	}
	if _, dup := e.seen[key]; dup {
		return false, nil
	}
	e.seen[key] = struct{}{}

	out, err := e.orch.HandlePrompt(ctx, job)
	if err != nil {
		e.failed++
		zap.L().Warn("inline prompt job failed", zap.String("key", key), zap.Error(err))
		return true, nil
	}
	if out.Duplicate {
		return false, nil
	}
	e.succeeded++
	return true, nil
}

func init() {
	scanCmd.Flags().String("workspace", "", "workspace id (required)")
	scanCmd.Flags().String("cluster", "", "cluster id (required)")
	scanCmd.Flags().StringSlice("engines", nil, "engine keys to scan (required)")
	scanCmd.Flags().String("key", "", "scan idempotency key (default derived from cluster and engines)")
	scanCmd.Flags().Int("max-prompts", 0, "max prompts per cluster (default from config)")
	scanCmd.Flags().Bool("inline", false, "execute prompt jobs in-process instead of enqueueing")
	_ = scanCmd.MarkFlagRequired("workspace")
	_ = scanCmd.MarkFlagRequired("cluster")
	_ = scanCmd.MarkFlagRequired("engines")
	rootCmd.AddCommand(scanCmd)
}
