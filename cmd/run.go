package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/orchestrator"
)

var (
	runWorkspace string
	runPrompt    string
	runEngine    string
	runKey       string
	runDemo      string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one prompt against one engine synchronously",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		key := runKey
		if key == "" {
			key = uuid.NewString()
		}
		job := model.PromptJob{
			WorkspaceID:    runWorkspace,
			PromptID:       runPrompt,
			EngineKey:      runEngine,
			IdempotencyKey: key,
			DemoRunID:      runDemo,
		}

		out, err := env.Orchestrator.HandlePrompt(ctx, job)
		if out != nil {
			if perr := printOutcome(os.Stdout, out); perr != nil {
				return perr
			}
		}
		if err != nil {
			return eris.Wrap(err, "run prompt")
		}
		zap.L().Info("prompt run complete",
			zap.String("run_id", out.RunID),
			zap.String("status", string(out.Status)),
			zap.Bool("duplicate", out.Duplicate),
		)
		return nil
	},
}

// outcomeView is the printable form of an orchestrator outcome.
type outcomeView struct {
	RunID          string            `json:"run_id,omitempty"`
	Duplicate      bool              `json:"duplicate"`
	Status         model.RunStatus   `json:"status,omitempty"`
	Provider       string            `json:"provider,omitempty"`
	CostCents      int64             `json:"cost_cents"`
	LatencyMs      int64             `json:"latency_ms"`
	CacheHit       bool              `json:"cache_hit"`
	Mentions       int               `json:"mentions"`
	Citations      int               `json:"citations"`
	Hallucinations int               `json:"hallucinations"`
	Advisories     map[string]string `json:"advisories,omitempty"`
}

func printOutcome(w io.Writer, out *orchestrator.Outcome) error {
	v := outcomeView{
		RunID:          out.RunID,
		Duplicate:      out.Duplicate,
		Status:         out.Status,
		Provider:       string(out.ProviderUsed),
		CostCents:      out.CostCents,
		LatencyMs:      out.LatencyMs,
		CacheHit:       out.CacheHit,
		Mentions:       out.Mentions,
		Citations:      out.Citations,
		Hallucinations: out.Hallucinations,
	}
	if len(out.Advisories) > 0 {
		v.Advisories = make(map[string]string, len(out.Advisories))
		for _, a := range out.Advisories {
			if a.Err != nil {
				v.Advisories[string(a.Stage)] = a.Err.Error()
			}
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "print outcome")
}

func init() {
	runCmd.Flags().StringVar(&runWorkspace, "workspace", "", "workspace id (required)")
	runCmd.Flags().StringVar(&runPrompt, "prompt", "", "prompt id (required)")
	runCmd.Flags().StringVar(&runEngine, "engine", "", "engine key, e.g. OPENAI (required)")
	runCmd.Flags().StringVar(&runKey, "key", "", "idempotency key (default: random)")
	runCmd.Flags().StringVar(&runDemo, "demo-run", "", "batch id of a demo run")
	_ = runCmd.MarkFlagRequired("workspace")
	_ = runCmd.MarkFlagRequired("prompt")
	_ = runCmd.MarkFlagRequired("engine")
	rootCmd.AddCommand(runCmd)
}
