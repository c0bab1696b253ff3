package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/monitoring"
)

var statusLookback int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print run and queue health over the lookback window",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		hours := statusLookback
		if hours <= 0 {
			hours = cfg.Monitoring.LookbackWindowHours
		}
		snap, err := monitoring.NewCollector(st).Collect(ctx, hours)
		if err != nil {
			return err
		}

		alerts := monitoring.NewAlerter(cfg.Monitoring).Evaluate(snap)
		return printStatus(os.Stdout, snap, alerts)
	},
}

func printStatus(w io.Writer, snap *monitoring.MetricsSnapshot, alerts []monitoring.Alert) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		*monitoring.MetricsSnapshot
		Alerts []monitoring.Alert `json:"alerts"`
	}{snap, alerts})
}

// startMonitoring launches the background alert checker when enabled.
func startMonitoring(ctx context.Context, src monitoring.Source) {
	if !cfg.Monitoring.Enabled {
		return
	}
	checker := monitoring.NewChecker(
		monitoring.NewCollector(src),
		monitoring.NewAlerter(cfg.Monitoring),
		cfg.Monitoring,
	)
	go checker.Run(ctx)
	zap.L().Info("monitoring enabled", zap.Bool("webhook", cfg.Monitoring.WebhookURL != ""))
}

func init() {
	statusCmd.Flags().IntVar(&statusLookback, "lookback", 0, "lookback window in hours (default from config)")
	rootCmd.AddCommand(statusCmd)
}
