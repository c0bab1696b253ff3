package main

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/visibility-cli/internal/provider"
)

var routeCmd = &cobra.Command{
	Use:   "route [prompt]",
	Short: "Ask the provider router directly",
	Long:  "Sends a prompt through the provider fallback chain and prints the routed result. Useful for checking credentials and fallback order.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		router, err := provider.NewRouterFromConfig(cfg)
		if err != nil {
			return eris.Wrap(err, "init router")
		}
		defer router.Close() //nolint:errcheck

		hintFlag, _ := cmd.Flags().GetString("hint")
		var hint provider.Kind
		if hintFlag != "" {
			k, ok := provider.ParseKind(hintFlag)
			if !ok {
				return eris.Errorf("unknown provider %q", hintFlag)
			}
			hint = k
		}

		res := router.Route(ctx, "cli", strings.Join(args, " "), hint)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return eris.Wrap(err, "print result")
		}
		return res.Err()
	},
}

func init() {
	routeCmd.Flags().String("hint", "", "preferred provider, e.g. PERPLEXITY")
	rootCmd.AddCommand(routeCmd)
}
