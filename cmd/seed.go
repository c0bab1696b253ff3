package main

import (
	"context"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/store"
)

// seedFile is the YAML layout accepted by the seed command.
type seedFile struct {
	Workspace struct {
		ID      string   `yaml:"id"`
		Name    string   `yaml:"name"`
		Brand   string   `yaml:"brand"`
		Domain  string   `yaml:"domain"`
		Aliases []string `yaml:"aliases"`
	} `yaml:"workspace"`
	Engines []struct {
		Key              string `yaml:"key"`
		Enabled          *bool  `yaml:"enabled"`
		DailyBudgetCents int64  `yaml:"daily_budget_cents"`
		Timezone         string `yaml:"timezone"`
	} `yaml:"engines"`
	Clusters []struct {
		ID      string   `yaml:"id"`
		Name    string   `yaml:"name"`
		Prompts []string `yaml:"prompts"`
	} `yaml:"clusters"`
	Facts []model.Fact `yaml:"facts"`
}

// seedCounts reports what a seed file created or updated.
type seedCounts struct {
	Engines  int
	Clusters int
	Prompts  int
	Facts    int
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load a workspace, its engines, clusters and facts from YAML",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		path, _ := cmd.Flags().GetString("file")

		data, err := os.ReadFile(path)
		if err != nil {
			return eris.Wrap(err, "read seed file")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		counts, err := applySeed(ctx, st, data)
		if err != nil {
			return err
		}
		zap.L().Info("seed complete",
			zap.String("file", path),
			zap.Int("engines", counts.Engines),
			zap.Int("clusters", counts.Clusters),
			zap.Int("prompts", counts.Prompts),
			zap.Int("facts", counts.Facts),
		)
		return nil
	},
}

func applySeed(ctx context.Context, st store.Store, data []byte) (seedCounts, error) {
	var f seedFile
	var counts seedCounts
	if err := yaml.Unmarshal(data, &f); err != nil {
		return counts, eris.Wrap(err, "parse seed file")
	}
	ws := f.Workspace
	if ws.ID == "" {
		return counts, eris.New("seed: workspace.id is required")
	}

	if err := st.UpsertWorkspace(ctx, &model.Workspace{
		ID: ws.ID, Name: ws.Name, BrandName: ws.Brand, BrandDomain: ws.Domain, BrandAliases: ws.Aliases,
	}); err != nil {
		return counts, err
	}

	for _, e := range f.Engines {
		enabled := e.Enabled == nil || *e.Enabled
		if err := st.UpsertEngine(ctx, &model.Engine{
			WorkspaceID:      ws.ID,
			Key:              strings.ToUpper(e.Key),
			Enabled:          enabled,
			DailyBudgetCents: e.DailyBudgetCents,
			Timezone:         e.Timezone,
		}); err != nil {
			return counts, err
		}
		counts.Engines++
	}

	for _, c := range f.Clusters {
		if err := st.UpsertCluster(ctx, &model.Cluster{
			ID: c.ID, WorkspaceID: ws.ID, Name: c.Name, PromptTexts: c.Prompts,
		}); err != nil {
			return counts, err
		}
		counts.Clusters++
		for _, text := range c.Prompts {
			if strings.TrimSpace(text) == "" {
				continue
			}
			if _, err := st.FindOrCreatePrompt(ctx, ws.ID, c.ID, strings.TrimSpace(text)); err != nil {
				return counts, err
			}
			counts.Prompts++
		}
	}

	if len(f.Facts) > 0 {
		if err := st.PutKnowledgeProfile(ctx, &model.KnowledgeProfile{WorkspaceID: ws.ID, Facts: f.Facts}); err != nil {
			return counts, err
		}
		counts.Facts = len(f.Facts)
	}
	return counts, nil
}

func init() {
	seedCmd.Flags().String("file", "", "path to seed YAML (required)")
	_ = seedCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(seedCmd)
}
