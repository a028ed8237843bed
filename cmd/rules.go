// Package cmd provides command-line interface commands for herringbone.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"herringbone/config"
	"herringbone/storage"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var outputJSON bool

const (
	maxImportFileSize = 10 * 1024 * 1024 // 10MB
	defaultTimeout    = 1 * time.Minute
)

// NewRulesCmd creates the root rules command with all subcommands.
func NewRulesCmd() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage detection rules",
		Long: `Manage detection rules stored in MongoDB.

Rules are evaluated by the detect stage against every event flowing
through the pipeline. Import accepts a YAML file holding a list of rule
documents.`,
	}

	rulesCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")

	rulesCmd.AddCommand(newRulesListCmd())
	rulesCmd.AddCommand(newRulesImportCmd())
	rulesCmd.AddCommand(newRulesDeleteCmd())

	return rulesCmd
}

// initRuleStore connects to storage for a CLI operation.
func initRuleStore(ctx context.Context) (*storage.RuleStore, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}

	logger := zap.NewNop().Sugar()
	mongo, err := storage.NewMongoDB(cfg.MongoDB.URI, cfg.MongoDB.Database, cfg.MongoDB.MaxPoolSize, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	store, err := storage.NewRuleStore(mongo, logger)
	if err != nil {
		mongo.Close(ctx)
		return nil, nil, err
	}

	cleanup := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mongo.Close(closeCtx)
	}
	return store, cleanup, nil
}

// newRulesListCmd creates the 'list' subcommand
func newRulesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all detection rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			store, cleanup, err := initRuleStore(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			rules, err := store.LoadRules(ctx)
			if err != nil {
				return fmt.Errorf("failed to list rules: %w", err)
			}

			if outputJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rules)
			}

			for _, rule := range rules {
				fmt.Printf("%-40s severity=%-3d correlate_on=%v\n", rule.Name, rule.Severity, rule.CorrelateOn)
			}
			fmt.Printf("%d rule(s)\n", len(rules))
			return nil
		},
	}
}

// newRulesImportCmd creates the 'import' subcommand
func newRulesImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Import rules from a YAML file",
		Long:  "Import a YAML list of rule documents, inserting or replacing each by name.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			info, err := os.Stat(args[0])
			if err != nil {
				return err
			}
			if info.Size() > maxImportFileSize {
				return fmt.Errorf("import file exceeds %d bytes", maxImportFileSize)
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			var docs []map[string]interface{}
			if err := yaml.Unmarshal(data, &docs); err != nil {
				return fmt.Errorf("failed to parse rules file: %w", err)
			}

			store, cleanup, err := initRuleStore(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			imported := 0
			for i, doc := range docs {
				if err := store.UpsertRule(ctx, doc); err != nil {
					return fmt.Errorf("rule %d (%v): %w", i, doc["name"], err)
				}
				imported++
			}

			fmt.Printf("Imported %d rule(s)\n", imported)
			return nil
		},
	}
}

// newRulesDeleteCmd creates the 'delete' subcommand
func newRulesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <name>",
		Aliases: []string{"rm"},
		Short:   "Delete a detection rule by name",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			store, cleanup, err := initRuleStore(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := store.DeleteRule(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to delete rule %q: %w", args[0], err)
			}
			fmt.Printf("Deleted rule %q\n", args[0])
			return nil
		},
	}
}
