package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/FACorreiaa/statement-pipeline/cmd/app"
	"github.com/FACorreiaa/statement-pipeline/pkg/config"
)

// cli holds the dependencies shared by every subcommand. They are built in
// the root's PersistentPreRunE so --help works without a database.
type cli struct {
	deps *app.Dependencies
}

func newRootCommand() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:   "statementctl",
		Short: "Import bank statements and operate the enhancement queue",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			deps, err := app.InitDependencies(cmd.Context(), cfg, app.NewLogger(cfg.Observability))
			if err != nil {
				return err
			}
			c.deps = deps
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.deps != nil {
				c.deps.Cleanup()
			}
		},
	}

	rootCmd.AddCommand(
		c.newAnalyzeCommand(),
		c.newImportCommand(),
		c.newEnqueueCommand(),
		c.newDrainCommand(),
		c.newJobsCommand(),
		c.newRulesCommand(),
	)
	return rootCmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseUUID(name, value string) (uuid.UUID, error) {
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return id, nil
}

// parseOptionalUUID returns nil for an empty value.
func parseOptionalUUID(name, value string) (*uuid.UUID, error) {
	if value == "" {
		return nil, nil
	}
	id, err := parseUUID(name, value)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
