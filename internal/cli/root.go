package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string // TOML config file, optional
	Driver     string // overrides database.driver
	Database   string // overrides database.dsn
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the outpost CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "outpost",
		Short: "outpost - transactional events with rule-driven automation",
		Long: `A transactional event bus: events are written in the same transaction as
the business mutation, pumped to consumers at least once and matched
against CUE rules that enrich, check and act.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to TOML config file")
	cmd.PersistentFlags().StringVar(&opts.Driver, "driver", "", "database driver (sqlite3|postgres), overrides config")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "database DSN or SQLite path, overrides config")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewEmitCommand(opts))
	cmd.AddCommand(NewRulesCommand(opts))
	cmd.AddCommand(NewTraceCommand(opts))
	cmd.AddCommand(NewDeadLettersCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// NewRulesCommand groups the rule tooling subcommands.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Compile and validate CUE rule sets",
	}
	cmd.AddCommand(NewCompileCommand(rootOpts))
	cmd.AddCommand(NewValidateCommand(rootOpts))
	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
