package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/outpost/internal/action"
	"github.com/roach88/outpost/internal/compiler"
)

// ValidationResult holds validation results. Cascade warnings never make
// a rule set invalid.
type ValidationResult struct {
	Valid    bool                       `json:"valid"`
	Rules    int                        `json:"rules"`
	Errors   []compiler.ValidationError `json:"errors,omitempty"`
	Warnings []compiler.CascadeWarning  `json:"warnings,omitempty"`
}

// NewValidateCommand creates the rules validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <rules-dir>",
		Short: "Validate a rule set and report possible cascades",
		Long: `Validate the CUE rules in a directory against the builtin actions and
appenders, and report rule cycles that emit unsealed events.

Exit codes:
  0 - Rules valid (warnings allowed)
  1 - Validation errors
  2 - Command error (rules could not be loaded)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, rulesDir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	rules, err := LoadRuleSet(rulesDir)
	if err != nil {
		return formatter.Fail(ExitCommandError, loadErrorCode(err), err.Error(), nil)
	}
	formatter.VerboseLog("Loaded %d rule(s) from %s", len(rules), rulesDir)

	result := ValidationResult{
		Rules:    len(rules),
		Errors:   compiler.Validate(rules, compiler.Options{Actions: action.NewRegistry()}),
		Warnings: compiler.AnalyzeCascades(rules),
	}
	result.Valid = len(result.Errors) == 0

	if formatter.Format == "json" {
		if !result.Valid {
			if err := formatter.Error(ErrCodeInvalidRule, fmt.Sprintf("%d validation error(s)", len(result.Errors)), result); err != nil {
				return err
			}
			return NewExitError(ExitFailure, "validation failed")
		}
		return formatter.Success(result)
	}

	w := formatter.Writer
	for _, warn := range result.Warnings {
		fmt.Fprintf(w, "⚠ %s\n", warn.Message)
	}
	if !result.Valid {
		fmt.Fprintf(w, "✗ Validation failed with %d error(s):\n\n", len(result.Errors))
		for _, e := range result.Errors {
			fmt.Fprintf(w, "  %s\n", e.Error())
		}
		return NewExitError(ExitFailure, "validation failed")
	}
	fmt.Fprintf(w, "✓ %d rule(s) valid\n", result.Rules)
	return nil
}
