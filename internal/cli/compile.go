package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/outpost/internal/ir"
)

// CompileOptions holds flags for the rules compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// CompilationResult holds the compiled rule set.
type CompilationResult struct {
	Rules []ir.Rule `json:"rules"`
	Hash  string    `json:"hash"`
}

// CompilationStats holds summary statistics.
type CompilationStats struct {
	RuleCount       int
	DisabledCount   int
	TotalActions    int
	TotalConditions int
}

// NewCompileCommand creates the rules compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <rules-dir>",
		Short: "Compile CUE rules to canonical IR",
		Long: `Compile the CUE rule files in a directory to canonical JSON.

The output lists every rule in declaration order together with the
ruleset hash the engine reports when the set is loaded.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}

func runCompile(opts *CompileOptions, rulesDir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	rules, err := LoadRuleSet(rulesDir)
	if err != nil {
		return formatter.Fail(ExitCommandError, loadErrorCode(err), err.Error(), nil)
	}
	for _, r := range rules {
		formatter.VerboseLog("Compiled rule: %s (%s)", r.ID, r.Topic)
	}

	hash, err := ir.RulesetHash(rules)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, fmt.Sprintf("hashing rules: %v", err), nil)
	}
	result := &CompilationResult{Rules: rules, Hash: hash}

	if opts.Output != "" {
		if err := writeIRToFile(result, opts.Output); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err), nil)
		}
	}

	return outputCompileSuccess(formatter, result, calculateStats(rules), opts.Output)
}

// calculateStats computes summary statistics for a rule set.
func calculateStats(rules []ir.Rule) CompilationStats {
	stats := CompilationStats{RuleCount: len(rules)}
	for _, r := range rules {
		if !r.Enabled {
			stats.DisabledCount++
		}
		stats.TotalActions += len(r.Actions)
		stats.TotalConditions += len(r.Conditions)
	}
	return stats
}

// outputCompileSuccess outputs successful compilation results.
func outputCompileSuccess(formatter *OutputFormatter, result *CompilationResult, stats CompilationStats, outputFile string) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✓ Compiled %d rule(s), %d action(s), %d condition(s)\n\n",
		stats.RuleCount, stats.TotalActions, stats.TotalConditions)

	fmt.Fprintln(w, "Rules:")
	for _, r := range result.Rules {
		state := ""
		if !r.Enabled {
			state = " [disabled]"
		}
		sealed := ""
		if r.SealDescendants {
			sealed = ", sealed"
		}
		fmt.Fprintf(w, "  %s: %s (priority %d, %d action(s)%s)%s\n",
			r.ID, r.Topic, r.Priority, len(r.Actions), sealed, state)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Hash: %s\n", result.Hash)

	if outputFile != "" {
		fmt.Fprintf(w, "Output written to: %s\n", outputFile)
	}
	return nil
}

// writeIRToFile writes the compiled rule set as canonical JSON.
func writeIRToFile(result *CompilationResult, path string) error {
	data, err := ir.MarshalCanonical(result)
	if err != nil {
		return fmt.Errorf("marshal IR: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
