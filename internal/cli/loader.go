package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/outpost/internal/compiler"
	"github.com/roach88/outpost/internal/config"
	"github.com/roach88/outpost/internal/ir"
	"github.com/roach88/outpost/internal/store"
)

// Error codes for CLI output.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load or rule compilation failed
	ErrCodeNotFound    = "E005" // Path or record not found
	ErrCodeConfig      = "E006" // Configuration invalid
	ErrCodeWriteFailed = "E007" // File write error
	ErrCodeStore       = "E008" // Event store unavailable or query failed
	ErrCodeInvalidRule = "E009" // Rule set failed validation
	ErrCodeBadInput    = "E010" // Invalid command input
)

// LoadError represents an error that occurred while loading a rule set.
type LoadError struct {
	Code    string
	Message string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *LoadError) Unwrap() error { return e.Err }

// LoadRuleSet compiles every CUE file in dir. Failures are *LoadError with
// a code describing which step failed.
func LoadRuleSet(dir string) ([]ir.Rule, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("rules directory not found: %s", dir), Err: err}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing rules directory: %v", err), Err: err}
	}
	if !info.IsDir() {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}
	}

	files, err := compiler.FindCUEFiles(dir)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err), Err: err}
	}
	if len(files) == 0 {
		return nil, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}
	}

	rules, err := compiler.LoadRules(dir)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: err.Error(), Err: err}
	}
	return rules, nil
}

// loadErrorCode returns the code carried by a *LoadError, or the generic
// code.
func loadErrorCode(err error) string {
	var le *LoadError
	if errors.As(err, &le) {
		return le.Code
	}
	return ErrCodeGeneric
}

// loadConfig reads the configuration and applies the --driver and --db
// overrides.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Driver == "" && opts.Database == "" {
		return cfg, nil
	}
	if opts.Driver != "" {
		cfg.Database.Driver = opts.Driver
	}
	if opts.Database != "" {
		cfg.Database.DSN = opts.Database
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid database flags", err)
	}
	return cfg, nil
}

// openStore opens the configured event store.
func openStore(cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// openStoreFromFlags is loadConfig followed by openStore.
func openStoreFromFlags(opts *RootOptions) (*store.Store, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	return openStore(cfg)
}
