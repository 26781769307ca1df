package compiler

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/roach88/outpost/internal/ir"
)

// LoadRules loads every .cue file in dir and compiles the fields under
// the top-level `rule` struct, in declaration order.
func LoadRules(dir string) ([]ir.Rule, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("rules directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}
	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no CUE files found in %s", dir)
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", inst.Err)
	}
	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return CompileRules(value)
}

// CompileString compiles rules from CUE source. filename is used in
// error positions.
func CompileString(src, filename string) ([]ir.Rule, error) {
	ctx := cuecontext.New()
	value := ctx.CompileString(src, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return CompileRules(value)
}

// CompileRules compiles every field of value's `rule` struct.
func CompileRules(value cue.Value) ([]ir.Rule, error) {
	rulesVal := value.LookupPath(cue.ParsePath("rule"))
	if !rulesVal.Exists() {
		return nil, &CompileError{Field: "rule", Message: "no rules found", Pos: value.Pos()}
	}
	iter, err := rulesVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var rules []ir.Rule
	for iter.Next() {
		r, err := CompileRule(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", iter.Selector().String(), err)
		}
		rules = append(rules, *r)
	}
	return rules, nil
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
