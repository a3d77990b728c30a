package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

// Loader parses and validates faultline configuration written in CUE.
type Loader struct {
	ctx       *cue.Context
	schema    cue.Value
	validator *validator.Validate
}

// NewLoader creates a configuration loader with the built-in schema.
func NewLoader() (*Loader, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(builtinConfigSchema)
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}

	return &Loader{
		ctx:       ctx,
		schema:    schema.LookupPath(cue.ParsePath("#Config")),
		validator: validator.New(),
	}, nil
}

// Load reads configuration from a CUE file or a directory of CUE files.
// All problems are collected into a single LoadError rather than stopping
// at the first one.
func (l *Loader) Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config path %s: %w", path, err)
	}

	var value cue.Value
	var problems []ValidationError

	if info.IsDir() {
		value, problems = l.loadDirectory(path)
	} else {
		value, problems = l.loadFile(path)
	}
	if len(problems) > 0 {
		return nil, &LoadError{Problems: problems}
	}

	return l.decode(value)
}

// LoadInline parses configuration from an inline CUE string.
func (l *Loader) LoadInline(content string) (*Config, error) {
	val := l.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return nil, &LoadError{Problems: convertCUEErrors(err)}
	}
	return l.decode(val)
}

// loadFile compiles a single CUE file.
func (l *Loader) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := l.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}

	return val, nil
}

// loadDirectory compiles and unifies every .cue file in a directory, so
// configuration can be split across files.
func (l *Loader) loadDirectory(dir string) (cue.Value, []ValidationError) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".cue") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     dir,
			Message:  fmt.Sprintf("failed to walk directory: %v", err),
			Severity: "error",
		}}
	}
	if len(files) == 0 {
		return cue.Value{}, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	var unified cue.Value
	var problems []ValidationError
	for _, file := range files {
		val, errs := l.loadFile(file)
		if len(errs) > 0 {
			problems = append(problems, errs...)
			continue
		}
		if unified.Exists() {
			unified = unified.Unify(val)
		} else {
			unified = val
		}
	}
	if len(problems) > 0 {
		return cue.Value{}, problems
	}
	if err := unified.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}

	return unified, nil
}

// decode checks the value against the schema, fills a Config, applies
// defaults and runs struct validation.
func (l *Loader) decode(value cue.Value) (*Config, error) {
	unified := l.schema.Unify(value)
	if err := unified.Validate(cue.Concrete(true), cue.Final()); err != nil {
		return nil, &LoadError{Problems: convertCUEErrors(err)}
	}

	cfg := &Config{}
	if err := unified.Decode(cfg); err != nil {
		return nil, &LoadError{Problems: []ValidationError{{
			Message:  fmt.Sprintf("failed to decode config: %v", err),
			Severity: "error",
		}}}
	}

	cfg.ApplyDefaults()

	if err := l.validator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			problems := make([]ValidationError, 0, len(verrs))
			for _, ve := range verrs {
				problems = append(problems, ValidationError{
					Path:     ve.Namespace(),
					Message:  fmt.Sprintf("failed %q constraint", ve.Tag()),
					Severity: "error",
				})
			}
			return nil, &LoadError{Problems: problems}
		}
		return nil, err
	}

	return cfg, nil
}

// convertCUEErrors flattens a CUE error into positioned validation errors.
func convertCUEErrors(err error) []ValidationError {
	var problems []ValidationError
	for _, e := range cueerrors.Errors(err) {
		var file string
		var line, column int
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}
		problems = append(problems, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  e.Error(),
			Severity: "error",
		})
	}
	return problems
}
