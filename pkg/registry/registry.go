// Package registry loads fault templates from a template directory and
// serves them to the engine. The on-disk layout is an index.yaml at the root
// listing the templates, each pointing at a CUE parameter schema and a
// backend render definition.
//
// Loading is all-or-nothing: the registry parses and compiles every entry,
// collects every problem it finds, and only swaps the published template set
// when the whole directory is valid. A failed reload therefore never leaves
// readers with a half-updated set.
package registry

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/faultline/faultline/pkg/engine"
)

// IndexFileName is the template index file expected at the template root.
const IndexFileName = "index.yaml"

// indexFile is the on-disk shape of index.yaml.
type indexFile struct {
	Templates []indexEntry `yaml:"templates"`
}

// indexEntry describes one template in the index. Paths are relative to the
// template root.
type indexEntry struct {
	ID          string            `yaml:"id"`
	Backend     string            `yaml:"backend"`
	Composable  bool              `yaml:"composable"`
	Schema      string            `yaml:"schema"`
	Template    string            `yaml:"template"`
	MaxTTL      string            `yaml:"max_ttl"`
	Description string            `yaml:"description"`
	Labels      map[string]string `yaml:"labels"`
}

// Registry is an atomic-swap template store. Readers always see a complete,
// validated template set; Reload builds a new set off to the side and
// publishes it in one step.
type Registry struct {
	root   string
	logger zerolog.Logger

	// current holds a map[string]*engine.FaultTemplate snapshot.
	current atomic.Value
}

// New creates a registry rooted at the given template directory. Call Load
// before serving lookups.
func New(root string, logger zerolog.Logger) *Registry {
	r := &Registry{
		root:   root,
		logger: logger.With().Str("component", "registry").Logger(),
	}
	r.current.Store(map[string]*engine.FaultTemplate{})
	return r
}

// Load reads and validates the template directory and publishes the result.
// Every problem in the directory is reported in a single INVALID_TEMPLATE
// error listing all violations, not just the first.
func (r *Registry) Load(_ context.Context) error {
	set, violations := r.buildSet()
	if len(violations) > 0 {
		return engine.NewValidationError(
			fmt.Sprintf("template directory %s has %d problem(s)", r.root, len(violations)),
			violations).WithCode(engine.ErrCodeInvalidTemplate)
	}

	r.current.Store(set)
	r.logger.Info().Int("templates", len(set)).Str("root", r.root).Msg("template set loaded")
	return nil
}

// Reload re-reads the template directory. On failure the previously
// published set stays in place untouched.
func (r *Registry) Reload(ctx context.Context) error {
	return r.Load(ctx)
}

// Get returns the template with the given ID or a NOT_FOUND error.
func (r *Registry) Get(templateID string) (*engine.FaultTemplate, error) {
	set := r.snapshot()
	tmpl, ok := set[templateID]
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("template %q is not registered", templateID), nil).
			WithCode(engine.ErrCodeNotFound).
			WithTemplate(templateID)
	}
	return tmpl, nil
}

// List returns all templates sorted by ID.
func (r *Registry) List() []*engine.FaultTemplate {
	set := r.snapshot()
	out := make([]*engine.FaultTemplate, 0, len(set))
	for _, tmpl := range set {
		out = append(out, tmpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered templates.
func (r *Registry) Len() int {
	return len(r.snapshot())
}

func (r *Registry) snapshot() map[string]*engine.FaultTemplate {
	return r.current.Load().(map[string]*engine.FaultTemplate)
}

// buildSet parses the index and compiles every template, accumulating every
// violation it encounters.
func (r *Registry) buildSet() (map[string]*engine.FaultTemplate, []engine.Violation) {
	var violations []engine.Violation
	addViolation := func(field, format string, args ...interface{}) {
		violations = append(violations, engine.Violation{
			Field:   field,
			Message: fmt.Sprintf(format, args...),
		})
	}

	indexPath := filepath.Join(r.root, IndexFileName)
	raw, err := os.ReadFile(indexPath)
	if err != nil {
		addViolation(IndexFileName, "cannot read index: %v", err)
		return nil, violations
	}

	var index indexFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&index); err != nil {
		addViolation(IndexFileName, "cannot parse index: %v", err)
		return nil, violations
	}
	if len(index.Templates) == 0 {
		addViolation(IndexFileName, "index declares no templates")
		return nil, violations
	}

	cuectx := cuecontext.New()
	now := time.Now()
	set := make(map[string]*engine.FaultTemplate, len(index.Templates))

	for i, entry := range index.Templates {
		field := fmt.Sprintf("templates[%d]", i)
		if entry.ID == "" {
			addViolation(field+".id", "template id is required")
			continue
		}
		field = fmt.Sprintf("templates[%s]", entry.ID)

		if _, dup := set[entry.ID]; dup {
			addViolation(field+".id", "duplicate template id %q", entry.ID)
			continue
		}

		kind := engine.BackendKind(entry.Backend)
		if err := kind.Validate(); err != nil {
			addViolation(field+".backend", "%v (known kinds: %v)", err, engine.KnownBackendKinds())
			continue
		}

		if entry.Schema == "" {
			addViolation(field+".schema", "schema path is required")
			continue
		}
		schemaSrc, err := os.ReadFile(filepath.Join(r.root, entry.Schema))
		if err != nil {
			addViolation(field+".schema", "cannot read schema %s: %v", entry.Schema, err)
			continue
		}
		schemaVal := cuectx.CompileString(string(schemaSrc), cue.Filename(entry.Schema))
		if err := schemaVal.Err(); err != nil {
			for _, e := range cueerrors.Errors(err) {
				addViolation(field+".schema", "%s: %v", entry.Schema, e)
			}
			continue
		}

		if entry.Template == "" {
			addViolation(field+".template", "render definition path is required")
			continue
		}
		renderPath := filepath.Join(r.root, entry.Template)
		if _, err := os.Stat(renderPath); err != nil {
			addViolation(field+".template", "cannot stat render definition %s: %v", entry.Template, err)
			continue
		}

		var maxTTL time.Duration
		if entry.MaxTTL != "" {
			maxTTL, err = time.ParseDuration(entry.MaxTTL)
			if err != nil {
				addViolation(field+".max_ttl", "invalid duration %q: %v", entry.MaxTTL, err)
				continue
			}
			if maxTTL <= 0 {
				addViolation(field+".max_ttl", "must be positive, got %q", entry.MaxTTL)
				continue
			}
		}

		set[entry.ID] = &engine.FaultTemplate{
			ID:          entry.ID,
			Backend:     kind,
			Composable:  entry.Composable,
			ParamSchema: string(schemaSrc),
			Render:      engine.RenderRef{Path: renderPath},
			MaxTTL:      maxTTL,
			Description: entry.Description,
			Labels:      entry.Labels,
			LoadedAt:    now,
		}
	}

	if len(violations) > 0 {
		return nil, violations
	}
	return set, nil
}
