// Package render turns template files plus a validated request into backend
// artifacts. Rendering is a pure transformation: no backend calls, no
// engine state.
package render

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/faultline/faultline/pkg/engine"
)

// Context is the data a template file renders against.
type Context struct {
	// Name is the instance name from the normalized request.
	Name string

	// Namespace is the target namespace from the normalized request.
	Namespace string

	// Labels are the request's labels.
	Labels map[string]string

	// Selector is the request's target selector.
	Selector engine.TargetSelector

	// Params are the validated template parameters.
	Params map[string]interface{}

	// Duration is the request TTL formatted for backend consumption
	// (e.g. "60s"), empty when no TTL was requested.
	Duration string
}

// NewContext builds a render context from a normalized request.
func NewContext(req *engine.FaultRequest) *Context {
	ctx := &Context{
		Name:      req.Metadata.Name,
		Namespace: req.Metadata.Namespace,
		Labels:    req.Metadata.Labels,
		Selector:  req.Selector,
		Params:    req.Params,
	}
	if req.Metadata.TTL > 0 {
		ctx.Duration = formatDuration(req.Metadata.TTL)
	}
	return ctx
}

type cachedTemplate struct {
	modTime time.Time
	tmpl    *template.Template
}

// Renderer renders template files with YAML-aware helper functions.
// Parsed templates are cached per path and invalidated on modification, so
// a registry hot reload picks up edited files. Safe for concurrent use.
type Renderer struct {
	mu    sync.Mutex
	cache map[string]cachedTemplate
}

// NewRenderer creates an empty renderer.
func NewRenderer() *Renderer {
	return &Renderer{cache: make(map[string]cachedTemplate)}
}

// RenderFile renders the template at path with the given context. Missing
// keys and template execution failures surface as RENDER_FAILED errors.
func (r *Renderer) RenderFile(path string, data *Context) ([]byte, error) {
	tmpl, err := r.load(path)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("rendering %s failed", path), err).
			WithCode(engine.ErrCodeRenderFailed)
	}
	return buf.Bytes(), nil
}

func (r *Renderer) load(path string) (*template.Template, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("cannot stat template %s", path), err).
			WithCode(engine.ErrCodeRenderFailed)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.cache[path]; ok && cached.modTime.Equal(info.ModTime()) {
		return cached.tmpl, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("cannot read template %s", path), err).
			WithCode(engine.ErrCodeRenderFailed)
	}

	tmpl, err := template.New(path).
		Funcs(helperFuncs()).
		Option("missingkey=error").
		Parse(string(raw))
	if err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("cannot parse template %s", path), err).
			WithCode(engine.ErrCodeRenderFailed)
	}

	r.cache[path] = cachedTemplate{modTime: info.ModTime(), tmpl: tmpl}
	return tmpl, nil
}

// helperFuncs are the template helpers available to all template files.
func helperFuncs() template.FuncMap {
	return template.FuncMap{
		"toYaml":  toYaml,
		"indent":  indent,
		"nindent": nindent,
		"quote":   func(v interface{}) string { return fmt.Sprintf("%q", fmt.Sprint(v)) },
		"default": defaultValue,
	}
}

// toYaml marshals a value to YAML without a trailing newline, matching how
// manifest templates expect to splice nested structures.
func toYaml(v interface{}) (string, error) {
	out, err := yaml.Marshal(v)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(string(out), "\n"), nil
}

func indent(spaces int, s string) string {
	pad := strings.Repeat(" ", spaces)
	return pad + strings.ReplaceAll(s, "\n", "\n"+pad)
}

func nindent(spaces int, s string) string {
	return "\n" + indent(spaces, s)
}

func defaultValue(def, v interface{}) interface{} {
	if v == nil || v == "" {
		return def
	}
	return v
}

// formatDuration renders a duration the way backend specs expect: whole
// seconds for sub-minute values, Go syntax otherwise.
func formatDuration(d time.Duration) string {
	if d < time.Minute || d%time.Minute != 0 {
		return fmt.Sprintf("%ds", int64(d/time.Second))
	}
	return fmt.Sprintf("%dm", int64(d/time.Minute))
}
