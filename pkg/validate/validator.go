// Package validate checks fault requests against their template's declared
// contract and normalizes them for admission. Validation is side-effect
// free: the input request is never mutated and a rejected request leaves no
// trace in the engine.
package validate

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"

	"github.com/faultline/faultline/pkg/engine"
)

// Defaults supplies engine-wide normalization defaults.
type Defaults struct {
	// Namespace is applied when a request omits metadata.namespace.
	Namespace string

	// MaxTTL caps request TTLs for templates that declare no cap of their
	// own. Zero disables the engine-wide cap.
	MaxTTL time.Duration
}

// Validator validates and normalizes fault requests. Safe for concurrent
// use.
type Validator struct {
	validate *validator.Validate
	cuectx   *cue.Context
	defaults Defaults
}

// New creates a validator with the given defaults.
func New(defaults Defaults) *Validator {
	if defaults.Namespace == "" {
		defaults.Namespace = "chaos-testing"
	}
	return &Validator{
		validate: validator.New(),
		cuectx:   cuecontext.New(),
		defaults: defaults,
	}
}

// Validate checks the request against the template's parameter schema and
// the engine's structural rules, then returns a normalized copy with
// defaults applied. All violations are collected and reported together; a
// request is never rejected on just the first problem found.
func (v *Validator) Validate(req *engine.FaultRequest, tmpl *engine.FaultTemplate) (*engine.FaultRequest, error) {
	var violations []engine.Violation

	if err := v.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				violations = append(violations, engine.Violation{
					Field:   strings.ToLower(fe.Field()),
					Message: fmt.Sprintf("failed %q constraint", fe.Tag()),
				})
			}
		} else {
			violations = append(violations, engine.Violation{
				Field:   "request",
				Message: err.Error(),
			})
		}
	}

	if req.Selector.IsEmpty() {
		violations = append(violations, engine.Violation{
			Field:   "selector",
			Message: "selector must name at least one pod or label",
		})
	}

	violations = append(violations, v.checkTTL(req, tmpl)...)
	violations = append(violations, v.checkParams(req, tmpl)...)

	if len(violations) > 0 {
		return nil, engine.NewValidationError(
			fmt.Sprintf("request for template %q has %d violation(s)", tmpl.ID, len(violations)),
			violations).WithTemplate(tmpl.ID)
	}

	return v.normalize(req, tmpl), nil
}

func (v *Validator) checkTTL(req *engine.FaultRequest, tmpl *engine.FaultTemplate) []engine.Violation {
	ttl := req.Metadata.TTL
	if ttl < 0 {
		return []engine.Violation{{
			Field:   "metadata.ttl",
			Message: fmt.Sprintf("must not be negative, got %v", ttl),
		}}
	}

	limit := tmpl.MaxTTL
	if limit == 0 {
		limit = v.defaults.MaxTTL
	}
	if limit > 0 && ttl > limit {
		return []engine.Violation{{
			Field:   "metadata.ttl",
			Message: fmt.Sprintf("exceeds maximum %v for template %q, got %v", limit, tmpl.ID, ttl),
		}}
	}
	return nil
}

// checkParams unifies the request parameters with the template's CUE schema
// and enumerates every type error, constraint violation, missing required
// field and unknown parameter.
func (v *Validator) checkParams(req *engine.FaultRequest, tmpl *engine.FaultTemplate) []engine.Violation {
	if tmpl.ParamSchema == "" {
		return nil
	}

	schema := v.cuectx.CompileString(tmpl.ParamSchema, cue.Filename(tmpl.ID+"/schema.cue"))
	if err := schema.Err(); err != nil {
		// Registry loading rejects malformed schemas; reaching this means the
		// template set was constructed by hand.
		return []engine.Violation{{
			Field:   "params",
			Message: fmt.Sprintf("template schema does not compile: %v", err),
		}}
	}

	var violations []engine.Violation

	// Unknown parameters are rejected up front so typos never pass silently.
	keys := make([]string, 0, len(req.Params))
	for k := range req.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		// Optional selector so fields declared "name?:" count as declared.
		sel := cue.MakePath(cue.Str(k).Optional())
		if !schema.LookupPath(sel).Exists() {
			violations = append(violations, engine.Violation{
				Field:   "params." + k,
				Message: "parameter is not declared by the template schema",
			})
		}
	}
	if len(violations) > 0 {
		return violations
	}

	params := v.cuectx.Encode(req.Params)
	if err := params.Err(); err != nil {
		return []engine.Violation{{
			Field:   "params",
			Message: fmt.Sprintf("parameters are not encodable: %v", err),
		}}
	}

	unified := schema.Unify(params)
	if err := unified.Validate(cue.Concrete(true), cue.Final()); err != nil {
		for _, e := range cueerrors.Errors(err) {
			field := "params"
			if p := e.Path(); len(p) > 0 {
				field = "params." + strings.Join(p, ".")
			}
			violations = append(violations, engine.Violation{
				Field:   field,
				Message: e.Error(),
			})
		}
	}
	return violations
}

// normalize returns a copy of the request with defaults applied: a derived
// instance name when none was given and the configured default namespace.
func (v *Validator) normalize(req *engine.FaultRequest, tmpl *engine.FaultTemplate) *engine.FaultRequest {
	out := *req
	if out.Metadata.Name == "" {
		out.Metadata.Name = strings.ReplaceAll(tmpl.ID, "/", "-") + "-instance"
	}
	if out.Metadata.Namespace == "" {
		out.Metadata.Namespace = v.defaults.Namespace
	}
	return &out
}
