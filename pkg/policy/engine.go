package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/faultline/faultline/pkg/engine"
)

// Engine evaluates guardrail policies against fault requests before
// admission. Built-in policies cover protected namespaces, TTL ceilings and
// selector blast radius; operators can load additional .rego files.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	limits   Limits
	logger   zerolog.Logger
}

// compiledPolicy represents a parsed and validated Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(limits Limits, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		limits:   limits,
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	builtin := GetBuiltinPolicies()
	for i := range builtin {
		if err := e.compileAndStore(&builtin[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtin[i].Name, err)
		}
	}
	e.logger.Info().Int("count", len(builtin)).Msg("built-in policies loaded")

	return e, nil
}

// Check implements the engine's admission hook: it evaluates all enabled
// policies and returns a POLICY_DENIED error carrying every blocking
// violation when the request is not allowed.
func (e *Engine) Check(ctx context.Context, req *engine.FaultRequest, tmpl *engine.FaultTemplate) error {
	result, err := e.Evaluate(ctx, req, tmpl)
	if err != nil {
		return engine.NewPermanentError("policy evaluation failed", err).
			WithCode(engine.ErrCodeInternal).
			WithTemplate(tmpl.ID)
	}
	if result.Allowed {
		return nil
	}

	violations := make([]engine.Violation, 0, len(result.Violations))
	for _, v := range result.Violations {
		if v.Severity != SeverityError && v.Severity != SeverityCritical {
			continue
		}
		violations = append(violations, engine.Violation{
			Field:   v.Policy,
			Message: v.Message,
		})
	}
	return engine.NewValidationError(
		fmt.Sprintf("request for template %q denied by %d guardrail(s)", tmpl.ID, len(violations)),
		violations).
		WithCode(engine.ErrCodePolicyDenied).
		WithTemplate(tmpl.ID)
}

// Evaluate runs every enabled policy against the request and collects all
// violations. Evaluation errors on individual policies are reported as
// warnings and fail closed only if no policy could run at all.
func (e *Engine) Evaluate(ctx context.Context, req *engine.FaultRequest, tmpl *engine.FaultTemplate) (*Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := e.buildInput(req, tmpl)
	result := &Result{Allowed: true, EvaluatedAt: time.Now()}
	evaluated := 0

	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Msg("policy evaluation failed")
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
			continue
		}
		evaluated++
		result.Violations = append(result.Violations, violations...)
	}

	if evaluated == 0 && len(result.Warnings) > 0 {
		return nil, fmt.Errorf("no policy could be evaluated: %s", strings.Join(result.Warnings, "; "))
	}

	for i := range result.Violations {
		if result.Violations[i].Severity == SeverityError || result.Violations[i].Severity == SeverityCritical {
			result.Allowed = false
			break
		}
	}
	return result, nil
}

// LoadPolicies loads additional .rego policy files from the given paths.
// Directories are walked recursively.
func (e *Engine) LoadPolicies(_ context.Context, paths []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	loaded := 0
	for _, path := range paths {
		err := filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(p, ".rego") {
				return nil
			}
			raw, err := os.ReadFile(p)
			if err != nil {
				return fmt.Errorf("cannot read policy %s: %w", p, err)
			}
			name := strings.TrimSuffix(filepath.Base(p), ".rego")
			pol := &Policy{
				Name:        name,
				Description: fmt.Sprintf("loaded from %s", p),
				Rego:        string(raw),
				Severity:    SeverityError,
				Enabled:     true,
				CreatedAt:   time.Now(),
				UpdatedAt:   time.Now(),
			}
			if err := e.compileAndStore(pol); err != nil {
				return fmt.Errorf("cannot compile policy %s: %w", p, err)
			}
			loaded++
			return nil
		})
		if err != nil {
			return err
		}
	}

	e.logger.Info().Int("count", loaded).Msg("policies loaded from disk")
	return nil
}

// ListPolicies returns all loaded policies.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, *cp.policy)
	}
	return out
}

// SetPolicyEnabled toggles a policy by name.
func (e *Engine) SetPolicyEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("policy toggled")
	return nil
}

// buildInput assembles the JSON-shaped evaluation input. TTLs are expressed
// in whole seconds so the Rego rules stay unit-free.
func (e *Engine) buildInput(req *engine.FaultRequest, tmpl *engine.FaultTemplate) map[string]interface{} {
	pods := req.Selector.Pods
	if pods == nil {
		pods = []string{}
	}
	return map[string]interface{}{
		"request": map[string]interface{}{
			"template_id": req.TemplateID,
			"metadata": map[string]interface{}{
				"name":        req.Metadata.Name,
				"namespace":   req.Metadata.Namespace,
				"ttl_seconds": int64(req.Metadata.TTL / time.Second),
				"labels":      req.Metadata.Labels,
			},
			"selector": map[string]interface{}{
				"pods":   pods,
				"labels": req.Selector.Labels,
			},
		},
		"template": map[string]interface{}{
			"id":         tmpl.ID,
			"backend":    string(tmpl.Backend),
			"composable": tmpl.Composable,
		},
		"context": map[string]interface{}{
			"protected_namespaces": e.limits.ProtectedNamespaces,
			"max_ttl_seconds":      int64(e.limits.MaxTTL / time.Second),
			"max_target_pods":      e.limits.MaxTargetPods,
			"timestamp":            time.Now().Format(time.RFC3339),
		},
	}
}

// evaluatePolicy queries the policy's deny set for the given input.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input map[string]interface{}) ([]Violation, error) {
	query := cp.module.Package.Path.String() + ".deny"

	r := rego.New(
		rego.Module(cp.policy.Name, cp.policy.Rego),
		rego.Query(query),
		rego.Input(input),
	)
	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, res := range results {
		for _, expr := range res.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, e.toViolation(cp.policy, d))
			}
		}
	}
	return violations, nil
}

// toViolation converts a deny result into a Violation, honoring a
// per-violation severity override.
func (e *Engine) toViolation(pol *Policy, result interface{}) Violation {
	v := Violation{
		Policy:     pol.Name,
		Severity:   pol.Severity,
		DetectedAt: time.Now(),
	}
	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

func (e *Engine) compileAndStore(pol *Policy) error {
	module, err := ast.ParseModule(pol.Name, pol.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	e.policies[pol.Name] = &compiledPolicy{
		policy:   pol,
		module:   module,
		compiled: time.Now(),
	}
	return nil
}
