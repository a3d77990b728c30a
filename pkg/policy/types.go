package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed but do not
	// block the request.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block the request.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that must never be bypassed.
	SeverityCritical Severity = "critical"
)

// Policy represents a guardrail rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single guardrail violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// Result represents the outcome of guardrail evaluation for one request.
type Result struct {
	// Allowed indicates if the request may proceed. Error and critical
	// violations block; info and warning do not.
	Allowed bool `json:"allowed"`

	// Violations lists all policy violations found.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists evaluation problems that did not block the request.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedAt is when the evaluation ran.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Limits are the engine-wide blast-radius bounds the built-in policies
// evaluate against. They flow into every evaluation as input.context.
type Limits struct {
	// ProtectedNamespaces are namespaces faults must never target.
	ProtectedNamespaces []string `json:"protected_namespaces"`

	// MaxTTL caps the TTL a request may ask for. Zero disables the cap.
	MaxTTL time.Duration `json:"max_ttl"`

	// MaxTargetPods caps how many pods a single fault may name explicitly.
	// Zero disables the cap.
	MaxTargetPods int `json:"max_target_pods"`
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		ProtectedNamespaces: []string{"kube-system", "kube-public", "kube-node-lease"},
		MaxTTL:              4 * time.Hour,
		MaxTargetPods:       25,
	}
}
