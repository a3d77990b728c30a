package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in guardrail policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		protectedNamespacesPolicy(),
		ttlCeilingPolicy(),
		blastRadiusPolicy(),
		ttlRecommendedPolicy(),
	}
}

// protectedNamespacesPolicy blocks faults aimed at namespaces the operator
// declared off-limits.
func protectedNamespacesPolicy() Policy {
	return Policy{
		Name:        "protected-namespaces",
		Description: "Blocks fault injection into protected namespaces",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"blast-radius", "namespaces"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package faultline.policies.namespaces

import rego.v1

deny contains violation if {
	some ns in input.context.protected_namespaces
	input.request.metadata.namespace == ns
	violation := {
		"message": sprintf("namespace %q is protected and must not receive faults", [ns]),
		"severity": "critical",
	}
}
`,
	}
}

// ttlCeilingPolicy blocks requests asking for a TTL above the engine-wide
// ceiling, and requests with no TTL at all when a ceiling is configured.
func ttlCeilingPolicy() Policy {
	return Policy{
		Name:        "ttl-ceiling",
		Description: "Blocks faults whose TTL exceeds the configured ceiling",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"blast-radius", "ttl"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package faultline.policies.ttl

import rego.v1

deny contains violation if {
	input.context.max_ttl_seconds > 0
	input.request.metadata.ttl_seconds > input.context.max_ttl_seconds
	violation := {
		"message": sprintf("requested TTL %ds exceeds the ceiling of %ds", [input.request.metadata.ttl_seconds, input.context.max_ttl_seconds]),
		"severity": "error",
	}
}

deny contains violation if {
	input.context.max_ttl_seconds > 0
	input.request.metadata.ttl_seconds == 0
	violation := {
		"message": "a TTL is required when a TTL ceiling is configured; unbounded faults are not allowed",
		"severity": "error",
	}
}
`,
	}
}

// blastRadiusPolicy bounds how many pods a fault may name explicitly.
func blastRadiusPolicy() Policy {
	return Policy{
		Name:        "blast-radius",
		Description: "Bounds the number of explicitly targeted pods",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"blast-radius", "selector"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package faultline.policies.blast

import rego.v1

deny contains violation if {
	input.context.max_target_pods > 0
	count(input.request.selector.pods) > input.context.max_target_pods
	violation := {
		"message": sprintf("selector names %d pods, above the limit of %d", [count(input.request.selector.pods), input.context.max_target_pods]),
		"severity": "error",
	}
}
`,
	}
}

// ttlRecommendedPolicy warns when a composable fault has no TTL. Warnings
// never block admission.
func ttlRecommendedPolicy() Policy {
	return Policy{
		Name:        "ttl-recommended",
		Description: "Warns when a fault is submitted without a TTL",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"ttl", "hygiene"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package faultline.policies.hygiene

import rego.v1

deny contains violation if {
	input.context.max_ttl_seconds == 0
	input.request.metadata.ttl_seconds == 0
	violation := {
		"message": "fault has no TTL and no ceiling is configured; it will stay active until reverted manually",
		"severity": "warning",
	}
}
`,
	}
}
