// Package policy provides Rego-based guardrails evaluated before a fault
// request is admitted. Built-in policies bound the blast radius (protected
// namespaces, TTL ceiling, explicit pod count); operators can layer their
// own .rego files on top. A blocked request surfaces a POLICY_DENIED error
// listing every blocking violation.
package policy
