// Package authz evaluates the authority's access policy with OPA.
package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"
)

// ErrDenied indicates the request was denied by policy.
var ErrDenied = errors.New("access denied")

// Resource types guarded by the policy.
const (
	ResourceValidation   = "validation"
	ResourceProvisioning = "provisioning"
	ResourceDevice       = "device"
	ResourceTable        = "table"
	ResourceAbuse        = "abuse"
	ResourceAudit        = "audit"
)

// Actions understood by the policy.
const (
	ActionRead     = "read"
	ActionCreate   = "create"
	ActionUpdate   = "update"
	ActionGenerate = "generate"
	ActionCheck    = "check"
	ActionVerify   = "verify"
)

// Subject types.
const (
	SubjectUser    = "user"
	SubjectService = "service"
	SubjectSystem  = "system"
)

// Decision represents an authorization decision.
type Decision struct {
	Allowed bool
	Reason  string
}

// Input is the document the policy evaluates.
type Input struct {
	Subject  Subject        `json:"subject"`
	Action   string         `json:"action"`
	Resource Resource       `json:"resource"`
	Context  map[string]any `json:"context,omitempty"`
}

// Subject is the authenticated caller.
type Subject struct {
	ID     string   `json:"id"`
	Type   string   `json:"type"`
	Roles  []string `json:"roles,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
}

// Resource is what the caller acts on.
type Resource struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// Enforcer evaluates a prepared rego query.
type Enforcer struct {
	query rego.PreparedEvalQuery
}

// NewEnforcer compiles policy. The policy must define data.birthmark.authz.allow.
func NewEnforcer(ctx context.Context, policy string) (*Enforcer, error) {
	query, err := rego.New(
		rego.Query("data.birthmark.authz.allow"),
		rego.Module("authz.rego", policy),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare policy: %w", err)
	}
	return &Enforcer{query: query}, nil
}

// NewDefaultEnforcer compiles DefaultPolicy.
func NewDefaultEnforcer(ctx context.Context) (*Enforcer, error) {
	return NewEnforcer(ctx, DefaultPolicy)
}

// Authorize evaluates input against the policy.
func (e *Enforcer) Authorize(ctx context.Context, input Input) (*Decision, error) {
	doc, err := toMap(input)
	if err != nil {
		return nil, err
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation failed: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return &Decision{Reason: "no matching policy"}, nil
	}
	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return &Decision{Reason: "invalid policy result"}, nil
	}
	if !allowed {
		return &Decision{Reason: fmt.Sprintf("%s on %s not permitted", input.Action, input.Resource.Type)}, nil
	}
	return &Decision{Allowed: true}, nil
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal input: %w", err)
	}
	return m, nil
}

// DefaultPolicy grants admins everything, operators provisioning and device
// management short of key-table generation, auditors read access to the
// trail, and aggregators validation only.
const DefaultPolicy = `
package birthmark.authz

default allow := false

allow if input.subject.type == "system"

allow if "admin" in input.subject.roles

grants := {
	"operator": {
		"provisioning": {"create"},
		"device": {"read", "update"},
		"table": {"read"},
		"abuse": {"read", "check"},
		"validation": {"create"},
	},
	"auditor": {
		"audit": {"read", "verify"},
		"device": {"read"},
		"abuse": {"read"},
		"table": {"read"},
	},
	"aggregator": {
		"validation": {"create"},
	},
}

allow if {
	some role in input.subject.roles
	input.action in grants[role][input.resource.type]
}

allow if concat(":", [input.resource.type, input.action]) in input.subject.scopes

allow if concat(":", [input.resource.type, "*"]) in input.subject.scopes
`
