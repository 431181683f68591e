package engine

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const allowQuery = "data.marketplace.authz.allow"

// DefaultPolicy maps roles to the scopes they may enter. Operators reach admin and vendor tooling but
// never user scope, which requires a real subject.
const DefaultPolicy = `package marketplace.authz

default allow := false

role_scopes := {
	"customer": {"user"},
	"vendor": {"user", "vendor"},
	"admin": {"user", "vendor", "admin"},
}

operator_scopes := {"vendor", "admin"}

allow if {
	input.subject.kind == "user"
	input.subject.id != ""
	role_scopes[input.subject.role][input.scope]
}

allow if {
	input.subject.kind == "operator"
	operator_scopes[input.scope]
}
`

// OPAEvaluator evaluates the scope policy with an in-process OPA Rego engine. The query is prepared
// once; Allow is safe for concurrent use.
type OPAEvaluator struct {
	query rego.PreparedEvalQuery
}

// NewOPAEvaluator compiles policy (DefaultPolicy when empty) and prepares the allow query.
func NewOPAEvaluator(ctx context.Context, policy string) (*OPAEvaluator, error) {
	if policy == "" {
		policy = DefaultPolicy
	}
	compiler, err := ast.CompileModules(map[string]string{"authz.rego": policy})
	if err != nil {
		return nil, fmt.Errorf("compile policy: %w", err)
	}
	q, err := rego.New(
		rego.Query(allowQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare policy: %w", err)
	}
	return &OPAEvaluator{query: q}, nil
}

// NewOPAEvaluatorFromFile loads the policy from path; an empty path uses DefaultPolicy.
func NewOPAEvaluatorFromFile(ctx context.Context, path string) (*OPAEvaluator, error) {
	if path == "" {
		return NewOPAEvaluator(ctx, "")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return NewOPAEvaluator(ctx, string(b))
}

// Allow evaluates the policy for subject and scope.
func (e *OPAEvaluator) Allow(ctx context.Context, subject Subject, scope string) (bool, error) {
	input := map[string]interface{}{
		"subject": map[string]interface{}{
			"kind": subject.Kind,
			"id":   subject.ID,
			"role": subject.Role,
		},
		"scope": scope,
	}
	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("eval policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, errors.New("policy query returned no result")
	}
	allowed, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("policy returned %T, want bool", rs[0].Expressions[0].Value)
	}
	return allowed, nil
}

// HealthCheck evaluates a known-allowed input to confirm the engine works.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	ok, err := e.Allow(ctx, Subject{Kind: "user", ID: "healthcheck", Role: "admin"}, ScopeAdmin)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("policy denied the health check input")
	}
	return nil
}
