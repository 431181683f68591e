package engine

import "context"

// Scopes guarded by the request gate.
const (
	ScopeUser   = "user"
	ScopeVendor = "vendor"
	ScopeAdmin  = "admin"
)

// Subject is the authenticated principal a scope decision is made for.
type Subject struct {
	Kind string // "user" or "operator"
	ID   string
	Role string
}

// Evaluator decides whether a subject may enter a scope.
type Evaluator interface {
	// Allow reports whether subject may access scope. An error means no decision was reached;
	// callers must deny.
	Allow(ctx context.Context, subject Subject, scope string) (bool, error)
}
