package gate

import (
	"context"
	"net/http"
	"strings"

	"marketplace-auth/backend/internal/cookie"
	"marketplace-auth/backend/internal/platform/httpx"
	"marketplace-auth/backend/internal/security"
	"marketplace-auth/backend/internal/session/service"
)

// OperatorHeader carries the static operator key.
const OperatorHeader = "X-Operator-Key"

// Kind distinguishes the two trust paths. They never mix: an operator principal has no subject.
type Kind string

const (
	KindOperator Kind = "operator"
	KindUser     Kind = "user"
)

// Principal is who a request was authenticated as.
type Principal struct {
	Kind      Kind
	Identity  security.Identity
	SessionID string // empty for operators
}

// operatorIdentity is the generic identity every operator principal carries.
var operatorIdentity = security.Identity{ID: "operator", Name: "Operator", Role: "operator"}

// Status is the result of one credential variant.
type Status int

const (
	// NotPresented means the request carried no credential of this kind; the next variant is tried.
	NotPresented Status = iota
	Accepted
	Rejected
)

// Effects are the cookie writes a variant needs applied to the response.
type Effects struct {
	Access  security.IssuedToken
	Refresh security.IssuedToken
	Clear   bool
}

// Result is a variant's verdict.
type Result struct {
	Status    Status
	Principal *Principal
	Effects   Effects
}

// Variant is one credential kind the gate understands.
type Variant interface {
	Name() string
	Authenticate(r *http.Request) Result
}

// OperatorKey accepts the static operator key from OperatorHeader. An empty Key disables it.
type OperatorKey struct {
	Key string
}

func (OperatorKey) Name() string { return string(KindOperator) }

// Authenticate compares the header in constant time. A wrong key is a rejection, not a fall-through.
func (v OperatorKey) Authenticate(r *http.Request) Result {
	provided := strings.TrimSpace(r.Header.Get(OperatorHeader))
	if v.Key == "" || provided == "" {
		return Result{Status: NotPresented}
	}
	if !security.KeyEqual(provided, v.Key) {
		return Result{Status: Rejected}
	}
	return Result{Status: Accepted, Principal: &Principal{Kind: KindOperator, Identity: operatorIdentity}}
}

// Resolver resolves session cookies to an identity.
type Resolver interface {
	Resolve(ctx context.Context, creds service.Credentials) service.Resolution
}

// UserSession resolves the access/refresh cookies through the session manager.
type UserSession struct {
	Resolver Resolver
	Cookies  *cookie.Transport
}

func (UserSession) Name() string { return string(KindUser) }

// Authenticate returns the session's principal, plus new cookies when the manager refreshed.
func (v UserSession) Authenticate(r *http.Request) Result {
	vals := v.Cookies.Read(r)
	if vals.Access == "" && vals.Refresh == "" {
		return Result{Status: NotPresented}
	}
	res := v.Resolver.Resolve(r.Context(), service.Credentials{
		Access:  vals.Access,
		Refresh: vals.Refresh,
		Client:  service.ClientInfo{IPAddress: httpx.ClientIP(r), UserAgent: r.UserAgent()},
	})
	if !res.Authenticated {
		return Result{Status: Rejected, Effects: Effects{Clear: res.ClearCookies}}
	}
	out := Result{
		Status:    Accepted,
		Principal: &Principal{Kind: KindUser, Identity: res.Identity, SessionID: res.SessionID},
	}
	if res.Refreshed {
		out.Effects = Effects{Access: res.Access, Refresh: res.Refresh}
	}
	return out
}
