// Package gate is the single entry check for protected routes. It tries credential variants in a fixed
// order, applies the resulting cookie writes, and checks the principal against a scope policy.
package gate

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"marketplace-auth/backend/internal/cookie"
	"marketplace-auth/backend/internal/platform/httpx"
	"marketplace-auth/backend/internal/policy/engine"
)

// Decision is the outcome of Authenticate.
type Decision struct {
	Principal *Principal // nil when unauthenticated
	Effects   Effects
}

// Gate evaluates variants in the order given to New.
type Gate struct {
	variants []Variant
	authz    engine.Evaluator
	cookies  *cookie.Transport
	log      *zap.Logger
}

// New returns a Gate. Variants are tried in order; the conventional order is OperatorKey then UserSession.
func New(authz engine.Evaluator, cookies *cookie.Transport, log *zap.Logger, variants ...Variant) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{variants: variants, authz: authz, cookies: cookies, log: log}
}

// Authenticate runs the variants until one accepts or rejects.
func (g *Gate) Authenticate(r *http.Request) Decision {
	for _, v := range g.variants {
		res := v.Authenticate(r)
		switch res.Status {
		case Accepted:
			return Decision{Principal: res.Principal, Effects: res.Effects}
		case Rejected:
			g.log.Debug("gate: credential rejected", zap.String("variant", v.Name()), zap.String("path", r.URL.Path))
			return Decision{Effects: res.Effects}
		}
	}
	return Decision{}
}

// RequireAPI rejects unauthenticated requests with 401 JSON and out-of-scope ones with 403.
func (g *Gate) RequireAPI(scope string) func(http.Handler) http.Handler {
	return g.require(scope, func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, http.StatusUnauthorized, httpx.CodeUnauthenticated, "authentication required")
	}, func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, http.StatusForbidden, httpx.CodeForbidden, "access denied")
	})
}

// RequirePage redirects unauthenticated requests to loginURL with ?next= set to the original URI.
func (g *Gate) RequirePage(scope, loginURL string) func(http.Handler) http.Handler {
	return g.require(scope, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, loginRedirect(loginURL, r.URL.RequestURI()), http.StatusSeeOther)
	}, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	})
}

func (g *Gate) require(scope string, unauthenticated, forbidden http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := g.Authenticate(r)
			g.apply(w, d.Effects)
			if d.Principal == nil {
				unauthenticated(w, r)
				return
			}
			subject := engine.Subject{Kind: string(d.Principal.Kind), ID: d.Principal.Identity.ID, Role: d.Principal.Identity.Role}
			allowed, err := g.authz.Allow(r.Context(), subject, scope)
			if err != nil {
				g.log.Error("gate: policy evaluation failed", zap.String("scope", scope), zap.Error(err))
				allowed = false
			}
			if !allowed {
				forbidden(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), d.Principal)))
		})
	}
}

func (g *Gate) apply(w http.ResponseWriter, e Effects) {
	switch {
	case e.Clear:
		g.cookies.ClearCredentials(w)
	case e.Access.Token != "":
		g.cookies.SetCredentials(w, e.Access, e.Refresh)
	}
}

func loginRedirect(loginURL, next string) string {
	sep := "?"
	if strings.Contains(loginURL, "?") {
		sep = "&"
	}
	return loginURL + sep + "next=" + url.QueryEscape(next)
}
