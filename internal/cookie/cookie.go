// Package cookie writes and reads the two session credential cookies. It holds no business logic.
package cookie

import (
	"net/http"
	"strings"
	"time"

	"marketplace-auth/backend/internal/security"
)

// Default cookie names.
const (
	DefaultAccessName  = "session"
	DefaultRefreshName = "refresh_token"
)

// Values are the raw credential cookie values on a request.
type Values struct {
	Access  string
	Refresh string
}

// Transport writes host-only, HttpOnly, Path=/ cookies whose lifetime matches the token they carry.
// AccessTTL and RefreshTTL apply only to tokens issued without an expiry.
type Transport struct {
	AccessName  string
	RefreshName string
	Secure      bool
	SameSite    http.SameSite
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
}

// New returns a Transport. Empty names get the defaults; sameSite is "strict" or anything else for Lax.
func New(accessName, refreshName string, secure bool, sameSite string, accessTTL, refreshTTL time.Duration) *Transport {
	if accessName == "" {
		accessName = DefaultAccessName
	}
	if refreshName == "" {
		refreshName = DefaultRefreshName
	}
	mode := http.SameSiteLaxMode
	if strings.EqualFold(sameSite, "strict") {
		mode = http.SameSiteStrictMode
	}
	return &Transport{
		AccessName:  accessName,
		RefreshName: refreshName,
		Secure:      secure,
		SameSite:    mode,
		AccessTTL:   accessTTL,
		RefreshTTL:  refreshTTL,
	}
}

// SetCredentials writes the access cookie and, when refresh carries a token, the refresh cookie.
func (t *Transport) SetCredentials(w http.ResponseWriter, access, refresh security.IssuedToken) {
	t.SetAccess(w, access)
	if refresh.Token != "" {
		http.SetCookie(w, t.tokenCookie(t.RefreshName, refresh, t.RefreshTTL))
	}
}

// SetAccess writes only the access cookie.
func (t *Transport) SetAccess(w http.ResponseWriter, access security.IssuedToken) {
	http.SetCookie(w, t.tokenCookie(t.AccessName, access, t.AccessTTL))
}

// ClearCredentials expires both cookies. Safe to call unconditionally.
func (t *Transport) ClearCredentials(w http.ResponseWriter) {
	for _, name := range []string{t.AccessName, t.RefreshName} {
		c := t.cookie(name, "", 0)
		c.MaxAge = -1
		c.Expires = time.Unix(0, 0)
		http.SetCookie(w, c)
	}
}

// Read returns both credential values from r; missing cookies are empty.
func (t *Transport) Read(r *http.Request) Values {
	var v Values
	if c, err := r.Cookie(t.AccessName); err == nil {
		v.Access = c.Value
	}
	if c, err := r.Cookie(t.RefreshName); err == nil {
		v.Refresh = c.Value
	}
	return v
}

// tokenCookie expires with the token itself; fallback covers a zero ExpiresAt.
func (t *Transport) tokenCookie(name string, tok security.IssuedToken, fallback time.Duration) *http.Cookie {
	if tok.ExpiresAt.IsZero() {
		return t.cookie(name, tok.Token, fallback)
	}
	c := t.cookie(name, tok.Token, 0)
	c.Expires = tok.ExpiresAt.UTC()
	c.MaxAge = int(time.Until(tok.ExpiresAt) / time.Second)
	if c.MaxAge <= 0 {
		c.MaxAge = -1
	}
	return c
}

func (t *Transport) cookie(name, value string, ttl time.Duration) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   t.Secure,
		SameSite: t.SameSite,
	}
	if ttl > 0 {
		c.MaxAge = int(ttl / time.Second)
		c.Expires = time.Now().Add(ttl).UTC()
	}
	return c
}
