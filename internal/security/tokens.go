package security

import (
	"crypto"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenKind tags a token as access or refresh. A token is only accepted for the kind it was issued as.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

// Reason classifies why Verify rejected a token. Callers must treat every reason the same way
// for authorization; the distinction exists for logging and metrics.
type Reason string

const (
	ReasonMalformed    Reason = "malformed"
	ReasonExpired      Reason = "expired"
	ReasonBadSignature Reason = "bad_signature"
	ReasonWrongKind    Reason = "wrong_kind"
)

var (
	// ErrSigningKeyMissing is returned by the constructors when no usable key is supplied.
	ErrSigningKeyMissing = errors.New("signing key missing")
	// ErrMalformed is matched by a VerifyError for tokens that do not decode to the expected shape.
	ErrMalformed = errors.New("token malformed")
	// ErrExpired is matched by a VerifyError for tokens past exp.
	ErrExpired = errors.New("token expired")
	// ErrBadSignature is matched by a VerifyError for tokens that fail cryptographic verification.
	ErrBadSignature = errors.New("token signature invalid")
	// ErrWrongKind is matched by a VerifyError for tokens of the other kind.
	ErrWrongKind = errors.New("token kind mismatch")
)

// VerifyError is the single error type returned by Verify.
type VerifyError struct {
	Reason Reason
	// Cause is the underlying parser error, if any. Log it; never show it to end users.
	Cause error
}

func (e *VerifyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("verify token: %s: %v", e.Reason, e.Cause)
	}
	return "verify token: " + string(e.Reason)
}

// Unwrap lets errors.Is match the sentinel for the reason.
func (e *VerifyError) Unwrap() error {
	switch e.Reason {
	case ReasonExpired:
		return ErrExpired
	case ReasonBadSignature:
		return ErrBadSignature
	case ReasonWrongKind:
		return ErrWrongKind
	default:
		return ErrMalformed
	}
}

// ReasonOf returns the Reason carried by err, or ReasonMalformed for any other error.
func ReasonOf(err error) Reason {
	var ve *VerifyError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return ReasonMalformed
}

// Identity is the subject snapshot embedded in every token.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Claims holds the JWT claims for both token kinds.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string    `json:"sid"`
	Name      string    `json:"name,omitempty"`
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role,omitempty"`
	Kind      TokenKind `json:"kind"`
}

// Identity returns the subject snapshot carried by the claims.
func (c *Claims) Identity() Identity {
	return Identity{ID: c.Subject, Name: c.Name, Email: c.Email, Role: c.Role}
}

// IssuedToken is a freshly signed token with the metadata the caller needs to persist or set cookies.
type IssuedToken struct {
	Token     string
	JTI       string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Codec issues and verifies access and refresh JWTs. It owns the signing key; nothing else in the
// process should sign or parse session tokens.
type Codec struct {
	method    jwt.SigningMethod
	signKey   interface{}
	verifyKey interface{}
	issuer    string
	audience  string
	leeway    time.Duration
	now       func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock sets the time source used for iat, exp and verification.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLeeway sets the clock skew tolerated on verification.
func WithLeeway(d time.Duration) Option {
	return func(c *Codec) {
		if d > 0 {
			c.leeway = d
		}
	}
}

// NewHMACCodec returns a Codec that signs with HS256 using secret.
func NewHMACCodec(secret []byte, issuer, audience string, opts ...Option) (*Codec, error) {
	if len(secret) == 0 {
		return nil, ErrSigningKeyMissing
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return newCodec(jwt.SigningMethodHS256, key, key, issuer, audience, opts), nil
}

// NewKeyPairCodec returns a Codec that signs with RS256 or ES256 depending on the key type.
func NewKeyPairCodec(privateKey crypto.Signer, publicKey crypto.PublicKey, issuer, audience string, opts ...Option) (*Codec, error) {
	if privateKey == nil || publicKey == nil {
		return nil, ErrSigningKeyMissing
	}
	method, err := signingMethodFor(publicKey)
	if err != nil {
		return nil, err
	}
	return newCodec(method, privateKey, publicKey, issuer, audience, opts), nil
}

func newCodec(method jwt.SigningMethod, signKey, verifyKey interface{}, issuer, audience string, opts []Option) *Codec {
	c := &Codec{
		method:    method,
		signKey:   signKey,
		verifyKey: verifyKey,
		issuer:    issuer,
		audience:  audience,
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Issue signs a token of the given kind for identity, bound to sessionID, valid for ttl.
// Errors are configuration or entropy failures, never user-facing.
func (c *Codec) Issue(identity Identity, sessionID string, kind TokenKind, ttl time.Duration) (IssuedToken, error) {
	if kind != KindAccess && kind != KindRefresh {
		return IssuedToken{}, fmt.Errorf("issue token: unknown kind %q", kind)
	}
	if ttl <= 0 {
		return IssuedToken{}, errors.New("issue token: ttl must be positive")
	}
	if identity.ID == "" || sessionID == "" {
		return IssuedToken{}, errors.New("issue token: subject and session id are required")
	}
	jti, err := generateJTI()
	if err != nil {
		return IssuedToken{}, err
	}
	// NumericDate has second precision; truncating keeps iat+ttl == exp exactly.
	now := c.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   identity.ID,
			Issuer:    c.issuer,
			Audience:  jwt.ClaimStrings{c.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		SessionID: sessionID,
		Name:      identity.Name,
		Email:     identity.Email,
		Role:      identity.Role,
		Kind:      kind,
	}
	token, err := jwt.NewWithClaims(c.method, claims).SignedString(c.signKey)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("issue token: %w", err)
	}
	return IssuedToken{Token: token, JTI: jti, IssuedAt: now, ExpiresAt: expiresAt}, nil
}

// Verify checks signature, issuer, audience, expiry and kind. It never panics; on failure it
// returns a *VerifyError.
func (c *Codec) Verify(token string, kind TokenKind) (*Claims, error) {
	return c.verify(token, kind, false)
}

// VerifyIgnoringExpiry checks everything Verify does except exp. Used only to find the session a
// stale token belongs to (logout); the result must never authorize a request.
func (c *Codec) VerifyIgnoringExpiry(token string, kind TokenKind) (*Claims, error) {
	return c.verify(token, kind, true)
}

func (c *Codec) verify(token string, kind TokenKind, ignoreExpiry bool) (*Claims, error) {
	if token == "" {
		return nil, &VerifyError{Reason: ReasonMalformed}
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithIssuedAt(),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	}
	if c.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(c.leeway))
	}
	if ignoreExpiry {
		// exp must still be present; a far leeway disables the comparison only.
		opts = append(opts, jwt.WithLeeway(100*365*24*time.Hour))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return c.verifyKey, nil
	}, opts...)
	if err != nil {
		return nil, classify(err)
	}
	if !parsed.Valid {
		return nil, &VerifyError{Reason: ReasonMalformed}
	}
	if claims.Subject == "" || claims.SessionID == "" || claims.ID == "" {
		return nil, &VerifyError{Reason: ReasonMalformed, Cause: errors.New("missing sub, sid or jti")}
	}
	if claims.Kind != kind {
		return nil, &VerifyError{Reason: ReasonWrongKind}
	}
	return claims, nil
}

func classify(err error) *VerifyError {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return &VerifyError{Reason: ReasonMalformed, Cause: err}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return &VerifyError{Reason: ReasonBadSignature, Cause: err}
	case errors.Is(err, jwt.ErrTokenExpired):
		return &VerifyError{Reason: ReasonExpired, Cause: err}
	default:
		return &VerifyError{Reason: ReasonMalformed, Cause: err}
	}
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
