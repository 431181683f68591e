package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

var testIdentity = Identity{ID: "42", Name: "Ada", Email: "ada@example.com", Role: "customer"}

func TestCodec_RoundTrip(t *testing.T) {
	clk := newClock()
	c := NewTestCodec(clk.Now)

	for _, kind := range []TokenKind{KindAccess, KindRefresh} {
		issued, err := c.Issue(testIdentity, "sess-1", kind, 15*time.Minute)
		if err != nil {
			t.Fatalf("Issue(%s): %v", kind, err)
		}
		if issued.JTI == "" {
			t.Errorf("Issue(%s): empty jti", kind)
		}
		if !issued.ExpiresAt.Equal(issued.IssuedAt.Add(15 * time.Minute)) {
			t.Errorf("ExpiresAt = %v, want IssuedAt+15m", issued.ExpiresAt)
		}
		claims, err := c.Verify(issued.Token, kind)
		if err != nil {
			t.Fatalf("Verify(%s): %v", kind, err)
		}
		if claims.Identity() != testIdentity {
			t.Errorf("Identity = %+v, want %+v", claims.Identity(), testIdentity)
		}
		if claims.SessionID != "sess-1" {
			t.Errorf("SessionID = %q, want sess-1", claims.SessionID)
		}
		if claims.ID != issued.JTI {
			t.Errorf("jti = %q, want %q", claims.ID, issued.JTI)
		}
	}
}

func TestCodec_UniqueJTI(t *testing.T) {
	c := NewTestCodec(nil)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		issued, err := c.Issue(testIdentity, "sess-1", KindRefresh, time.Hour)
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		if seen[issued.JTI] {
			t.Fatalf("duplicate jti %q", issued.JTI)
		}
		seen[issued.JTI] = true
	}
}

func TestCodec_Expiry(t *testing.T) {
	clk := newClock()
	c := NewTestCodec(clk.Now)

	issued, err := c.Issue(testIdentity, "sess-1", KindAccess, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	clk.Advance(59 * time.Second)
	if _, err := c.Verify(issued.Token, KindAccess); err != nil {
		t.Fatalf("Verify before expiry: %v", err)
	}
	clk.Advance(2 * time.Second)
	_, err = c.Verify(issued.Token, KindAccess)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("Verify after expiry: err = %v, want ErrExpired", err)
	}
	if ReasonOf(err) != ReasonExpired {
		t.Errorf("ReasonOf = %q, want %q", ReasonOf(err), ReasonExpired)
	}
}

func TestCodec_LeewayExtendsExpiry(t *testing.T) {
	clk := newClock()
	c, err := NewHMACCodec([]byte(testSecret), "test-issuer", "test-audience", WithClock(clk.Now), WithLeeway(5*time.Second))
	if err != nil {
		t.Fatalf("NewHMACCodec: %v", err)
	}
	issued, err := c.Issue(testIdentity, "sess-1", KindAccess, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	clk.Advance(time.Minute + 3*time.Second)
	if _, err := c.Verify(issued.Token, KindAccess); err != nil {
		t.Fatalf("Verify within leeway: %v", err)
	}
	clk.Advance(3 * time.Second)
	if _, err := c.Verify(issued.Token, KindAccess); !errors.Is(err, ErrExpired) {
		t.Fatalf("Verify past leeway: err = %v, want ErrExpired", err)
	}
}

func TestCodec_TamperRejected(t *testing.T) {
	c := NewTestCodec(nil)
	issued, err := c.Issue(testIdentity, "sess-1", KindAccess, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	for i := 0; i < len(issued.Token); i++ {
		b := []byte(issued.Token)
		b[i] ^= 0x01
		if _, err := c.Verify(string(b), KindAccess); err == nil {
			t.Fatalf("flipped byte %d: token still verified", i)
		}
	}
}

func TestCodec_WrongKindRejected(t *testing.T) {
	c := NewTestCodec(nil)
	issued, err := c.Issue(testIdentity, "sess-1", KindRefresh, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	_, err = c.Verify(issued.Token, KindAccess)
	if !errors.Is(err, ErrWrongKind) {
		t.Fatalf("err = %v, want ErrWrongKind", err)
	}
}

func TestCodec_OtherSecretRejected(t *testing.T) {
	a := NewTestCodec(nil)
	b, err := NewHMACCodec([]byte(strings.Repeat("x", 32)), "test-issuer", "test-audience")
	if err != nil {
		t.Fatalf("NewHMACCodec: %v", err)
	}
	issued, err := a.Issue(testIdentity, "sess-1", KindAccess, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	_, err = b.Verify(issued.Token, KindAccess)
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
}

func TestCodec_IssuerAndAudienceChecked(t *testing.T) {
	issuer := NewTestCodec(nil)
	issued, err := issuer.Issue(testIdentity, "sess-1", KindAccess, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	otherIss, _ := NewHMACCodec([]byte(testSecret), "someone-else", "test-audience")
	if _, err := otherIss.Verify(issued.Token, KindAccess); err == nil {
		t.Error("token accepted by codec with different issuer")
	}
	otherAud, _ := NewHMACCodec([]byte(testSecret), "test-issuer", "admin-console")
	if _, err := otherAud.Verify(issued.Token, KindAccess); err == nil {
		t.Error("token accepted by codec with different audience")
	}
}

func TestCodec_MalformedInputs(t *testing.T) {
	c := NewTestCodec(nil)
	for _, in := range []string{"", "abc", "a.b.c", "....", "eyJhbGciOiJub25lIn0.e30."} {
		_, err := c.Verify(in, KindAccess)
		if err == nil {
			t.Errorf("Verify(%q): expected error", in)
			continue
		}
		var ve *VerifyError
		if !errors.As(err, &ve) {
			t.Errorf("Verify(%q): err %T is not *VerifyError", in, err)
		}
	}
}

func TestCodec_VerifyIgnoringExpiry(t *testing.T) {
	clk := newClock()
	c := NewTestCodec(clk.Now)
	issued, err := c.Issue(testIdentity, "sess-9", KindAccess, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	clk.Advance(48 * time.Hour)
	if _, err := c.Verify(issued.Token, KindAccess); !errors.Is(err, ErrExpired) {
		t.Fatalf("Verify: err = %v, want ErrExpired", err)
	}
	claims, err := c.VerifyIgnoringExpiry(issued.Token, KindAccess)
	if err != nil {
		t.Fatalf("VerifyIgnoringExpiry: %v", err)
	}
	if claims.SessionID != "sess-9" {
		t.Errorf("SessionID = %q, want sess-9", claims.SessionID)
	}

	forged := NewTestCodec(clk.Now)
	forged.verifyKey = []byte(strings.Repeat("y", 32))
	if _, err := forged.VerifyIgnoringExpiry(issued.Token, KindAccess); !errors.Is(err, ErrBadSignature) {
		t.Errorf("VerifyIgnoringExpiry with wrong key: err = %v, want ErrBadSignature", err)
	}
}

func TestCodec_MissingExpRejectedEvenIgnoringExpiry(t *testing.T) {
	clk := newClock()
	c := NewTestCodec(clk.Now)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       "jti-1",
			Subject:  "42",
			Issuer:   "test-issuer",
			Audience: jwt.ClaimStrings{"test-audience"},
			IssuedAt: jwt.NewNumericDate(clk.Now()),
		},
		SessionID: "sess-1",
		Kind:      KindAccess,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := c.Verify(token, KindAccess); !errors.Is(err, ErrMalformed) {
		t.Errorf("Verify: err = %v, want ErrMalformed", err)
	}
	if _, err := c.VerifyIgnoringExpiry(token, KindAccess); !errors.Is(err, ErrMalformed) {
		t.Errorf("VerifyIgnoringExpiry: err = %v, want ErrMalformed", err)
	}
}

func TestCodec_IssueValidation(t *testing.T) {
	c := NewTestCodec(nil)
	if _, err := c.Issue(testIdentity, "sess-1", KindAccess, 0); err == nil {
		t.Error("expected error for zero ttl")
	}
	if _, err := c.Issue(Identity{}, "sess-1", KindAccess, time.Minute); err == nil {
		t.Error("expected error for empty subject")
	}
	if _, err := c.Issue(testIdentity, "", KindAccess, time.Minute); err == nil {
		t.Error("expected error for empty session id")
	}
	if _, err := c.Issue(testIdentity, "sess-1", TokenKind("id"), time.Minute); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestNewHMACCodec_EmptySecret(t *testing.T) {
	if _, err := NewHMACCodec(nil, "i", "a"); !errors.Is(err, ErrSigningKeyMissing) {
		t.Fatalf("err = %v, want ErrSigningKeyMissing", err)
	}
}

func TestKeyPairCodec_ECDSA(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	c, err := NewKeyPairCodec(priv, &priv.PublicKey, "test-issuer", "test-audience")
	if err != nil {
		t.Fatalf("NewKeyPairCodec: %v", err)
	}
	issued, err := c.Issue(testIdentity, "sess-1", KindAccess, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := c.Verify(issued.Token, KindAccess); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// An HS256 token must not be accepted by an ES256 codec.
	hmacToken, err := NewTestCodec(nil).Issue(testIdentity, "sess-1", KindAccess, time.Hour)
	if err != nil {
		t.Fatalf("Issue HS256: %v", err)
	}
	if _, err := c.Verify(hmacToken.Token, KindAccess); !errors.Is(err, ErrBadSignature) {
		t.Errorf("HS256 token on ES256 codec: err = %v, want ErrBadSignature", err)
	}
}

func TestKeyPairCodec_RSA(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	c, err := NewKeyPairCodec(priv, &priv.PublicKey, "test-issuer", "test-audience")
	if err != nil {
		t.Fatalf("NewKeyPairCodec: %v", err)
	}
	issued, err := c.Issue(testIdentity, "sess-1", KindRefresh, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := c.Verify(issued.Token, KindRefresh); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestNewKeyPairCodec_Missing(t *testing.T) {
	if _, err := NewKeyPairCodec(nil, nil, "i", "a"); !errors.Is(err, ErrSigningKeyMissing) {
		t.Fatalf("err = %v, want ErrSigningKeyMissing", err)
	}
}
