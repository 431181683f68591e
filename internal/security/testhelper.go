package security

import "time"

// testSecret is the HS256 secret used by NewTestCodec. Unit tests only.
const testSecret = "test-secret-do-not-use-in-production-0123456789"

// NewTestCodec returns an HS256 Codec with a fixed secret and the given clock (nil for time.Now).
// For unit tests only. Callers must not use in production.
func NewTestCodec(now func() time.Time) *Codec {
	c, err := NewHMACCodec([]byte(testSecret), "test-issuer", "test-audience", WithClock(now))
	if err != nil {
		panic(err)
	}
	return c
}
