package security

import "testing"

func TestHashRefreshToken(t *testing.T) {
	h1 := HashRefreshToken("token-a")
	h2 := HashRefreshToken("token-a")
	if h1 != h2 {
		t.Errorf("hash not deterministic: %q != %q", h1, h2)
	}
	if h1 == HashRefreshToken("token-b") {
		t.Error("different tokens produced the same hash")
	}
	if len(h1) != 43 {
		t.Errorf("len(hash) = %d, want 43", len(h1))
	}
}

func TestRefreshTokenHashEqual(t *testing.T) {
	stored := HashRefreshToken("token-a")
	if !RefreshTokenHashEqual("token-a", stored) {
		t.Error("matching token rejected")
	}
	if RefreshTokenHashEqual("token-b", stored) {
		t.Error("other token accepted")
	}
	if RefreshTokenHashEqual("token-a", "") {
		t.Error("empty stored hash accepted")
	}
}

func TestKeyEqual(t *testing.T) {
	if !KeyEqual("op-key", "op-key") {
		t.Error("equal keys rejected")
	}
	if KeyEqual("op-key", "op-kez") {
		t.Error("different keys accepted")
	}
	if KeyEqual("", "") {
		t.Error("empty expected key must never match")
	}
}
