package security

import "testing"

func TestHashToken(t *testing.T) {
	h := HashToken("abc")
	if len(h) != 64 {
		t.Fatalf("len(HashToken) = %d, want 64", len(h))
	}
	if h != HashToken("abc") {
		t.Error("HashToken should be deterministic")
	}
	if !TokenHashEqual("abc", h) {
		t.Error("TokenHashEqual(abc) = false")
	}
	if TokenHashEqual("abd", h) {
		t.Error("TokenHashEqual(abd) = true")
	}
}
