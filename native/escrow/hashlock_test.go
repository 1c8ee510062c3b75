package escrow

import (
	"crypto/sha256"
	"testing"
)

func TestComputeHashlock(t *testing.T) {
	secret := []byte("a perfectly ordinary swap secret")
	want := sha256.Sum256(secret)
	if got := ComputeHashlock(secret); got != want {
		t.Fatalf("hashlock mismatch")
	}
}

func TestVerifySecret(t *testing.T) {
	secret := []byte("a perfectly ordinary swap secret")
	hashlock := ComputeHashlock(secret)

	if !VerifySecret(secret, hashlock[:]) {
		t.Fatalf("valid secret rejected")
	}
	if VerifySecret([]byte("some other secret"), hashlock[:]) {
		t.Fatalf("wrong secret accepted")
	}
	if VerifySecret(nil, hashlock[:]) {
		t.Fatalf("empty secret accepted")
	}
	if VerifySecret(secret, hashlock[:31]) {
		t.Fatalf("truncated hashlock accepted")
	}
	if VerifySecret(secret, nil) {
		t.Fatalf("missing hashlock accepted")
	}
}
