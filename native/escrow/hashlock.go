package escrow

import (
	"crypto/sha256"
	"crypto/subtle"
)

// HashlockSize is the required digest length for hashlocks and order hashes.
const HashlockSize = 32

// ComputeHashlock returns the SHA-256 digest committing to a secret.
func ComputeHashlock(secret []byte) [32]byte {
	return sha256.Sum256(secret)
}

// VerifySecret reports whether the revealed secret hashes to the committed
// hashlock. It fails closed: an empty secret or a hashlock of the wrong length
// yields false, never an error. The comparison is constant-structure.
func VerifySecret(secret, hashlock []byte) bool {
	if len(secret) == 0 || len(hashlock) != HashlockSize {
		return false
	}
	digest := sha256.Sum256(secret)
	return subtle.ConstantTimeCompare(digest[:], hashlock) == 1
}
