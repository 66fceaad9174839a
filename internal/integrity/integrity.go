// Package integrity provides content digests for uploaded trace payloads.
// Digests are versioned so the scheme can evolve without invalidating stored
// values. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// digestV1Prefix marks digests computed with the current scheme: SHA-256 over
// the raw payload bytes, hex encoded.
const digestV1Prefix = "v1:"

// Digest produces a versioned content digest for a raw trace payload.
// Identical payloads always digest identically, which is what upload
// deduplication keys on.
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return digestV1Prefix + hex.EncodeToString(sum[:])
}

// Verify checks whether a stored digest matches the payload. Digests with an
// unknown version prefix never match.
func Verify(stored string, payload []byte) bool {
	if !strings.HasPrefix(stored, digestV1Prefix) {
		return false
	}
	return stored == Digest(payload)
}
