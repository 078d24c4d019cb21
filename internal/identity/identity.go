package identity

import (
	"crypto/sha256"
	"encoding/hex"
)

// Of derives the content-addressed job identity from raw upload bytes.
// Two uploads with identical bytes always map to the same identity,
// which is what makes the whole pipeline idempotent.
func Of(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
