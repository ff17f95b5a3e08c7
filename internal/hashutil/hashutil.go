// Package hashutil holds the small pure helpers shared by internal/storage
// and internal/merkle, kept in a leaf package so neither imports the other.
package hashutil

import (
	"encoding/hex"
	"strings"
)

// Bucket returns the lowercase first character of id, or "_" if id is
// empty.
func Bucket(id string) string {
	if id == "" {
		return "_"
	}
	return strings.ToLower(string(id[0]))
}

// CombineHash XORs two equal-length hex-encoded hashes to produce
// full_hash = content_hash XOR children_hash. An empty childrenHash (no
// sub-entities contribute to this row) leaves full_hash equal to
// contentHash.
func CombineHash(contentHash, childrenHash string) string {
	if childrenHash == "" {
		return contentHash
	}
	a, errA := hex.DecodeString(contentHash)
	b, errB := hex.DecodeString(childrenHash)
	if errA != nil || errB != nil || len(a) != len(b) {
		return contentHash
	}
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return hex.EncodeToString(out)
}
