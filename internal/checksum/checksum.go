// Package checksum computes the canonical, timestamp-free digest of an
// entity payload so that two instances holding semantically identical data
// always agree on its hash regardless of housekeeping timestamps.
package checksum

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// housekeeping keys are stripped before hashing in every casing variant the
// original Rust service produced them in (snake/camel/Pascal).
var housekeeping = map[string]struct{}{
	"created_at": {}, "createdAt": {}, "CreatedAt": {},
	"updated_at": {}, "updatedAt": {}, "UpdatedAt": {},
	"last_synced_at": {}, "lastSyncedAt": {}, "LastSyncedAt": {},
}

// Sum returns the 32-byte canonical digest of entity, a JSON-shaped mapping
// of field name to value. Two mappings differing only in the housekeeping
// keys hash identically; any other semantic change changes the digest.
func Sum(entity map[string]any) [32]byte {
	return sha256.Sum256([]byte(Canonicalize(entity)))
}

// Canonicalize renders entity into the deterministic string that Sum hashes,
// exposed so callers can inspect or log the pre-image.
func Canonicalize(entity map[string]any) string {
	keys := make([]string, 0, len(entity))
	for k := range entity {
		if _, skip := housekeeping[k]; skip {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(render(entity[k]))
		b.WriteByte(';')
	}
	return b.String()
}

func render(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		if ts, ok := parseTimestamp(val); ok {
			return ts
		}
		return val
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	}
}

// parseTimestamp reports whether s parses as a timestamp in any of the
// formats the upstream models emit, returning its UTC RFC-3339 normal form.
func parseTimestamp(s string) (string, bool) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999",
		"2006-01-02 15:04:05.999999 -0700 MST",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format(time.RFC3339Nano), true
		}
	}
	return "", false
}
