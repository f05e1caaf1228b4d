// Package cache implements the layered response cache: RequestCache and
// GenerationCache as thin keyed wrappers over a store, AdaptiveCache with a
// self-tuning TTL multiplier, LLMResponseCache with per-task TTLs, and the
// SmartCacheManager façade external callers use.
//
// Cache keys are derived from a canonical JSON form of the call arguments,
// hashed with SHA-256 and truncated to a 16-hex-character (64-bit) prefix —
// identical logical calls collide, differing calls do not at any realistic
// scale.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

const keyHashLen = 16 // hex chars of the sha256 digest kept in keys

// hashPayload canonicalizes v as JSON (encoding/json sorts map keys, which
// is the canonical form we rely on), hashes it, and returns the truncated
// hex digest.
func hashPayload(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		// Only unmarshalable values (channels, funcs) land here; fall back
		// to hashing the error text so the key is still stable per call site.
		raw = []byte(err.Error())
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:keyHashLen]
}

// hashString returns the truncated hex sha256 of s.
func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// BuildKey derives a namespaced request-cache key from positional and
// keyword arguments. Keyword names are sorted so argument order never
// changes the key.
func BuildKey(prefix string, args []any, kwargs map[string]any) string {
	payload := struct {
		Prefix string   `json:"prefix"`
		Args   []any    `json:"args"`
		Kwargs [][2]any `json:"kwargs"`
	}{prefix, args, kwargsPairs(kwargs)}

	return prefix + ":" + hashPayload(payload)
}

// kwargsPairs returns kwargs as (name, value) pairs sorted by name.
func kwargsPairs(kwargs map[string]any) [][2]any {
	names := make([]string, 0, len(kwargs))
	for name := range kwargs {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([][2]any, 0, len(kwargs))
	for _, name := range names {
		pairs = append(pairs, [2]any{name, kwargs[name]})
	}
	return pairs
}
