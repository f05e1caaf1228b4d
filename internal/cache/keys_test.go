package cache

import (
	"strings"
	"testing"
)

// TestBuildKeyStable verifies that identical calls produce identical keys.
func TestBuildKeyStable(t *testing.T) {
	a := BuildKey("req", []any{"x", 1}, map[string]any{"style": "noir", "words": 500})
	b := BuildKey("req", []any{"x", 1}, map[string]any{"words": 500, "style": "noir"})

	if a != b {
		t.Fatalf("kwargs order changed the key: %q vs %q", a, b)
	}
}

// TestBuildKeyDiffers verifies that differing arguments change the key.
func TestBuildKeyDiffers(t *testing.T) {
	base := BuildKey("req", []any{"x"}, nil)

	cases := map[string]string{
		"different arg":    BuildKey("req", []any{"y"}, nil),
		"different prefix": BuildKey("other", []any{"x"}, nil),
		"extra kwarg":      BuildKey("req", []any{"x"}, map[string]any{"k": 1}),
	}

	for name, key := range cases {
		if key == base {
			t.Errorf("%s: key unchanged (%q)", name, key)
		}
	}
}

// TestBuildKeyShape verifies the prefix:hash16 layout.
func TestBuildKeyShape(t *testing.T) {
	key := BuildKey("req", []any{"x"}, nil)

	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 || parts[0] != "req" {
		t.Fatalf("key %q should start with the prefix", key)
	}
	if len(parts[1]) != keyHashLen {
		t.Fatalf("hash part is %d chars, want %d", len(parts[1]), keyHashLen)
	}
}

// TestHashPayloadUnmarshalableFallback verifies that values JSON cannot
// encode still produce a stable key instead of panicking.
func TestHashPayloadUnmarshalableFallback(t *testing.T) {
	ch := make(chan int)

	a := hashPayload(ch)
	b := hashPayload(ch)
	if a != b {
		t.Fatalf("fallback hash not stable: %q vs %q", a, b)
	}
	if len(a) != keyHashLen {
		t.Fatalf("fallback hash is %d chars, want %d", len(a), keyHashLen)
	}
}
