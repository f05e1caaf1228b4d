package capacity

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMatchesSentinel(t *testing.T) {
	err := &Error{Provider: "openai", Waiting: 10, Limit: 10}

	if !errors.Is(err, ErrQueueFull) {
		t.Fatal("errors.Is should match ErrQueueFull")
	}
	if !IsCapacity(err) {
		t.Fatal("IsCapacity should report true")
	}
}

func TestWrappedErrorStillMatches(t *testing.T) {
	err := fmt.Errorf("admission: %w", &Error{Provider: "p", Waiting: 1, Limit: 1})

	if !IsCapacity(err) {
		t.Fatal("IsCapacity should see through wrapping")
	}

	var capErr *Error
	if !errors.As(err, &capErr) {
		t.Fatal("errors.As should recover the structured error")
	}
	if capErr.Provider != "p" {
		t.Fatalf("Provider = %q", capErr.Provider)
	}
}

func TestUnrelatedErrorDoesNotMatch(t *testing.T) {
	if IsCapacity(errors.New("timeout")) {
		t.Fatal("unrelated error must not be a capacity rejection")
	}
	if IsCapacity(nil) {
		t.Fatal("nil must not be a capacity rejection")
	}
}
