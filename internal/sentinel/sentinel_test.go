package sentinel

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorString(t *testing.T) {
	t.Parallel()

	const e = Error("something failed")
	if got := e.Error(); got != "something failed" {
		t.Fatalf("Error() = %q, want %q", got, "something failed")
	}
}

func TestErrorsIsThroughWrapping(t *testing.T) {
	t.Parallel()

	const base = Error("base condition")
	wrapped := fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", base))

	if !errors.Is(wrapped, base) {
		t.Fatal("errors.Is should match the sentinel through two wrap layers")
	}
	if errors.Is(wrapped, Error("different")) {
		t.Fatal("errors.Is should not match a different sentinel")
	}
}
