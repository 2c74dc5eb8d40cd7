// Package testhelpers provides the small set of assertion helpers peel's
// own tests share, trimmed from the daemon/registry-backed helpers this
// module's tests no longer need (peel inspects archives and daemons it
// doesn't control; it never spins one up for its own tests).
package testhelpers

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// AssertEq fails the test with a diff if actual and expected aren't deeply
// equal.
func AssertEq(t *testing.T, actual, expected interface{}) {
	t.Helper()
	if diff := cmp.Diff(expected, actual); diff != "" {
		t.Fatal(diff)
	}
}

// AssertNil fails the test if actual is a non-nil error.
func AssertNil(t *testing.T, actual interface{}) {
	t.Helper()
	if actual != nil {
		t.Fatalf("expected nil, got: %v", actual)
	}
}

// AssertError fails the test unless actual is non-nil and its message
// contains expected.
func AssertError(t *testing.T, actual error, expected string) {
	t.Helper()
	if actual == nil {
		t.Fatalf("expected an error containing %q but got nil", expected)
	}
	if !strings.Contains(actual.Error(), expected) {
		t.Fatalf("expected error to contain %q, got %q", expected, actual.Error())
	}
}
