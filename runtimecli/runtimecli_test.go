package runtimecli

import (
	"errors"
	"testing"

	"github.com/sclevine/spec"
	"github.com/sclevine/spec/report"

	"github.com/mkrasner/peel"
	h "github.com/mkrasner/peel/internal/testhelpers"
)

func TestRuntimeCLIHelpers(t *testing.T) {
	spec.Run(t, "runtimecli helpers", testRuntimeCLIHelpers, spec.Report(report.Terminal{}))
}

func testRuntimeCLIHelpers(t *testing.T, when spec.G, it spec.S) {
	when("reverse", func() {
		it("flips an odd-length slice of history lines", func() {
			lines := []dockerHistoryLine{
				{CreatedBy: "c"},
				{CreatedBy: "b"},
				{CreatedBy: "a"},
			}
			reverse(lines)
			h.AssertEq(t, lines[0].CreatedBy, "a")
			h.AssertEq(t, lines[1].CreatedBy, "b")
			h.AssertEq(t, lines[2].CreatedBy, "c")
		})

		it("flips an even-length slice", func() {
			lines := []dockerHistoryLine{{CreatedBy: "1"}, {CreatedBy: "2"}}
			reverse(lines)
			h.AssertEq(t, lines[0].CreatedBy, "2")
			h.AssertEq(t, lines[1].CreatedBy, "1")
		})
	})

	when("splitNonEmptyLines", func() {
		it("drops blank lines and trims whitespace", func() {
			got := splitNonEmptyLines("a\n\n  b  \nc\n")
			h.AssertEq(t, got, []string{"a", "b", "c"})
		})
	})

	when("bytesTrimSpace", func() {
		it("trims leading and trailing whitespace", func() {
			got := bytesTrimSpace([]byte("  hi \n"))
			h.AssertEq(t, string(got), "hi")
		})
	})

	when("Backend.run", func() {
		it("reports ChildFailed for a nonzero exit", func() {
			b := &Backend{Binary: "/bin/sh"}
			_, err := b.run("-c", "exit 3")
			if err == nil {
				t.Fatal("expected an error from a nonzero exit")
			}
			var pe *peel.Error
			if !errors.As(err, &pe) || pe.Kind != peel.KindChildFailed {
				t.Fatalf("expected a ChildFailed error, got %v", err)
			}
		})

		it("captures stdout on success", func() {
			b := &Backend{Binary: "/bin/sh"}
			out, err := b.run("-c", "printf hello")
			h.AssertNil(t, err)
			h.AssertEq(t, string(out), "hello")
		})
	})
}
