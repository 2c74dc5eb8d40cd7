package runtimeprobe

import (
	"os"
	"testing"

	"github.com/sclevine/spec"
	"github.com/sclevine/spec/report"

	h "github.com/mkrasner/peel/internal/testhelpers"
)

func TestRuntimeProbeHelpers(t *testing.T) {
	spec.Run(t, "runtimeprobe helpers", testRuntimeProbeHelpers, spec.Report(report.Terminal{}))
}

func testRuntimeProbeHelpers(t *testing.T, when spec.G, it spec.S) {
	when("isOverlayCapable", func() {
		cases := map[string]bool{
			"overlay2":       true,
			"fuse":           true,
			"vfs":            true,
			"fuse-overlayfs": true,
			"btrfs":          false,
			"unknown":        false,
			"":               false,
		}
		for driver, want := range cases {
			driver, want := driver, want
			it("classifies storage driver "+driver, func() {
				h.AssertEq(t, isOverlayCapable(driver), want)
			})
		}
	})

	when("firstOnPath", func() {
		it("resolves the first binary that exists on PATH", func() {
			// /bin/sh or sh is reliably on PATH in any environment able to
			// exec subprocesses.
			if got := firstOnPath([]string{"definitely-not-a-real-binary", "sh"}); got == "" {
				t.Fatal("expected to resolve sh on PATH")
			}
		})

		it("returns empty when nothing in the list resolves", func() {
			h.AssertEq(t, firstOnPath([]string{"definitely-not-a-real-binary-xyz"}), "")
		})
	})

	when("isReadable", func() {
		var dir string

		it.Before(func() {
			var err error
			dir, err = os.MkdirTemp("", "peel-runtimeprobe-test-")
			h.AssertNil(t, err)
		})

		it.After(func() {
			os.RemoveAll(dir)
		})

		it("reports an empty, accessible directory as readable", func() {
			if !isReadable(dir) {
				t.Fatal("expected an empty, accessible directory to be readable")
			}
		})

		it("reports a nonexistent directory as unreadable", func() {
			if isReadable(dir + "-does-not-exist") {
				t.Fatal("expected a nonexistent directory to be unreadable")
			}
		})
	})
}
