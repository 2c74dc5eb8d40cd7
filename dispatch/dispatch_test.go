package dispatch

import (
	"os"
	"testing"

	"github.com/sclevine/spec"
	"github.com/sclevine/spec/report"

	"github.com/mkrasner/peel/archive"
	"github.com/mkrasner/peel/runtimeprobe"
)

func TestDispatch(t *testing.T) {
	spec.Run(t, "dispatch", testDispatch, spec.Report(report.Terminal{}))
}

func testDispatch(t *testing.T, when spec.G, it spec.S) {
	when("hasArchiveExtension", func() {
		cases := map[string]bool{
			"image.tar":     true,
			"image.tar.gz":  true,
			"image.tgz":     true,
			"image.gz":      true,
			"myapp:1.0":     false,
			"myapp":         false,
			"registry/repo": false,
		}
		for image, want := range cases {
			image, want := image, want
			it("classifies "+image, func() {
				if got := hasArchiveExtension(image); got != want {
					t.Errorf("hasArchiveExtension(%q) = %v, want %v", image, got, want)
				}
			})
		}
	})

	when("isOverlayDriver", func() {
		it("accepts overlay2", func() {
			if !isOverlayDriver("overlay2") {
				t.Error("expected overlay2 to be overlay-capable")
			}
		})

		it("rejects btrfs", func() {
			if isOverlayDriver("btrfs") {
				t.Error("expected btrfs to not be overlay-capable")
			}
		})
	})

	when("IsEscalated", func() {
		it.After(func() {
			os.Unsetenv(EscalationEnvVar)
		})

		it("is false by default", func() {
			os.Unsetenv(EscalationEnvVar)
			if IsEscalated() {
				t.Fatal("expected unescalated by default")
			}
		})

		it("is true once the escalation env var is set", func() {
			os.Setenv(EscalationEnvVar, "1")
			if !IsEscalated() {
				t.Fatal("expected escalated after setting the env var")
			}
		})
	})

	when("Select", func() {
		it("routes an archive-extension path directly to the archive backend, skipping the probe", func() {
			result, err := Select("/tmp/myapp.tar.gz", Options{})
			if err != nil {
				t.Fatal(err)
			}
			if _, ok := result.Inspector.(*archive.Inspector); !ok {
				t.Fatalf("expected an *archive.Inspector, got %T", result.Inspector)
			}
			if result.Probe != nil {
				t.Fatal("expected no probe to run for the archive-extension shortcut")
			}
		})
	})

	when("overlayCandidate", func() {
		it("rejects a probed runtime whose storage driver isn't overlay-capable", func() {
			probe := &runtimeprobe.Probe{
				Runtimes:     []runtimeprobe.Runtime{{StorageDriver: "btrfs"}},
				DefaultIndex: 0,
			}
			if _, ok := overlayCandidate(probe, ""); ok {
				t.Fatal("expected no overlay candidate for a non-overlay driver")
			}
		})
	})
}
