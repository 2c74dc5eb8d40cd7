// Package dispatch chooses which backend inspects a given image reference
// and, when the choice is overlay2 but the storage root isn't readable,
// carries out privilege escalation via re-exec under sudo.
package dispatch

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mkrasner/peel"
	"github.com/mkrasner/peel/archive"
	"github.com/mkrasner/peel/overlay2"
	"github.com/mkrasner/peel/progress"
	"github.com/mkrasner/peel/runtimecli"
	"github.com/mkrasner/peel/runtimeprobe"
)

// EscalationEnvVar gates the re-exec state machine: unset means
// unescalated, "1" means this process is already the escalated child.
const EscalationEnvVar = "PEEL_ESCALATED"

// Options configures Select's policy.
type Options struct {
	Runtime string // forced runtime name ("docker"|"podman"|"containerd"), empty for auto
	UseOCI  bool   // force runtime-CLI backend
	NoSudo  bool   // refuse automatic escalation
	Sink    progress.Sink
	Log     logrus.FieldLogger
}

var archiveExtensions = []string{".tar", ".tar.gz", ".tgz", ".gz"}

// Result is Select's product: the constructed backend, plus (when runtime
// probing actually ran) the probe's full findings and the one runtime
// Select picked, for a caller that wants to report what was detected before
// inspection begins.
type Result struct {
	Inspector peel.Inspector
	Probe     *runtimeprobe.Probe  // nil when the archive-extension shortcut was taken; no probing occurred
	Selected  runtimeprobe.Runtime // zero value alongside a nil Probe
}

// Select picks and constructs a backend for image, per §4.4's priority
// order: archive-extension shortcut, forced runtime-CLI, probe-driven
// overlay2 (with escalation if needed), runtime-CLI fallback, fatal.
func Select(image string, opts Options) (Result, error) {
	if opts.Log == nil {
		opts.Log = logrus.WithField("component", "dispatch")
	}
	if opts.Sink == nil {
		opts.Sink = progress.Noop{}
	}

	if hasArchiveExtension(image) {
		insp := archive.New(image, archive.Options{OnLayerParsed: opts.Sink, Log: opts.Log})
		return Result{Inspector: insp}, nil
	}

	probe := runtimeprobe.Discover(opts.Log)

	if opts.UseOCI {
		rt, ok := resolveRuntime(probe, opts.Runtime)
		if !ok {
			rt = runtimeprobe.Runtime{Kind: runtimecli.Docker, BinaryPath: "docker"}
		}
		insp := runtimecli.New(rt.Kind, rt.BinaryPath, opts.Sink, opts.Log)
		return Result{Inspector: insp, Probe: probe, Selected: rt}, nil
	}

	if rt, ok := overlayCandidate(probe, opts.Runtime); ok {
		if rt.CanRead {
			insp := overlay2.New(rt.StorageRoot, opts.Log)
			return Result{Inspector: insp, Probe: probe, Selected: rt}, nil
		}
		if opts.NoSudo {
			return Result{}, peel.NewError(peel.KindPermissionDenied,
				"cannot read "+rt.StorageRoot+" and escalation is disabled (--no-sudo)")
		}
		if err := escalate(opts.Log); err != nil {
			return Result{}, err
		}
		// escalate replaces the process image via syscall.Exec and returns
		// only with an error when the re-exec could not start; reaching here
		// would mean it returned nil, which escalate itself never does.
		return Result{}, peel.NewError(peel.KindPermissionDenied, "escalation did not take effect")
	}

	if rt, ok := resolveRuntime(probe, opts.Runtime); ok {
		insp := runtimecli.New(rt.Kind, rt.BinaryPath, opts.Sink, opts.Log)
		return Result{Inspector: insp, Probe: probe, Selected: rt}, nil
	}

	return Result{}, peel.NewError(peel.KindRuntimeUnavailable,
		"no container runtime detected and "+image+" is not a recognized archive path; install docker or podman, or pass a .tar/.tar.gz/.tgz archive")
}

// hasArchiveExtension reports whether image's suffix matches one of the
// extensions that route directly to the archive backend, bypassing all
// runtime probing.
func hasArchiveExtension(image string) bool {
	for _, ext := range archiveExtensions {
		if strings.HasSuffix(image, ext) {
			return true
		}
	}
	return false
}

// overlayCandidate returns the probed runtime to use for the overlay2
// backend: the explicitly requested runtime if named, else the probe's
// default, but only when its storage driver is one overlay2 can walk.
func overlayCandidate(probe *runtimeprobe.Probe, requested string) (runtimeprobe.Runtime, bool) {
	if requested != "" {
		rt, ok := probe.ByKind(runtimecli.RuntimeKind(requested))
		if !ok || !isOverlayDriver(rt.StorageDriver) {
			return runtimeprobe.Runtime{}, false
		}
		return rt, true
	}
	rt, ok := probe.Default()
	if !ok || !isOverlayDriver(rt.StorageDriver) {
		return runtimeprobe.Runtime{}, false
	}
	return rt, true
}

func isOverlayDriver(driver string) bool {
	switch driver {
	case "overlay2", "fuse", "vfs", "fuse-overlayfs":
		return true
	default:
		return false
	}
}

func resolveRuntime(probe *runtimeprobe.Probe, requested string) (runtimeprobe.Runtime, bool) {
	if requested != "" {
		return probe.ByKind(runtimecli.RuntimeKind(requested))
	}
	if rt, ok := probe.Default(); ok {
		return rt, true
	}
	if len(probe.Runtimes) > 0 {
		return probe.Runtimes[0], true
	}
	return runtimeprobe.Runtime{}, false
}

// IsEscalated reports whether this process is already the re-exec'd,
// escalated child.
func IsEscalated() bool {
	return os.Getenv(EscalationEnvVar) == "1"
}
