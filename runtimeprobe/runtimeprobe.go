// Package runtimeprobe discovers installed container runtimes, their
// storage roots and drivers, and whether the current process can read
// them directly. It is a thin I/O collaborator the dispatcher consumes
// read-only; it makes no selection decisions itself.
package runtimeprobe

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/mkrasner/peel/overlay2"
	"github.com/mkrasner/peel/runtimecli"
)

// Runtime describes one detected container runtime.
type Runtime struct {
	Kind          runtimecli.RuntimeKind
	BinaryPath    string
	StorageRoot   string
	StorageDriver string
	CanRead       bool
}

// candidate pairs a runtime kind with the binary names and storage roots
// worth trying for it.
type candidate struct {
	kind        runtimecli.RuntimeKind
	binaries    []string
	storageRoot func() (string, bool)
}

// Probe detects installed runtimes, in priority order docker, podman,
// containerd. DefaultIndex names the first one whose storage is readable
// with a driver the overlay2 backend understands ({overlay2, fuse, vfs,
// fuse-overlayfs});
// it is -1 when none qualifies.
type Probe struct {
	Runtimes     []Runtime
	DefaultIndex int
}

// Discover probes well-known binary names and storage roots, returning an
// ordered Probe result.
func Discover(log logrus.FieldLogger) *Probe {
	if log == nil {
		log = logrus.WithField("component", "runtimeprobe")
	}

	candidates := []candidate{
		{
			kind:     runtimecli.Docker,
			binaries: []string{"docker"},
			storageRoot: func() (string, bool) {
				return "/var/lib/docker", true
			},
		},
		{
			kind:     runtimecli.Podman,
			binaries: []string{"podman"},
			storageRoot: func() (string, bool) {
				if root, err := overlay2.RootlessPodmanRoot(); err == nil {
					if _, err := os.Stat(root); err == nil {
						return root, true
					}
				}
				return "/var/lib/containers/storage", true
			},
		},
		{
			kind:     runtimecli.Containerd,
			binaries: []string{"ctr"},
			storageRoot: func() (string, bool) {
				return "/var/lib/containerd", true
			},
		},
	}

	probe := &Probe{DefaultIndex: -1}
	for _, c := range candidates {
		binaryPath := firstOnPath(c.binaries)
		if binaryPath == "" {
			continue
		}
		storageRoot, _ := c.storageRoot()
		driver := storageDriver(c.kind, storageRoot)
		canRead := isReadable(storageRoot)

		rt := Runtime{
			Kind:          c.kind,
			BinaryPath:    binaryPath,
			StorageRoot:   storageRoot,
			StorageDriver: driver,
			CanRead:       canRead,
		}
		probe.Runtimes = append(probe.Runtimes, rt)

		if probe.DefaultIndex == -1 && canRead && isOverlayCapable(driver) {
			probe.DefaultIndex = len(probe.Runtimes) - 1
		}
		log.WithField("kind", rt.Kind).WithField("storage_root", rt.StorageRoot).
			WithField("storage_driver", rt.StorageDriver).WithField("can_read", rt.CanRead).
			Debug("probed runtime")
	}
	return probe
}

// Default returns the probe's default runtime, if any.
func (p *Probe) Default() (Runtime, bool) {
	if p.DefaultIndex < 0 || p.DefaultIndex >= len(p.Runtimes) {
		return Runtime{}, false
	}
	return p.Runtimes[p.DefaultIndex], true
}

// ByKind returns the first probed runtime of the given kind.
func (p *Probe) ByKind(kind runtimecli.RuntimeKind) (Runtime, bool) {
	for _, rt := range p.Runtimes {
		if rt.Kind == kind {
			return rt, true
		}
	}
	return Runtime{}, false
}

func isOverlayCapable(driver string) bool {
	switch driver {
	case "overlay2", "fuse", "vfs", "fuse-overlayfs":
		return true
	default:
		return false
	}
}

func firstOnPath(names []string) string {
	for _, name := range names {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	return ""
}

func isReadable(root string) bool {
	f, err := os.Open(root)
	if err != nil {
		return false
	}
	defer f.Close()
	_, err = f.Readdirnames(1)
	return err == nil || err.Error() == "EOF"
}

type dockerInfo struct {
	Driver string `json:"Driver"`
}

// storageDriver shells out to `docker info --format '{{json .}}'` when
// possible; absent that (the binary not being docker, or the call
// failing), it falls back to the directory-name heuristic under root,
// since the daemon itself is the only reliable source of truth and the
// filesystem layout alone can't always distinguish overlay2 from fuse-
// overlayfs.
func storageDriver(kind runtimecli.RuntimeKind, root string) string {
	if kind == runtimecli.Docker {
		if out, err := exec.Command("docker", "info", "--format", "{{json .}}").Output(); err == nil {
			var info dockerInfo
			if json.Unmarshal(out, &info) == nil && info.Driver != "" {
				return info.Driver
			}
		}
	}
	if _, err := os.Stat(filepath.Join(root, "overlay2")); err == nil {
		return "overlay2"
	}
	if _, err := os.Stat(filepath.Join(root, "vfs")); err == nil {
		return "vfs"
	}
	return "unknown"
}
