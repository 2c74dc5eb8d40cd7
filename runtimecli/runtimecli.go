// Package runtimecli implements the runtime-CLI backend: it shells out to
// docker, podman, or containerd's ctr to obtain fast JSON metadata and to
// stream a save/export archive into the archive parser.
package runtimecli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mkrasner/peel"
	"github.com/mkrasner/peel/archive"
	"github.com/mkrasner/peel/progress"
)

// RuntimeKind names which container runtime's CLI a Backend wraps.
type RuntimeKind string

const (
	Docker     RuntimeKind = "docker"
	Podman     RuntimeKind = "podman"
	Containerd RuntimeKind = "containerd"
)

// Backend implements peel.Inspector by invoking a runtime's CLI binary.
type Backend struct {
	Kind   RuntimeKind
	Binary string
	Sink   progress.Sink
	Log    logrus.FieldLogger

	tempPath      string
	filesByDigest map[string][]peel.FileEntry
}

var _ peel.Inspector = (*Backend)(nil)

// New returns a runtime-CLI-backed Inspector. binary is the resolved path
// (or bare name, relying on $PATH) of the docker/podman/ctr executable.
func New(kind RuntimeKind, binary string, sink progress.Sink, log logrus.FieldLogger) *Backend {
	if log == nil {
		log = logrus.WithField("backend", "runtime-cli")
	}
	if sink == nil {
		sink = progress.Noop{}
	}
	return &Backend{Kind: kind, Binary: binary, Sink: sink, Log: log}
}

// dockerInspectOutput mirrors the subset of `docker image inspect`'s JSON
// object this backend reads. Podman's `image inspect` emits a compatible
// shape for the fields used here.
type dockerInspectOutput struct {
	Architecture string `json:"Architecture"`
	Size         int64  `json:"Size"`
	RootFS       struct {
		Layers []string `json:"Layers"`
	} `json:"RootFS"`
}

// dockerHistoryLine is one line of `docker image history --format
// '{{json .}}'`'s newest-first output.
type dockerHistoryLine struct {
	CreatedBy string `json:"CreatedBy"`
	Size      string `json:"Size"`
}

// Inspect runs the docker/podman metadata calls (or, for containerd,
// exports directly) and streams the result through the archive parser.
func (b *Backend) Inspect(image string) (*peel.ImageInfo, error) {
	if b.Kind == Containerd {
		return b.inspectContainerd(image)
	}
	return b.inspectDockerCompatible(image)
}

// inspectDockerCompatible runs the three CLI calls an inspection needs —
// `image inspect`, `image history`, and `save` — concurrently via errgroup:
// none of them depends on another's output, and `save` in particular is
// usually the slowest (it streams every layer), so there's no reason to
// make the two cheap metadata queries wait behind it or each other.
func (b *Backend) inspectDockerCompatible(image string) (*peel.ImageInfo, error) {
	var meta dockerInspectOutput
	var withLayers []dockerHistoryLine
	var tempPath string

	g := new(errgroup.Group)
	g.Go(func() error {
		var err error
		meta, err = b.inspectMeta(image)
		return err
	})
	g.Go(func() error {
		var err error
		withLayers, err = b.historyWithLayers(image)
		return err
	})
	g.Go(func() error {
		var err error
		tempPath, err = b.saveToTemp(image)
		return err
	})
	if err := g.Wait(); err != nil {
		b.cleanupTemp()
		return nil, err
	}
	defer b.cleanupTemp()

	result, err := archive.ParseArchive(tempPath, archive.Options{
		DiffIDsHint:   meta.RootFS.Layers,
		OnLayerParsed: b.Sink,
		Log:           b.Log,
	})
	if err != nil {
		return nil, err
	}

	info := result.Info
	info.Architecture = meta.Architecture
	info.Backend = peel.BackendRuntimeCLI
	for i := range info.Layers {
		if i < len(withLayers) {
			info.Layers[i].CreatedBy = withLayers[i].CreatedBy
			info.Layers[i].Size = parseDockerSize(withLayers[i].Size)
		}
	}
	info.RecomputeTotalSize()

	b.filesByDigest = result.FilesByDigest
	return info, nil
}

// inspectMeta runs `image inspect` and decodes the subset of its output
// this backend needs.
func (b *Backend) inspectMeta(image string) (dockerInspectOutput, error) {
	inspectOut, err := b.run("image", "inspect", image, "--format", "{{json .}}")
	if err != nil {
		return dockerInspectOutput{}, err
	}
	var meta dockerInspectOutput
	// `image inspect` prints a single-element JSON array for docker, a bare
	// object for some podman versions; accept either.
	trimmed := bytesTrimSpace(inspectOut)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []dockerInspectOutput
		if err := json.Unmarshal(trimmed, &arr); err != nil || len(arr) == 0 {
			return dockerInspectOutput{}, peel.WrapError(peel.KindMalformedMetadata, err, "parsing image inspect output for "+image)
		}
		meta = arr[0]
	} else if err := json.Unmarshal(trimmed, &meta); err != nil {
		return dockerInspectOutput{}, peel.WrapError(peel.KindMalformedMetadata, err, "parsing image inspect output for "+image)
	}
	return meta, nil
}

// historyWithLayers runs `image history` and returns the base-first entries
// that correspond to an actual layer (history lines with a zero reported
// size are metadata-only instructions like ENV/LABEL/CMD).
func (b *Backend) historyWithLayers(image string) ([]dockerHistoryLine, error) {
	historyOut, err := b.run("image", "history", image, "--no-trunc", "--format", "{{json .}}")
	if err != nil {
		return nil, err
	}
	lines := splitNonEmptyLines(string(historyOut))
	parsed := make([]dockerHistoryLine, 0, len(lines))
	for _, line := range lines {
		var h dockerHistoryLine
		if err := json.Unmarshal([]byte(line), &h); err != nil {
			return nil, peel.WrapError(peel.KindMalformedMetadata, err, "parsing image history line for "+image)
		}
		parsed = append(parsed, h)
	}
	// docker/podman print newest-first; the archive parser and ImageInfo
	// contract both want base-first.
	reverse(parsed)

	var withLayers []dockerHistoryLine
	for _, h := range parsed {
		if parseDockerSize(h.Size) > 0 {
			withLayers = append(withLayers, h)
		}
	}
	return withLayers, nil
}

func (b *Backend) inspectContainerd(image string) (*peel.ImageInfo, error) {
	tempPath := filepath.Join(tempDir(), fmt.Sprintf("peel-save-%d.tar", os.Getpid()))
	b.tempPath = tempPath
	defer b.cleanupTemp()

	if _, err := b.run("image", "export", tempPath, image); err != nil {
		return nil, err
	}

	result, err := archive.ParseArchive(tempPath, archive.Options{
		OnLayerParsed: b.Sink,
		Log:           b.Log,
	})
	if err != nil {
		return nil, err
	}
	result.Info.Backend = peel.BackendRuntimeCLI
	b.filesByDigest = result.FilesByDigest
	return result.Info, nil
}

// ListFiles returns the file entries the save/export parse already
// produced for layer's digest.
func (b *Backend) ListFiles(layer *peel.LayerInfo) ([]peel.FileEntry, error) {
	if b.filesByDigest == nil {
		return nil, peel.NewError(peel.KindLayerUnavailable, "ListFiles called before Inspect")
	}
	files, ok := b.filesByDigest[layer.Digest]
	if !ok {
		return nil, peel.NewError(peel.KindLayerUnavailable, "no file listing cached for layer "+layer.Digest)
	}
	return files, nil
}

// Close removes the temp archive, if Inspect left one behind. Safe to call
// after a failed Inspect, and safe to call more than once.
func (b *Backend) Close() error {
	b.cleanupTemp()
	return nil
}

func (b *Backend) cleanupTemp() {
	if b.tempPath == "" {
		return
	}
	if err := os.Remove(b.tempPath); err != nil && !os.IsNotExist(err) {
		b.Log.WithError(err).WithField("path", b.tempPath).Warn("failed to remove temp archive")
	}
	b.tempPath = ""
}

// saveToTemp runs `<binary> save <image>` (docker-archive format for
// podman), writing its stdout to a PID-scoped temp file.
func (b *Backend) saveToTemp(image string) (string, error) {
	tempPath := filepath.Join(tempDir(), fmt.Sprintf("peel-save-%d.tar", os.Getpid()))
	b.tempPath = tempPath

	f, err := os.Create(tempPath)
	if err != nil {
		return "", peel.WrapError(peel.KindChildFailed, err, "creating temp archive "+tempPath)
	}
	defer f.Close()

	args := []string{"save", image}
	if b.Kind == Podman {
		args = []string{"save", "--format=docker-archive", image}
	}

	cmd := exec.CommandContext(context.Background(), b.Binary, args...)
	cmd.Stdout = f
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", peel.WrapError(peel.KindChildFailed, err, strings.TrimSpace(stderr.String()))
	}
	return tempPath, nil
}

// run executes the runtime binary with args, returning stdout. Non-zero
// exit is reported as ChildFailed with trimmed stderr.
func (b *Backend) run(args ...string) ([]byte, error) {
	cmd := exec.CommandContext(context.Background(), b.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, peel.WrapError(peel.KindChildFailed, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func tempDir() string {
	if d := os.Getenv("TMPDIR"); d != "" {
		return d
	}
	return os.TempDir()
}

func reverse(lines []dockerHistoryLine) {
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func bytesTrimSpace(b []byte) []byte {
	return []byte(strings.TrimSpace(string(b)))
}
