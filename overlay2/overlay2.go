// Package overlay2 implements the direct on-disk backend: resolving an
// image reference against a Docker/Podman overlay2 storage root without
// going through a daemon, then walking the layers' unpacked diff trees.
package overlay2

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/mitchellh/go-homedir"
	ocispecv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"github.com/mkrasner/peel"
	"github.com/mkrasner/peel/internal/chainid"
	"github.com/mkrasner/peel/internal/imageref"
)

// Backend implements peel.Inspector against a runtime's overlay2 storage
// root (e.g. /var/lib/docker or /var/lib/containers/storage).
type Backend struct {
	Root string
	Log  logrus.FieldLogger

	diffRootByChainID map[string]string
}

var _ peel.Inspector = (*Backend)(nil)

// New returns an overlay2-backed Inspector rooted at root.
func New(root string, log logrus.FieldLogger) *Backend {
	if log == nil {
		log = logrus.WithField("backend", "overlay2")
	}
	return &Backend{Root: root, Log: log}
}

// DefaultRoots are the conventional overlay2 storage roots for Docker and
// rootful Podman, in probe order.
var DefaultRoots = []string{
	"/var/lib/docker",
	"/var/lib/containers/storage",
}

// RootlessPodmanRoot returns the per-user rootless Podman storage root
// (~/.local/share/containers/storage), resolving the home directory the
// same way the rest of the ecosystem does when $HOME isn't reliable (e.g.
// under sudo -u or a minimal container environment).
func RootlessPodmanRoot() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "containers", "storage"), nil
}

type repositoriesFile struct {
	Repositories map[string]map[string]string `json:"Repositories"`
}

// Inspect resolves image against repositories.json, reads its image config,
// computes chain IDs, and resolves each layer's stored size. Files are left
// empty; ListFiles walks the overlay diff tree lazily per layer.
func (b *Backend) Inspect(image string) (*peel.ImageInfo, error) {
	name, tag := imageref.Split(image)

	reposPath := filepath.Join(b.Root, "image", "overlay2", "repositories.json")
	reposData, err := os.ReadFile(reposPath)
	if err != nil {
		return nil, wrapReadError(err, "reading "+reposPath)
	}
	var repos repositoriesFile
	if err := json.Unmarshal(reposData, &repos); err != nil {
		return nil, peel.WrapError(peel.KindMalformedMetadata, err, "parsing "+reposPath)
	}
	tags, ok := repos.Repositories[name]
	if !ok {
		return nil, peel.NewError(peel.KindInputNotFound, "no repository named "+name+" in overlay2 storage")
	}
	configRef, ok := tags[name+":"+tag]
	if !ok {
		return nil, peel.NewError(peel.KindInputNotFound, "no tag "+tag+" for repository "+name+" in overlay2 storage")
	}
	configHex, err := chainid.HexPart(configRef)
	if err != nil {
		return nil, peel.WrapError(peel.KindMalformedMetadata, err, "repositories.json entry for "+name+":"+tag)
	}

	configPath := filepath.Join(b.Root, "image", "overlay2", "imagedb", "content", "sha256", configHex)
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return nil, wrapReadError(err, "reading image config "+configPath)
	}
	var cfg ocispecv1.Image
	if err := json.Unmarshal(configData, &cfg); err != nil {
		return nil, peel.WrapError(peel.KindMalformedMetadata, err, "parsing image config "+configPath)
	}

	diffIDs := make([]string, len(cfg.RootFS.DiffIDs))
	for i, d := range cfg.RootFS.DiffIDs {
		diffIDs[i] = d.String()
	}
	chainIDs := chainid.Compute(diffIDs)
	history := nonEmptyHistory(cfg.History)

	info := &peel.ImageInfo{
		Name:         name,
		Tag:          tag,
		Architecture: cfg.Architecture,
		Backend:      peel.BackendOverlay2,
	}
	b.diffRootByChainID = map[string]string{}

	for i, chainID := range chainIDs {
		hex, err := chainid.HexPart(chainID)
		if err != nil {
			return nil, peel.WrapError(peel.KindMalformedMetadata, err, "computed chain ID")
		}
		layerdbDir := filepath.Join(b.Root, "image", "overlay2", "layerdb", "sha256", hex)

		cacheIDBytes, err := os.ReadFile(filepath.Join(layerdbDir, "cache-id"))
		if err != nil {
			return nil, wrapReadError(err, "reading cache-id for layer "+chainID)
		}
		cacheID := strings.TrimSpace(string(cacheIDBytes))

		var size uint64
		if sizeBytes, err := os.ReadFile(filepath.Join(layerdbDir, "size")); err == nil {
			if parsed, err := strconv.ParseUint(strings.TrimSpace(string(sizeBytes)), 10, 64); err == nil {
				size = parsed
			}
			// A parse failure silently falls back to 0 rather than failing the
			// whole inspection; a damaged layerdb entry shouldn't block a
			// best-effort listing of everything else.
		}

		var createdBy string
		if i < len(history) {
			createdBy = history[i].CreatedBy
		}

		info.Layers = append(info.Layers, peel.LayerInfo{
			Digest:     chainID,
			DigestKind: peel.DigestKindChainID,
			CreatedBy:  createdBy,
			Size:       size,
		})
		b.diffRootByChainID[chainID] = filepath.Join(b.Root, "overlay2", cacheID, "diff")
	}
	info.RecomputeTotalSize()

	return info, nil
}

// ListFiles walks layer's overlay diff directory. Paths are reported
// relative to that diff root; directories are traversed but not reported.
func (b *Backend) ListFiles(layer *peel.LayerInfo) ([]peel.FileEntry, error) {
	diffRoot, ok := b.diffRootByChainID[layer.Digest]
	if !ok {
		return nil, peel.NewError(peel.KindLayerUnavailable, "no diff root resolved for layer "+layer.Digest)
	}

	var entries []peel.FileEntry
	err := filepath.Walk(diffRoot, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			// A single unreadable entry (permission race, broken symlink under
			// a dangling mount) shouldn't abort the whole walk.
			b.Log.WithError(err).WithField("path", p).Debug("skipping unreadable overlay2 entry")
			return nil
		}
		if fi.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(diffRoot, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		entry := peel.FileEntry{Path: rel, Size: uint64(fi.Size())}
		if isWhiteout(rel) {
			entry.IsWhiteout = true
			entry.Size = 0
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, wrapReadError(err, "walking overlay2 diff tree "+diffRoot)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// Close releases no resources: overlay2 reads the filesystem directly and
// holds nothing open between calls.
func (b *Backend) Close() error { return nil }

func nonEmptyHistory(history []ocispecv1.History) []ocispecv1.History {
	var out []ocispecv1.History
	for _, h := range history {
		if !h.EmptyLayer {
			out = append(out, h)
		}
	}
	return out
}

func isWhiteout(p string) bool {
	return strings.HasPrefix(filepath.Base(p), ".wh.")
}

func wrapReadError(err error, message string) error {
	if os.IsNotExist(err) {
		return peel.WrapError(peel.KindInputNotFound, err, message)
	}
	if os.IsPermission(err) {
		return peel.WrapError(peel.KindPermissionDenied, err, message)
	}
	return peel.WrapError(peel.KindMalformedMetadata, err, message)
}
