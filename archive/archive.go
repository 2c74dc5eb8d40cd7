// Package archive decodes Docker-save and OCI-layout tar archives into a
// normalized peel.ImageInfo plus a per-layer file listing, streaming the
// underlying tar rather than extracting it to disk.
package archive

import (
	"archive/tar"
	"io"
	"os"
	"path"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mkrasner/peel"
	"github.com/mkrasner/peel/progress"
)

// format names the two archive layouts peel understands.
type format int

const (
	formatUnknown format = iota
	formatDocker
	formatOCI
)

// ParseResult is the product of ParseArchive: an ImageInfo whose layers
// carry no Files yet (the Inspector contract defers file population to
// ListFiles), plus every parsed layer's file list keyed by the digest
// (diff ID, or the hint the caller supplied) that names it in info.Layers.
type ParseResult struct {
	Info          *peel.ImageInfo
	FilesByDigest map[string][]peel.FileEntry
}

// Options configures a single ParseArchive call.
type Options struct {
	// NameHint, TagHint override the name/tag derived from the archive's
	// own RepoTags, when non-empty.
	NameHint, TagHint string
	// DiffIDsHint, when non-empty, is trusted verbatim instead of reading
	// rootfs.diff_ids from the image config — the runtime-CLI backend
	// already obtained these from `image inspect`.
	DiffIDsHint []string
	// OnLayerParsed, if set, is invoked exactly once per layer body
	// actually parsed.
	OnLayerParsed progress.Sink
	Log           logrus.FieldLogger
}

// ParseArchive auto-detects path's layout (Docker save or OCI image layout)
// and decodes it into a ParseResult.
func ParseArchive(path string, opts Options) (*ParseResult, error) {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.OnLayerParsed == nil {
		opts.OnLayerParsed = progress.Noop{}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, peel.WrapError(peel.KindInputNotFound, err, "opening archive "+path)
	}
	defer f.Close()

	fmtKind, err := detectFormat(f)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "rewinding archive after format detection")
	}

	switch fmtKind {
	case formatDocker:
		return parseDockerLayout(path, f, opts)
	case formatOCI:
		return parseOCILayout(path, f, opts)
	default:
		return nil, peel.NewError(peel.KindUnknownFormat, "archive contains neither manifest.json nor index.json at its root")
	}
}

// detectFormat peeks the archive's top-level (no "/" in the path) members,
// looking for manifest.json (Docker save layout) or index.json (OCI image
// layout). It stops as soon as one is found.
func detectFormat(r io.Reader) (format, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return formatUnknown, errors.Wrap(err, "scanning archive for manifest.json/index.json")
		}
		name := path.Clean(hdr.Name)
		switch name {
		case "manifest.json":
			return formatDocker, nil
		case "index.json":
			return formatOCI, nil
		}
	}
	return formatUnknown, nil
}
