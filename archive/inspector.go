package archive

import (
	"github.com/sirupsen/logrus"

	"github.com/mkrasner/peel"
	"github.com/mkrasner/peel/progress"
)

// Inspector implements peel.Inspector over a pre-existing Docker-save or
// OCI-layout tar archive. Unlike the overlay2 and runtime-CLI backends, it
// never shells out or touches a daemon's storage — it only streams the file
// it was given.
type Inspector struct {
	path   string
	opts   Options
	result *ParseResult
}

var _ peel.Inspector = (*Inspector)(nil)

// New returns an archive-backed Inspector for the tar file at path. opts'
// NameHint/TagHint/DiffIDsHint let a caller that already knows these
// things (the runtime-CLI backend, after `image inspect`) skip re-deriving
// them from the archive's own metadata.
func New(path string, opts Options) *Inspector {
	return &Inspector{path: path, opts: opts}
}

// Inspect parses the archive exactly once. Per the Inspector contract,
// the returned layers carry no Files — call ListFiles for those. image is
// the path this Inspector was constructed with (see dispatch.Select); it is
// not a name hint — left to opts.NameHint. When NameHint is empty,
// ParseArchive derives (name, tag) from a Docker-save archive's own
// RepoTags; an OCI layout carries no RepoTags, so Name and Tag stay empty.
func (i *Inspector) Inspect(image string) (*peel.ImageInfo, error) {
	opts := i.opts
	if opts.Log == nil {
		opts.Log = logrus.WithField("backend", "archive")
	}
	if opts.OnLayerParsed == nil {
		opts.OnLayerParsed = progress.Noop{}
	}

	result, err := ParseArchive(i.path, opts)
	if err != nil {
		return nil, err
	}
	i.result = result

	out := *result.Info
	out.Layers = make([]peel.LayerInfo, len(result.Info.Layers))
	for idx, l := range result.Info.Layers {
		stripped := l
		stripped.Files = nil
		out.Layers[idx] = stripped
	}
	return &out, nil
}

// ListFiles returns the file entries the one unavoidable archive parse
// already produced for layer's digest.
func (i *Inspector) ListFiles(layer *peel.LayerInfo) ([]peel.FileEntry, error) {
	if i.result == nil {
		return nil, peel.NewError(peel.KindLayerUnavailable, "ListFiles called before Inspect")
	}
	files, ok := i.result.FilesByDigest[layer.Digest]
	if !ok {
		return nil, peel.NewError(peel.KindLayerUnavailable, "no file listing cached for layer "+layer.Digest)
	}
	return files, nil
}

// Close is a no-op: the archive file is opened and closed within a single
// ParseArchive call, nothing is held open between Inspect and ListFiles.
func (i *Inspector) Close() error { return nil }
