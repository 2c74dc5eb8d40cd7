package archive

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	digest "github.com/opencontainers/go-digest"
	ocispecv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/mkrasner/peel"
)

// smallBlobLimit is the size under which a pass-one scan buffers a blob in
// memory on the chance it turns out to be index.json, a manifest, or a
// config — all of which are small by construction. Layer blobs are
// ordinarily far larger and fall through to the pass-two re-scan once their
// digest is known from the manifest/config.
const smallBlobLimit = 1_000_000 // 1 MB

// parseOCILayout decodes an OCI image layout: index.json naming a manifest
// blob, whose config and layer blobs live under blobs/<algorithm>/<hex>,
// addressed by their own digest.
func parseOCILayout(archivePath string, f *os.File, opts Options) (*ParseResult, error) {
	blobs := map[string][]byte{}
	bigBlobSizes := map[string]int64{}

	if err := ociPassOne(f, blobs, bigBlobSizes); err != nil {
		return nil, err
	}

	indexData, ok := blobs["index.json"]
	if !ok {
		return nil, peel.NewError(peel.KindMalformedMetadata, archivePath+": missing index.json at archive root")
	}
	var index ocispecv1.Index
	if err := json.Unmarshal(indexData, &index); err != nil {
		return nil, peel.WrapError(peel.KindMalformedMetadata, err, "parsing index.json")
	}
	if len(index.Manifests) == 0 {
		return nil, peel.NewError(peel.KindMalformedMetadata, "index.json lists no manifests")
	}
	manifestDigest := index.Manifests[0].Digest

	manifestData, ok := blobs[blobPath(manifestDigest)]
	if !ok {
		return nil, peel.NewError(peel.KindMalformedMetadata, "manifest blob "+manifestDigest.String()+notFoundReason(bigBlobSizes, blobPath(manifestDigest)))
	}
	var manifest ocispecv1.Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, peel.WrapError(peel.KindMalformedMetadata, err, "parsing manifest")
	}

	configData, ok := blobs[blobPath(manifest.Config.Digest)]
	if !ok {
		return nil, peel.NewError(peel.KindMalformedMetadata, "config blob "+manifest.Config.Digest.String()+notFoundReason(bigBlobSizes, blobPath(manifest.Config.Digest)))
	}
	var cfg ocispecv1.Image
	if err := json.Unmarshal(configData, &cfg); err != nil {
		return nil, peel.WrapError(peel.KindMalformedMetadata, err, "parsing image config")
	}

	diffIDs := opts.DiffIDsHint
	if len(diffIDs) == 0 {
		diffIDs = diffIDStrings(&cfg)
	}
	history := nonEmptyHistory(cfg.History)

	name, tag := opts.NameHint, opts.TagHint
	if name != "" && tag == "" {
		tag = "latest"
	}

	// Layer blobs not already captured in the pass-one buffer (the common
	// case — compressed layers routinely exceed smallBlobLimit) need a
	// second, targeted scan.
	wantedLayers := map[string]bool{}
	for _, l := range manifest.Layers {
		bp := blobPath(l.Digest)
		if _, ok := blobs[bp]; !ok {
			wantedLayers[bp] = true
		}
	}
	filesByBlobPath := map[string][]peel.FileEntry{}
	for bp, data := range blobs {
		if strings.HasPrefix(bp, "blobs/") {
			// Already-buffered blobs under smallBlobLimit may themselves be
			// layer bodies (tiny scratch layers are common in built images).
			for _, l := range manifest.Layers {
				if blobPath(l.Digest) == bp {
					entries, err := parseLayerBody(bytes.NewReader(data), opts.Log)
					if err == nil {
						filesByBlobPath[bp] = entries
						opts.OnLayerParsed.Advance()
					}
				}
			}
		}
	}
	if len(wantedLayers) > 0 {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, peel.WrapError(peel.KindMalformedMetadata, err, "rewinding archive before layer pass")
		}
		if err := ociPassTwo(f, wantedLayers, filesByBlobPath, opts); err != nil {
			return nil, err
		}
	}

	info := &peel.ImageInfo{
		Name:         name,
		Tag:          tag,
		Architecture: cfg.Architecture,
		Backend:      peel.BackendArchive,
	}
	filesByDigest := map[string][]peel.FileEntry{}

	for i, l := range manifest.Layers {
		var diffID string
		if i < len(diffIDs) {
			diffID = diffIDs[i]
		} else {
			diffID = l.Digest.String()
		}
		var createdBy string
		if i < len(history) {
			createdBy = history[i].CreatedBy
		}
		info.Layers = append(info.Layers, peel.LayerInfo{
			Digest:     diffID,
			DigestKind: peel.DigestKindDiffID,
			CreatedBy:  createdBy,
			Size:       uint64(l.Size),
		})
		filesByDigest[diffID] = filesByBlobPath[blobPath(l.Digest)]
	}
	info.RecomputeTotalSize()

	return &ParseResult{Info: info, FilesByDigest: filesByDigest}, nil
}

// ociPassOne buffers index.json and every blob under smallBlobLimit,
// recording the size of everything larger so the caller can tell "absent"
// from "too big to buffer".
func ociPassOne(f *os.File, blobs map[string][]byte, bigBlobSizes map[string]int64) error {
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return peel.WrapError(peel.KindMalformedMetadata, err, "scanning OCI layout")
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}
		name := path.Clean(hdr.Name)
		if name != "index.json" && !isBlobPath(name) {
			continue
		}
		if hdr.Size >= smallBlobLimit {
			bigBlobSizes[name] = hdr.Size
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			continue
		}
		blobs[name] = data
	}
	return nil
}

// ociPassTwo re-scans the archive, this time parsing the tar body of every
// wanted blob path directly as a layer (OCI layer blobs are never anything
// but a layer body once they're not index.json/a manifest/a config, all of
// which pass one already resolved).
func ociPassTwo(f *os.File, wanted map[string]bool, filesByBlobPath map[string][]peel.FileEntry, opts Options) error {
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return peel.WrapError(peel.KindMalformedMetadata, err, "re-scanning OCI layout for layer blobs")
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}
		name := path.Clean(hdr.Name)
		if !wanted[name] {
			continue
		}
		entries, err := parseLayerBody(tr, opts.Log)
		if err != nil {
			continue
		}
		filesByBlobPath[name] = entries
		opts.OnLayerParsed.Advance()
	}
	return nil
}

// notFoundReason distinguishes "never present in the archive" from "present
// but exceeded smallBlobLimit", since a manifest or config blob is never
// expected to be large and the latter usually means a malformed archive.
func notFoundReason(bigBlobSizes map[string]int64, path string) string {
	if size, ok := bigBlobSizes[path]; ok {
		return fmt.Sprintf(" is %d bytes, larger than expected for a manifest/config blob", size)
	}
	return " not found"
}

// isBlobPath reports whether name looks like blobs/<algorithm>/<hex>.
func isBlobPath(name string) bool {
	parts := strings.Split(name, "/")
	return len(parts) == 3 && parts[0] == "blobs"
}

// blobPath returns the content-addressed path a digest is stored at within
// an OCI image layout: blobs/<algorithm>/<hex>.
func blobPath(d digest.Digest) string {
	return path.Join("blobs", d.Algorithm().String(), d.Encoded())
}
