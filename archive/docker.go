package archive

import (
	"archive/tar"
	"encoding/json"
	"io"
	"os"
	"path"
	"strings"

	ocispecv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/mkrasner/peel"
	"github.com/mkrasner/peel/internal/imageref"
)

// parseDockerLayout decodes the legacy Docker "save" layout: a root
// manifest.json listing Config/RepoTags/Layers, each Layers[i] a path to
// that layer's tar (historically "<id>/layer.tar"; Docker v25+ sometimes
// stores it at "blobs/sha256/<hash>" instead, even inside an otherwise
// Docker-shaped archive).
func parseDockerLayout(archivePath string, f *os.File, opts Options) (*ParseResult, error) {
	var manifest []dockerManifestEntry
	rootConfigs := map[string][]byte{}
	layerFilesByPath := map[string][]peel.FileEntry{}

	if err := dockerPassOne(f, &manifest, rootConfigs, layerFilesByPath, opts); err != nil {
		return nil, err
	}
	if len(manifest) == 0 {
		return nil, peel.NewError(peel.KindMalformedMetadata, archivePath+": manifest.json contains no entries")
	}
	selected := manifest[0]

	// What pass one missed: the config (if it wasn't a root-level *.json,
	// e.g. a Docker v25+ blobs/sha256/<hash> reference) and any layer path
	// that wasn't captured because it didn't end in "/layer.tar" (again,
	// the v25+ blobs/sha256/<hash> case). The two are tracked as distinct
	// want-sets — a config is read as raw JSON bytes, a layer is parsed as
	// a tar body — rather than guessing which is which from content.
	missingConfig := ""
	if _, ok := rootConfigs[selected.Config]; !ok {
		missingConfig = selected.Config
	}
	missingLayers := map[string]bool{}
	for _, lp := range selected.Layers {
		if _, ok := layerFilesByPath[lp]; !ok {
			missingLayers[lp] = true
		}
	}
	if missingConfig != "" || len(missingLayers) > 0 {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, peel.WrapError(peel.KindMalformedMetadata, err, "rewinding archive before second pass")
		}
		if err := dockerPassTwo(f, missingConfig, missingLayers, rootConfigs, layerFilesByPath, opts); err != nil {
			return nil, err
		}
	}

	configBytes, ok := rootConfigs[selected.Config]
	if !ok {
		return nil, peel.NewError(peel.KindMalformedMetadata, "missing image config "+selected.Config+" referenced by manifest.json")
	}
	var cfg ocispecv1.Image
	if err := json.Unmarshal(configBytes, &cfg); err != nil {
		return nil, peel.WrapError(peel.KindMalformedMetadata, err, "parsing image config "+selected.Config)
	}

	diffIDs := opts.DiffIDsHint
	if len(diffIDs) == 0 {
		diffIDs = diffIDStrings(&cfg)
	}

	name, tag := opts.NameHint, opts.TagHint
	if name == "" {
		if len(selected.RepoTags) > 0 {
			name, tag = imageref.Split(selected.RepoTags[0])
		}
	} else if tag == "" {
		tag = "latest"
	}

	history := nonEmptyHistory(cfg.History)

	info := &peel.ImageInfo{
		Name:         name,
		Tag:          tag,
		Architecture: cfg.Architecture,
		Backend:      peel.BackendArchive,
	}
	filesByDigest := map[string][]peel.FileEntry{}

	for i, diffID := range diffIDs {
		var createdBy string
		if i < len(history) {
			createdBy = history[i].CreatedBy
		}
		var files []peel.FileEntry
		if i < len(selected.Layers) {
			files = layerFilesByPath[selected.Layers[i]]
		}
		var size uint64
		for _, fe := range files {
			size += fe.Size
		}
		info.Layers = append(info.Layers, peel.LayerInfo{
			Digest:     diffID,
			DigestKind: peel.DigestKindDiffID,
			CreatedBy:  createdBy,
			Size:       size,
		})
		filesByDigest[diffID] = files
	}
	info.RecomputeTotalSize()

	return &ParseResult{Info: info, FilesByDigest: filesByDigest}, nil
}

// dockerPassOne scans the whole archive once: decoding manifest.json,
// capturing every root-level *.json as a candidate image config, and
// parsing every entry whose path ends in "/layer.tar".
func dockerPassOne(
	f *os.File,
	manifestOut *[]dockerManifestEntry,
	rootConfigs map[string][]byte,
	layerFiles map[string][]peel.FileEntry,
	opts Options,
) error {
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return peel.WrapError(peel.KindMalformedMetadata, err, "scanning docker archive")
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}
		name := path.Clean(hdr.Name)

		switch {
		case name == "manifest.json":
			if err := json.NewDecoder(tr).Decode(manifestOut); err != nil {
				return peel.WrapError(peel.KindMalformedMetadata, err, "parsing manifest.json")
			}
		case isRootJSON(name):
			data, err := io.ReadAll(tr)
			if err != nil {
				continue
			}
			rootConfigs[name] = data
		case strings.HasSuffix(name, "/layer.tar"):
			entries, err := parseLayerBody(tr, opts.Log)
			if err != nil {
				continue
			}
			layerFiles[name] = entries
			opts.OnLayerParsed.Advance()
		}
	}
	return nil
}

// dockerPassTwo re-scans the archive targeting only the paths pass one
// missed (modern Docker v25+ archives keep layers and/or the config under
// blobs/sha256/<hash>, which pass one's "/layer.tar" and root-*.json
// heuristics don't catch).
func dockerPassTwo(
	f *os.File,
	wantedConfig string,
	wantedLayers map[string]bool,
	rootConfigs map[string][]byte,
	layerFiles map[string][]peel.FileEntry,
	opts Options,
) error {
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return peel.WrapError(peel.KindMalformedMetadata, err, "re-scanning docker archive for missing entries")
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}
		name := path.Clean(hdr.Name)

		switch {
		case name == wantedConfig:
			data, err := io.ReadAll(tr)
			if err != nil {
				continue
			}
			rootConfigs[name] = data
		case wantedLayers[name]:
			entries, err := parseLayerBody(tr, opts.Log)
			if err != nil {
				continue
			}
			layerFiles[name] = entries
			opts.OnLayerParsed.Advance()
		}
	}
	return nil
}

func isRootJSON(name string) bool {
	return !strings.Contains(name, "/") && strings.HasSuffix(name, ".json") && name != "manifest.json"
}
