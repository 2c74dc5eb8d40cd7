package archive_test

import (
	"os"
	"testing"

	digest "github.com/opencontainers/go-digest"
	ocispecv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sclevine/spec"
	"github.com/sclevine/spec/report"

	"github.com/mkrasner/peel/archive"
	h "github.com/mkrasner/peel/internal/testhelpers"
)

func TestParseArchiveOCI(t *testing.T) {
	spec.Run(t, "ParseArchive/oci", testParseArchiveOCI, spec.Report(report.Terminal{}))
}

func testParseArchiveOCI(t *testing.T, when spec.G, it spec.S) {
	var tmpPath string

	it.After(func() {
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
	})

	when("a small OCI layout with every blob under the buffering limit", func() {
		it("resolves index.json through the manifest to the config in one pass", func() {
			layerBody := layerTar(false, map[string]string{"bin/sh": "x"})
			layerDigest := digest.Digest(digestOf(layerBody))

			cfg := ocispecv1.Image{
				Architecture: "arm64",
				RootFS:       ocispecv1.RootFS{Type: "layers", DiffIDs: []digest.Digest{layerDigest}},
				History:      []ocispecv1.History{{CreatedBy: "COPY sh"}},
			}
			cfgBytes := mustJSON(cfg)
			cfgDigest := digest.Digest(digestOf(cfgBytes))

			manifest := ocispecv1.Manifest{
				Config: ocispecv1.Descriptor{Digest: cfgDigest, Size: int64(len(cfgBytes))},
				Layers: []ocispecv1.Descriptor{
					{Digest: layerDigest, Size: int64(len(layerBody))},
				},
			}
			manifestBytes := mustJSON(manifest)
			manifestDigest := digest.Digest(digestOf(manifestBytes))

			index := ocispecv1.Index{
				Manifests: []ocispecv1.Descriptor{{Digest: manifestDigest}},
			}

			tb := newTarBuilder()
			tb.addJSON("index.json", index)
			tb.addFile(ociBlobPath(manifestDigest), manifestBytes)
			tb.addFile(ociBlobPath(cfgDigest), cfgBytes)
			tb.addFile(ociBlobPath(layerDigest), layerBody)

			tmpPath = writeTemp(t, tb.bytes())

			result, err := archive.ParseArchive(tmpPath, archive.Options{NameHint: "scratch"})
			h.AssertNil(t, err)
			h.AssertEq(t, len(result.Info.Layers), 1)
			h.AssertEq(t, result.Info.Layers[0].CreatedBy, "COPY sh")
			h.AssertEq(t, result.Info.Architecture, "arm64")

			files := result.FilesByDigest[result.Info.Layers[0].Digest]
			h.AssertEq(t, len(files), 1)
			h.AssertEq(t, files[0].Path, "bin/sh")
		})
	})

	when("a layer blob exceeds the small-blob buffering limit", func() {
		it("falls back to a second pass to parse it", func() {
			big := map[string]string{}
			// Pad the layer well past smallBlobLimit so pass one skips it.
			big["payload"] = string(make([]byte, 2<<20))
			layerBody := layerTar(false, big)
			layerDigest := digest.Digest(digestOf(layerBody))

			cfg := ocispecv1.Image{RootFS: ocispecv1.RootFS{Type: "layers", DiffIDs: []digest.Digest{layerDigest}}}
			cfgBytes := mustJSON(cfg)
			cfgDigest := digest.Digest(digestOf(cfgBytes))

			manifest := ocispecv1.Manifest{
				Config: ocispecv1.Descriptor{Digest: cfgDigest, Size: int64(len(cfgBytes))},
				Layers: []ocispecv1.Descriptor{{Digest: layerDigest, Size: int64(len(layerBody))}},
			}
			manifestBytes := mustJSON(manifest)
			manifestDigest := digest.Digest(digestOf(manifestBytes))

			index := ocispecv1.Index{Manifests: []ocispecv1.Descriptor{{Digest: manifestDigest}}}

			tb := newTarBuilder()
			tb.addJSON("index.json", index)
			tb.addFile(ociBlobPath(manifestDigest), manifestBytes)
			tb.addFile(ociBlobPath(cfgDigest), cfgBytes)
			tb.addFile(ociBlobPath(layerDigest), layerBody)

			tmpPath = writeTemp(t, tb.bytes())

			result, err := archive.ParseArchive(tmpPath, archive.Options{})
			h.AssertNil(t, err)
			h.AssertEq(t, len(result.Info.Layers), 1)
			files := result.FilesByDigest[result.Info.Layers[0].Digest]
			h.AssertEq(t, len(files), 1)
			h.AssertEq(t, files[0].Path, "payload")
		})
	})

	when("index.json is missing", func() {
		it("reports an unknown-archive-format error", func() {
			tb := newTarBuilder()
			tb.addFile("blobs/sha256/deadbeef", []byte("nope"))
			tmpPath = writeTemp(t, tb.bytes())

			_, err := archive.ParseArchive(tmpPath, archive.Options{})
			h.AssertError(t, err, "index.json")
		})
	})
}

func ociBlobPath(d digest.Digest) string {
	return "blobs/" + d.Algorithm().String() + "/" + d.Encoded()
}
