package archive_test

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"testing"
)

// writeTemp writes data to a fresh temp file and returns its path; the
// caller is responsible for removing it.
func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	f, err := os.CreateTemp("", "peel-archive-test-*.tar")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		t.Fatal(err)
	}
	return f.Name()
}

// tarBuilder accumulates entries for an in-memory tar archive, the shared
// fixture every archive test scenario builds from instead of checking in
// binary .tar files.
type tarBuilder struct {
	buf *bytes.Buffer
	tw  *tar.Writer
}

func newTarBuilder() *tarBuilder {
	buf := &bytes.Buffer{}
	return &tarBuilder{buf: buf, tw: tar.NewWriter(buf)}
}

func (b *tarBuilder) addFile(name string, data []byte) *tarBuilder {
	_ = b.tw.WriteHeader(&tar.Header{
		Name: name,
		Mode: 0o644,
		Size: int64(len(data)),
	})
	_, _ = b.tw.Write(data)
	return b
}

func (b *tarBuilder) addJSON(name string, v interface{}) *tarBuilder {
	data, _ := json.Marshal(v)
	return b.addFile(name, data)
}

func (b *tarBuilder) bytes() []byte {
	_ = b.tw.Close()
	return b.buf.Bytes()
}

// layerTar builds a single layer body: a tar (gzip-wrapped when gzipped is
// true) containing the given files.
func layerTar(gzipped bool, files map[string]string) []byte {
	inner := &bytes.Buffer{}
	tw := tar.NewWriter(inner)
	for name, content := range files {
		_ = tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))})
		_, _ = tw.Write([]byte(content))
	}
	_ = tw.Close()

	if !gzipped {
		return inner.Bytes()
	}
	out := &bytes.Buffer{}
	gw := gzip.NewWriter(out)
	_, _ = gw.Write(inner.Bytes())
	_ = gw.Close()
	return out.Bytes()
}

// digestOf returns the "sha256:<hex>" digest of data, for building blob
// paths/diff IDs that must agree with each other in a fixture.
func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func blobPathFor(digest string) string {
	return "blobs/sha256/" + digest[len("sha256:"):]
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
