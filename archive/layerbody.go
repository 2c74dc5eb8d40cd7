package archive

import (
	"archive/tar"
	"bufio"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/mkrasner/peel"
)

// gzipMagic is the two-byte gzip header, used to tell a compressed layer
// body from a raw tar stream before deciding which reader to construct.
var gzipMagic = [2]byte{0x1F, 0x8B}

// parseLayerBody reads one layer's body (a tar stream, itself possibly
// gzip-compressed) and returns its file list sorted by path. A tar header
// that cannot be read is logged and ends the scan: the entries parsed before
// it are returned without an error, and entries after it are not listed.
func parseLayerBody(r io.Reader, log logrus.FieldLogger) ([]peel.FileEntry, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	br := bufio.NewReader(r)
	peeked, err := br.Peek(2)
	reader := io.Reader(br)
	if err == nil && peeked[0] == gzipMagic[0] && peeked[1] == gzipMagic[1] {
		gz, gzErr := gzip.NewReader(br)
		if gzErr != nil {
			return nil, gzErr
		}
		defer gz.Close()
		reader = gz
	}

	tr := tar.NewReader(reader)
	var entries []peel.FileEntry
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A broken tar entry usually means the frame itself is corrupt,
			// so the reader can't reliably resync; stop here rather than
			// risk reading garbage as a header. Whatever was parsed so far
			// is still returned, not treated as a fatal error.
			log.WithError(err).Debug("stopping layer scan at unreadable tar entry")
			break
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}
		name := strings.TrimPrefix(path.Clean("/"+hdr.Name), "/")
		if name == "" || name == "." {
			continue
		}
		entry := peel.FileEntry{
			Path: name,
			Size: uint64(hdr.Size),
		}
		if isWhiteout(name) {
			entry.IsWhiteout = true
			entry.Size = 0
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// isWhiteout reports whether path's basename begins with ".wh.", the
// marker layered filesystems use for a deletion of a lower-layer file.
func isWhiteout(p string) bool {
	return strings.HasPrefix(path.Base(p), ".wh.")
}
