package store

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/quay/ussync"
)

// Archive paths.
const (
	manifestName = "manifest.json"
	metadataDir  = "metadata"
	filesDir     = "files"
	indexesDir   = "indexes"
)

// DescMember is the archive path of a file descriptor. The digest's
// canonical "algo:hex" form keys it; tar names may contain the colon.
func descMember(d ussync.Digest) string {
	return filesDir + "/" + d.String() + ".desc"
}

// ReadArchive loads a whole store archive into memory, keyed by archive
// path. Archives are written zstd-compressed; gzip and xz are accepted on
// read for stores produced by older exports.
func readArchive(path string) (map[string][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	head := make([]byte, 6)
	n, err := io.ReadFull(f, head)
	if err != nil && n == 0 {
		return nil, fmt.Errorf("store: empty archive %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	var zr io.Reader
	switch {
	case n >= 4 && bytes.Equal(head[:4], []byte{0x28, 0xb5, 0x2f, 0xfd}):
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		zr = dec
	case n >= 2 && head[0] == 0x1f && head[1] == 0x8b:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		zr = gz
	case n >= 6 && bytes.Equal(head, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}):
		xr, err := xz.NewReader(f)
		if err != nil {
			return nil, err
		}
		zr = xr
	default:
		return nil, fmt.Errorf("store: %s: unrecognized archive compression", path)
	}

	out := make(map[string][]byte)
	tr := tar.NewReader(zr)
	for {
		h, err := tr.Next()
		switch {
		case err == io.EOF:
			return out, nil
		case err != nil:
			return nil, fmt.Errorf("store: reading %s: %w", path, err)
		}
		if h.Typeflag != tar.TypeReg {
			continue
		}
		b, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("store: reading %s!%s: %w", path, h.Name, err)
		}
		out[h.Name] = b
	}
}

// WriteArchive writes the member map as a zstd-compressed tar, staged next
// to the destination and renamed into place so a crashed writer never leaves
// a torn archive. Members are written in sorted order so identical contents
// produce identical archives.
func writeArchive(path string, members map[string][]byte) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".store-*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	zw, err := zstd.NewWriter(tmp)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(zw)

	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b := members[name]
		h := tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(b)),
			ModTime:  time.Unix(0, 0),
		}
		if err = tw.WriteHeader(&h); err != nil {
			return err
		}
		if _, err = tw.Write(b); err != nil {
			return err
		}
	}
	if err = tw.Close(); err != nil {
		return err
	}
	if err = zw.Close(); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
