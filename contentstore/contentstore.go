// Package contentstore implements the digest-addressed content store and
// the download machinery that fills it.
package contentstore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/quay/ussync"
)

// Store is a content-addressed file store rooted at one directory. Files
// land under <root>/<algo>/<aa>/<hex>, where aa is the first checksum byte;
// the fan-out keeps directories small at catalog scale.
//
// Writes go through a staging file and an atomic rename, so a path either
// does not exist or holds fully verified content. That makes every read
// method safe for concurrent use with a running Fetcher.
type Store struct {
	root string
}

// New opens or creates a content store at root.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

// Root reports the store's directory.
func (s *Store) Root() string { return s.root }

func (s *Store) path(d ussync.Digest) string {
	sum := hex.EncodeToString(d.Checksum())
	return filepath.Join(s.root, d.Algorithm(), sum[:2], sum)
}

// Contains reports whether the content for d is present and complete.
func (s *Store) Contains(d ussync.Digest) bool {
	_, err := os.Stat(s.path(d))
	return err == nil
}

// Open opens the content for reading. The error wraps fs.ErrNotExist when
// the content has not been downloaded.
func (s *Store) Open(d ussync.Digest) (io.ReadCloser, error) {
	f, err := os.Open(s.path(d))
	if err != nil {
		return nil, fmt.Errorf("contentstore: %v: %w", d, err)
	}
	return f, nil
}

// Size reports the stored content's size.
func (s *Store) Size(d ussync.Digest) (int64, error) {
	fi, err := os.Stat(s.path(d))
	if err != nil {
		return 0, fmt.Errorf("contentstore: %v: %w", d, err)
	}
	return fi.Size(), nil
}

// Put verifies r against d and installs it. It is the single write path;
// the Fetcher funnels downloads through it.
func (s *Store) Put(d ussync.Digest, r io.Reader) error {
	dst := s.path(d)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".dl-*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	h := d.Hash()
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		return err
	}
	got := h.Sum(nil)
	want := d.Checksum()
	if !hexEqual(got, want) {
		return &ussync.ContentCorruptError{
			Digest:   d,
			Expected: hex.EncodeToString(want),
			Actual:   hex.EncodeToString(got),
		}
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// Remove deletes the content for d. Missing content is not an error.
func (s *Store) Remove(d ussync.Digest) error {
	err := os.Remove(s.path(d))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func hexEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
