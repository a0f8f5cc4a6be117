// Package store implements the on-disk metadata store: an append-only chain
// of compressed archives holding raw update XML, file descriptors and the
// derived lookup indexes, plus the manifest a sync session resumes from.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/quay/ussync"
	"github.com/quay/ussync/filter"
	"github.com/quay/ussync/serversync"
	"github.com/quay/ussync/wsusxml"
)

const (
	lockName    = ".lock"
	currentName = "current"
)

// ErrNotExist is reported by Open when the directory holds no store.
var ErrNotExist = errors.New("store: does not exist")

// Store is a metadata store rooted at one directory. The directory holds a
// chain of archives; each archive's manifest names its baseline, and the
// "current" pointer file names the chain tip. A Store holds an exclusive
// cross-process lock on the directory until Close.
//
// Reads are safe for concurrent use. Add, Commit and Reindex serialize
// internally.
type Store struct {
	dir  string
	lock *flock.Flock

	mu       sync.RWMutex
	manifest Manifest
	tip      string // filename of the chain tip archive, "" when fresh

	// Committed state. latest maps update id to the highest committed
	// revision; raw holds every committed revision's XML; seqOf records the
	// commit sequence each revision arrived in, for downstream anchors.
	latest map[uuid.UUID]ussync.Identity
	raw    map[ussync.Identity][]byte
	seqOf  map[ussync.Identity]int64
	files  map[string][]byte // files/<digest>.desc members, merged over the chain
	idx    *indexes

	// Staged state, discarded on Close and preserved across a failed Commit.
	pending map[ussync.Identity][]byte
	staged  map[ussync.Identity]*ussync.Package

	parsed map[ussync.Identity]*ussync.Package
}

// Open opens an existing store. It reports ErrNotExist when dir holds no
// store, and a ussync.BaselineMissingError when the archive chain is broken.
func Open(ctx context.Context, dir string) (*Store, error) {
	return open(ctx, dir, false)
}

// OpenOrCreate opens the store at dir, initializing an empty one if needed.
func OpenOrCreate(ctx context.Context, dir string) (*Store, error) {
	return open(ctx, dir, true)
}

func open(ctx context.Context, dir string, create bool) (_ *Store, err error) {
	ctx = zlog.ContextWithValues(ctx, "component", "store/Open")
	if create {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	lk := flock.New(filepath.Join(dir, lockName))
	ok, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("store: locking %s: %w", dir, err)
	}
	if !ok {
		return nil, fmt.Errorf("store: %s is locked by another process", dir)
	}
	defer func() {
		if err != nil {
			lk.Unlock()
		}
	}()

	s := &Store{
		dir:     dir,
		lock:    lk,
		latest:  make(map[uuid.UUID]ussync.Identity),
		raw:     make(map[ussync.Identity][]byte),
		seqOf:   make(map[ussync.Identity]int64),
		files:   make(map[string][]byte),
		idx:     newIndexes(),
		pending: make(map[ussync.Identity][]byte),
		staged:  make(map[ussync.Identity]*ussync.Package),
		parsed:  make(map[ussync.Identity]*ussync.Package),
	}
	tip, err := os.ReadFile(filepath.Join(dir, currentName))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if !create {
			return nil, ErrNotExist
		}
		s.manifest.FormatVersion = FormatVersion
		zlog.Info(ctx).Str("dir", dir).Msg("initialized empty store")
		return s, nil
	case err != nil:
		return nil, err
	}
	s.tip = string(tip)
	if err := s.loadChain(ctx); err != nil {
		return nil, err
	}
	zlog.Info(ctx).
		Str("dir", dir).
		Str("tip", s.tip).
		Int("packages", len(s.latest)).
		Int64("sequence", s.manifest.Sequence).
		Msg("opened store")
	return s, nil
}

// LoadChain walks the baseline chain from the tip to its root and merges
// members. Later archives shadow earlier ones; among revisions of one
// update the highest committed revision wins.
func (s *Store) loadChain(ctx context.Context) error {
	type link struct {
		members map[string][]byte
		seq     int64
	}
	var chain []link
	name := s.tip
	for name != "" {
		path := filepath.Join(s.dir, name)
		members, err := readArchive(path)
		if errors.Is(err, fs.ErrNotExist) {
			return &ussync.BaselineMissingError{Path: path}
		}
		if err != nil {
			return err
		}
		mb, ok := members[manifestName]
		if !ok {
			return fmt.Errorf("store: %s has no manifest", path)
		}
		var m Manifest
		if err := json.Unmarshal(mb, &m); err != nil {
			return fmt.Errorf("store: %s: %w", path, err)
		}
		if m.FormatVersion != FormatVersion {
			return fmt.Errorf("store: %s: unsupported format version %d", path, m.FormatVersion)
		}
		if len(chain) == 0 {
			s.manifest = m
		}
		chain = append(chain, link{members: members, seq: m.Sequence})
		name = m.Baseline
	}
	// Root first, so the tip ends up shadowing.
	for i := len(chain) - 1; i >= 0; i-- {
		for member, b := range chain[i].members {
			switch dir, base := filepath.Split(member); dir {
			case metadataDir + "/":
				id, err := ussync.ParseOpenID(base[:len(base)-len(".xml")])
				if err != nil {
					return fmt.Errorf("store: bad member %q: %w", member, err)
				}
				s.raw[id] = b
				s.seqOf[id] = chain[i].seq
				if prev, ok := s.latest[id.UpdateID]; !ok || id.Revision >= prev.Revision {
					s.latest[id.UpdateID] = id
				}
			case filesDir + "/":
				s.files[member] = b
			}
		}
	}
	// Indexes live only in the tip. A missing or stale set is rebuilt.
	idx, ok, err := unmarshalIndexes(chain[0].members)
	if err != nil {
		return err
	}
	if !ok {
		zlog.Info(ctx).Msg("index blobs missing or stale, rebuilding")
		return s.rebuildIndexes(ctx, nil)
	}
	s.idx = idx
	return nil
}

// Close releases the directory lock. Staged, uncommitted packages are
// discarded.
func (s *Store) Close() error {
	return s.lock.Unlock()
}

// Erase removes every store file under dir. The directory must not be open.
func Erase(ctx context.Context, dir string) error {
	ctx = zlog.ContextWithValues(ctx, "component", "store/Erase")
	lk := flock.New(filepath.Join(dir, lockName))
	ok, err := lk.TryLock()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("store: %s is locked by another process", dir)
	}
	defer lk.Unlock()
	ents, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range ents {
		if e.Name() == lockName {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	zlog.Info(ctx).Str("dir", dir).Msg("erased store")
	return nil
}

// Manifest reports a copy of the current manifest, including staged edits
// not yet committed.
func (s *Store) Manifest() Manifest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manifest
}

// Sequence reports the store's logical clock. It advances by one on every
// commit and anchors downstream synchronization.
func (s *Store) Sequence() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manifest.Sequence
}

// SetAnchors stages the upstream anchors recorded by the next commit. An
// empty string leaves the respective anchor unchanged.
func (s *Store) SetAnchors(category, update string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if category != "" {
		s.manifest.CategoryAnchor = category
	}
	if update != "" {
		s.manifest.UpdateAnchor = update
	}
}

// SetFilter stages the filter snapshot recorded by the next commit.
func (s *Store) SetFilter(f *filter.MetadataFilter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest.Filter = f
}

// SetServiceConfig stages the upstream configuration snapshot.
func (s *Store) SetServiceConfig(cfg *serversync.ServerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest.ServiceConfig = cfg
}

// SetToken stages the authentication token snapshot.
func (s *Store) SetToken(tok *serversync.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest.Token = tok
}

// Add parses raw update XML and stages it for the next commit. Staging a
// revision the store already holds is a no-op; staging a revision lower
// than a committed one is accepted here and rejected at Commit, so a whole
// batch surfaces one coherent error.
func (s *Store) Add(ctx context.Context, raw []byte) (ussync.Identity, error) {
	pkg, err := wsusxml.ParseUpdate(raw)
	if err != nil {
		return ussync.Identity{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := pkg.ID
	if _, ok := s.raw[id]; ok {
		return id, nil
	}
	if _, ok := s.pending[id]; ok {
		return id, nil
	}
	s.pending[id] = raw
	s.staged[id] = pkg
	return id, nil
}

// AddMany stages a sequence of raw metadata documents, checking ctx between
// documents.
func (s *Store) AddMany(ctx context.Context, raws iter.Seq[[]byte]) error {
	for raw := range raws {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.Add(ctx, raw); err != nil {
			return err
		}
	}
	return nil
}

// PendingCount reports the number of staged, uncommitted packages.
func (s *Store) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// Commit writes the staged packages and manifest as a new archive on top of
// the current chain and advances the sequence. On any error nothing is
// published: the chain tip, the in-memory view and the staged set are all
// left as they were, so the caller can retry.
//
// A staged revision lower than a committed revision of the same update
// aborts the commit with a ussync.RevisionRegressionError.
func (s *Store) Commit(ctx context.Context) error {
	ctx = zlog.ContextWithValues(ctx, "component", "store/Store.Commit")
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.pending {
		if prev, ok := s.latest[id.UpdateID]; ok && id.Revision < prev.Revision {
			return &ussync.RevisionRegressionError{
				UpdateID: id.UpdateID,
				Old:      prev.Revision,
				New:      id.Revision,
			}
		}
	}

	next := s.manifest
	next.FormatVersion = FormatVersion
	next.Baseline = s.tip
	next.Sequence++

	// Index over committed plus staged state.
	idxCopy := s.idx.clone()
	for _, id := range sortedStaged(s.staged) {
		idxCopy.add(s.staged[id])
	}

	members := make(map[string][]byte, len(s.pending)*2+len(indexNames)+1)
	mb, err := json.Marshal(&next)
	if err != nil {
		return err
	}
	members[manifestName] = mb
	for id, raw := range s.pending {
		members[metadataDir+"/"+id.OpenID()+".xml"] = raw
	}
	for _, id := range sortedStaged(s.staged) {
		pkg := s.staged[id]
		for i := range pkg.Files {
			f := &pkg.Files[i]
			if len(f.Digests) == 0 {
				continue
			}
			b, err := json.Marshal(f)
			if err != nil {
				return err
			}
			members[descMember(f.Primary())] = b
		}
	}
	idxMembers, err := idxCopy.marshal(indexTag())
	if err != nil {
		return err
	}
	for name, b := range idxMembers {
		members[name] = b
	}

	name := fmt.Sprintf("store-%016d.tar.zst", next.Sequence)
	if err := writeArchive(filepath.Join(s.dir, name), members); err != nil {
		return err
	}
	if err := writeCurrent(s.dir, name); err != nil {
		os.Remove(filepath.Join(s.dir, name))
		return err
	}

	// Published; fold staged state into the committed view.
	for id, raw := range s.pending {
		s.raw[id] = raw
		s.seqOf[id] = next.Sequence
		if prev, ok := s.latest[id.UpdateID]; !ok || id.Revision >= prev.Revision {
			s.latest[id.UpdateID] = id
		}
		s.parsed[id] = s.staged[id]
	}
	for member, b := range members {
		if filepath.Dir(member) == filesDir {
			s.files[member] = b
		}
	}
	n := len(s.pending)
	s.pending = make(map[ussync.Identity][]byte)
	s.staged = make(map[ussync.Identity]*ussync.Package)
	s.idx = idxCopy
	s.manifest = next
	s.tip = name
	zlog.Info(ctx).
		Str("archive", name).
		Int("committed", n).
		Int64("sequence", next.Sequence).
		Msg("committed")
	return nil
}

func sortedStaged(staged map[ussync.Identity]*ussync.Package) []ussync.Identity {
	ids := make([]ussync.Identity, 0, len(staged))
	for id := range staged {
		ids = append(ids, id)
	}
	ussync.SortIdentities(ids)
	return ids
}

// WriteCurrent atomically repoints the chain tip.
func writeCurrent(dir, name string) error {
	tmp, err := os.CreateTemp(dir, ".current-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(name); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, currentName))
}

// Contains reports whether the exact revision is committed.
func (s *Store) Contains(id ussync.Identity) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.raw[id]
	return ok
}

// Latest reports the highest committed revision of an update id.
func (s *Store) Latest(updateID uuid.UUID) (ussync.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.latest[updateID]
	return id, ok
}

// RawMetadata reports the stored XML document for one revision.
func (s *Store) RawMetadata(id ussync.Identity) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.raw[id]
	if !ok {
		return nil, fmt.Errorf("store: %v: %w", id, fs.ErrNotExist)
	}
	return raw, nil
}

// Get parses one committed revision. Parsed packages are cached; the raw
// document stays authoritative.
func (s *Store) Get(ctx context.Context, id ussync.Identity) (*ussync.Package, error) {
	s.mu.RLock()
	if pkg, ok := s.parsed[id]; ok {
		s.mu.RUnlock()
		return pkg, nil
	}
	raw, ok := s.raw[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("store: %v: %w", id, fs.ErrNotExist)
	}
	pkg, err := wsusxml.ParseUpdate(raw)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.parsed[id] = pkg
	s.mu.Unlock()
	return pkg, nil
}

// Identities reports every committed revision in canonical order.
func (s *Store) Identities() []ussync.Identity {
	s.mu.RLock()
	ids := make([]ussync.Identity, 0, len(s.raw))
	for id := range s.raw {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	ussync.SortIdentities(ids)
	return ids
}

// LatestIdentities reports the highest committed revision of every update,
// in canonical order.
func (s *Store) LatestIdentities() []ussync.Identity {
	s.mu.RLock()
	ids := make([]ussync.Identity, 0, len(s.latest))
	for _, id := range s.latest {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	ussync.SortIdentities(ids)
	return ids
}

// ChangedSince reports the latest revisions of updates that arrived after
// the given commit sequence, in canonical order. Zero enumerates everything.
// It backs downstream anchors: a peer presents the sequence it last saw and
// receives only later commits.
func (s *Store) ChangedSince(seq int64) []ussync.Identity {
	s.mu.RLock()
	ids := make([]ussync.Identity, 0, len(s.latest))
	for _, id := range s.latest {
		if s.seqOf[id] > seq {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	ussync.SortIdentities(ids)
	return ids
}

// Packages iterates the latest revision of every update in canonical order.
// Iteration stops after yielding the first error, either a parse failure or
// ctx cancellation.
func (s *Store) Packages(ctx context.Context) iter.Seq2[*ussync.Package, error] {
	return func(yield func(*ussync.Package, error) bool) {
		for _, id := range s.LatestIdentities() {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			pkg, err := s.Get(ctx, id)
			if !yield(pkg, err) || err != nil {
				return
			}
		}
	}
}

// ByKind iterates the latest revisions of the given kind.
func (s *Store) ByKind(ctx context.Context, kind ussync.Kind) iter.Seq2[*ussync.Package, error] {
	return func(yield func(*ussync.Package, error) bool) {
		for pkg, err := range s.Packages(ctx) {
			if err != nil {
				yield(nil, err)
				return
			}
			if pkg.Kind != kind {
				continue
			}
			if !yield(pkg, nil) {
				return
			}
		}
	}
}

// Files reports the files of one committed revision.
func (s *Store) Files(ctx context.Context, id ussync.Identity) ([]ussync.File, error) {
	pkg, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return pkg.Files, nil
}

// FileByDigest resolves a digest to its file descriptor via the byDigest
// index and the stored descriptor blob.
func (s *Store) FileByDigest(d ussync.Digest) (*ussync.File, DigestRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.idx.ByDigest[d.String()]
	if !ok {
		return nil, DigestRef{}, fmt.Errorf("store: digest %v: %w", d, fs.ErrNotExist)
	}
	b, ok := s.files[descMember(d)]
	if !ok {
		return nil, DigestRef{}, fmt.Errorf("store: descriptor for %v: %w", d, fs.ErrNotExist)
	}
	var f ussync.File
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, DigestRef{}, err
	}
	return &f, ref, nil
}

// IsSuperseded reports whether any committed package supersedes the update.
// It satisfies filter.SupersededLookup.
func (s *Store) IsSuperseded(id uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.idx.IsSupersededBy[id.String()]) > 0
}

// Title reports the indexed title of one revision.
func (s *Store) Title(id ussync.Identity) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.idx.Titles[id.OpenID()]
	return t, ok
}

// BundledWith reports the bundle parents of an update id, as openIds.
func (s *Store) BundledWith(id uuid.UUID) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.idx.BundledWith[id.String()]...)
}

// RebuildIndexes recomputes every index from raw metadata. Callers hold mu.
func (s *Store) rebuildIndexes(ctx context.Context, progress ussync.ProgressFunc) error {
	ids := make([]ussync.Identity, 0, len(s.raw))
	for id := range s.raw {
		ids = append(ids, id)
	}
	ussync.SortIdentities(ids)
	x := newIndexes()
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		pkg, ok := s.parsed[id]
		if !ok {
			var err error
			pkg, err = wsusxml.ParseUpdate(s.raw[id])
			if err != nil {
				return err
			}
			s.parsed[id] = pkg
		}
		x.add(pkg)
		progress.Report("reindex", i+1, len(ids))
	}
	s.idx = x
	return nil
}

// Clone deep-copies the indexes so a failed commit cannot leave a
// half-updated committed view.
func (x *indexes) clone() *indexes {
	c := newIndexes()
	for k, v := range x.Titles {
		c.Titles[k] = v
	}
	for k, v := range x.Descriptions {
		c.Descriptions[k] = v
	}
	for k, v := range x.CreationDates {
		c.CreationDates[k] = v
	}
	for k, v := range x.KBArticle {
		c.KBArticle[k] = v
	}
	for k, v := range x.IsSupersededBy {
		c.IsSupersededBy[k] = append([]string(nil), v...)
	}
	for k, v := range x.IsSuperseding {
		c.IsSuperseding[k] = append([]string(nil), v...)
	}
	for k, v := range x.IsBundle {
		c.IsBundle[k] = append([]string(nil), v...)
	}
	for k, v := range x.BundledWith {
		c.BundledWith[k] = append([]string(nil), v...)
	}
	for k, v := range x.ByDigest {
		c.ByDigest[k] = v
	}
	return c
}
