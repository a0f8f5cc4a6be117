package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/quay/ussync"
	"github.com/quay/ussync/filter"
	"github.com/quay/ussync/test"
)

func testFragments() []*test.Fragment {
	cat := test.GenID(900, 1)
	return []*test.Fragment{
		{ID: cat, Title: "Windows 10", Category: "Product"},
		{ID: test.GenID(1, 100), Title: "Update One", KB: "5000001", CategoryOf: []uuid.UUID{cat.UpdateID}},
		{ID: test.GenID(2, 100), Title: "Update Two", KB: "5000002", Superseded: []uuid.UUID{test.GenID(1, 100).UpdateID}},
		{ID: test.GenID(3, 100), Title: "Bundle Parent", Bundled: []ussync.Identity{test.GenID(4, 100)}},
		{ID: test.GenID(4, 100), Title: "Bundle Child", Files: []test.FragmentFile{
			{Name: "payload.cab", Content: []byte("payload-bytes")},
		}},
	}
}

func stage(t *testing.T, ctx context.Context, s *Store, frags ...*test.Fragment) {
	t.Helper()
	for _, f := range frags {
		if _, err := s.Add(ctx, []byte(f.XML())); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCommitAndReopen(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	dir := t.TempDir()
	frags := testFragments()

	s, err := OpenOrCreate(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	stage(t, ctx, s, frags...)
	if got := s.PendingCount(); got != len(frags) {
		t.Fatalf("pending %d, want %d", got, len(frags))
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if got := s.Sequence(); got != 1 {
		t.Errorf("sequence %d, want 1", got)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = Open(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	for _, f := range frags {
		if !s.Contains(f.ID) {
			t.Errorf("missing %v after reopen", f.ID)
		}
		pkg, err := s.Get(ctx, f.ID)
		if err != nil {
			t.Fatal(err)
		}
		if pkg.Title != f.Title {
			t.Errorf("title %q, want %q", pkg.Title, f.Title)
		}
	}
	if title, ok := s.Title(frags[1].ID); !ok || title != "Update One" {
		t.Errorf("title index: %q, %v", title, ok)
	}
	if !s.IsSuperseded(test.GenID(1, 100).UpdateID) {
		t.Error("supersedence index missed update 1")
	}
	if s.IsSuperseded(test.GenID(2, 100).UpdateID) {
		t.Error("supersedence index false positive")
	}
	parents := s.BundledWith(test.GenID(4, 100).UpdateID)
	if len(parents) != 1 || parents[0] != test.GenID(3, 100).OpenID() {
		t.Errorf("bundledWith: %v", parents)
	}
}

func TestOpenMissing(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	if _, err := Open(ctx, t.TempDir()); !errors.Is(err, ErrNotExist) {
		t.Fatalf("got %v, want ErrNotExist", err)
	}
}

func TestAddDedup(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	s, err := OpenOrCreate(ctx, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	f := &test.Fragment{ID: test.GenID(1, 100), Title: "Once"}
	stage(t, ctx, s, f, f)
	if got := s.PendingCount(); got != 1 {
		t.Fatalf("pending %d, want 1", got)
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	// Re-adding a committed revision is a no-op too.
	stage(t, ctx, s, f)
	if got := s.PendingCount(); got != 0 {
		t.Fatalf("pending %d after re-add, want 0", got)
	}
}

func TestRevisionShadowing(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	s, err := OpenOrCreate(ctx, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	old := &test.Fragment{ID: test.GenID(1, 100), Title: "Old"}
	stage(t, ctx, s, old)
	if err := s.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	neu := &test.Fragment{ID: test.GenID(1, 101), Title: "New"}
	stage(t, ctx, s, neu)
	if err := s.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	id, ok := s.Latest(test.GenID(1, 0).UpdateID)
	if !ok || id.Revision != 101 {
		t.Fatalf("latest %v, want revision 101", id)
	}
	if got := s.LatestIdentities(); len(got) != 1 {
		t.Fatalf("latest identities: %v", got)
	}
	// Both revisions stay retrievable.
	if !s.Contains(old.ID) || !s.Contains(neu.ID) {
		t.Error("revisions not both retained")
	}
}

func TestRevisionRegression(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	s, err := OpenOrCreate(ctx, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	stage(t, ctx, s, &test.Fragment{ID: test.GenID(1, 101), Title: "New"})
	if err := s.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	stage(t, ctx, s, &test.Fragment{ID: test.GenID(1, 100), Title: "Old"})
	err = s.Commit(ctx)
	var regress *ussync.RevisionRegressionError
	if !errors.As(err, &regress) {
		t.Fatalf("got %v, want RevisionRegressionError", err)
	}
	if regress.Old != 101 || regress.New != 100 {
		t.Errorf("regression %d -> %d", regress.Old, regress.New)
	}
	// The failed commit publishes nothing and keeps the stage intact.
	if got := s.Sequence(); got != 1 {
		t.Errorf("sequence %d after failed commit, want 1", got)
	}
	if got := s.PendingCount(); got != 1 {
		t.Errorf("pending %d after failed commit, want 1", got)
	}
}

func TestBaselineChain(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	dir := t.TempDir()
	s, err := OpenOrCreate(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	stage(t, ctx, s, &test.Fragment{ID: test.GenID(1, 100), Title: "First"})
	if err := s.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	first := s.Manifest()
	stage(t, ctx, s, &test.Fragment{ID: test.GenID(2, 100), Title: "Second"})
	if err := s.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if got := s.Manifest().Baseline; got == "" {
		t.Fatal("second commit has no baseline")
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = Open(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if !s.Contains(test.GenID(1, 100)) || !s.Contains(test.GenID(2, 100)) {
		t.Error("chain merge lost a package")
	}
	base := s.Manifest().Baseline
	s.Close()

	// Breaking the chain surfaces the missing baseline.
	if first.Baseline != "" {
		t.Fatalf("chain root has baseline %q", first.Baseline)
	}
	if err := os.Remove(filepath.Join(dir, base)); err != nil {
		t.Fatal(err)
	}
	_, err = Open(ctx, dir)
	var missing *ussync.BaselineMissingError
	if !errors.As(err, &missing) {
		t.Fatalf("got %v, want BaselineMissingError", err)
	}
}

// Index blobs depend only on content: a store built in two commits and then
// reindexed serializes the same bytes as one built in a single commit.
func TestIndexDeterminism(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	frags := testFragments()

	dirA := t.TempDir()
	a, err := OpenOrCreate(ctx, dirA)
	if err != nil {
		t.Fatal(err)
	}
	stage(t, ctx, a, frags[:2]...)
	if err := a.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	stage(t, ctx, a, frags[2:]...)
	if err := a.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.Reindex(ctx, nil); err != nil {
		t.Fatal(err)
	}
	tipA := a.Manifest()
	membersA, err := readArchive(filepath.Join(dirA, a.tip))
	if err != nil {
		t.Fatal(err)
	}
	a.Close()

	dirB := t.TempDir()
	b, err := OpenOrCreate(ctx, dirB)
	if err != nil {
		t.Fatal(err)
	}
	// Reverse order; blobs must not care.
	for i := len(frags) - 1; i >= 0; i-- {
		stage(t, ctx, b, frags[i])
	}
	if err := b.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	membersB, err := readArchive(filepath.Join(dirB, b.tip))
	if err != nil {
		t.Fatal(err)
	}
	b.Close()

	if tipA.Sequence != 2 {
		t.Fatalf("store A sequence %d, want 2", tipA.Sequence)
	}
	for _, name := range indexNames {
		member := indexesDir + "/" + name + ".json"
		if !cmp.Equal(string(membersA[member]), string(membersB[member])) {
			t.Errorf("index %s differs:\n%s", name, cmp.Diff(string(membersA[member]), string(membersB[member])))
		}
	}
}

func TestFileByDigest(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	s, err := OpenOrCreate(ctx, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ff := test.FragmentFile{Name: "payload.cab", Content: []byte("payload-bytes")}
	frag := &test.Fragment{ID: test.GenID(4, 100), Title: "With File", Files: []test.FragmentFile{ff}}
	stage(t, ctx, s, frag)
	if err := s.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	f, ref, err := s.FileByDigest(ff.Digest())
	if err != nil {
		t.Fatal(err)
	}
	if f.Name != "payload.cab" || f.Size != int64(len(ff.Content)) {
		t.Errorf("descriptor: %+v", f)
	}
	if ref.OpenID != frag.ID.OpenID() {
		t.Errorf("ref %+v", ref)
	}
}

func TestCopyTo(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	src, err := OpenOrCreate(ctx, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	stage(t, ctx, src, testFragments()...)
	if err := src.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	dst, err := OpenOrCreate(ctx, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Close()

	var events int
	f := &filter.MetadataFilter{Title: "Update"}
	err = src.CopyTo(ctx, dst, f, func(ussync.Progress) { events++ })
	if err != nil {
		t.Fatal(err)
	}
	if events == 0 {
		t.Error("no progress events")
	}
	if !dst.Contains(test.GenID(1, 100)) || !dst.Contains(test.GenID(2, 100)) {
		t.Error("matching packages not copied")
	}
	if dst.Contains(test.GenID(900, 1)) {
		t.Error("non-matching category copied")
	}
	if got := dst.Sequence(); got != 1 {
		t.Errorf("dst sequence %d, want 1", got)
	}
}

func TestAddManyCancel(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	s, err := OpenOrCreate(ctx, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(ctx)
	cancel()
	seq := func(yield func([]byte) bool) {
		for _, f := range testFragments() {
			if !yield([]byte(f.XML())) {
				return
			}
		}
	}
	if err := s.AddMany(ctx, seq); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestLockExcludes(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	dir := t.TempDir()
	s, err := OpenOrCreate(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := OpenOrCreate(ctx, dir); err == nil {
		t.Fatal("second open succeeded while locked")
	}
}

func TestErase(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	dir := t.TempDir()
	s, err := OpenOrCreate(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	stage(t, ctx, s, &test.Fragment{ID: test.GenID(1, 100), Title: "Doomed"})
	if err := s.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := Erase(ctx, dir); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(ctx, dir); !errors.Is(err, ErrNotExist) {
		t.Fatalf("got %v after erase, want ErrNotExist", err)
	}
}
