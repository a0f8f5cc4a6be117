package store

import (
	"context"

	"github.com/quay/zlog"

	"github.com/quay/ussync"
)

// Reindex recomputes every index from the raw metadata and rewrites the
// chain tip with the fresh blobs. Because rebuilds walk revisions in
// canonical order and blobs serialize deterministically, a reindexed store
// and a freshly ingested one carry byte-identical index blobs.
func (s *Store) Reindex(ctx context.Context, progress ussync.ProgressFunc) error {
	ctx = zlog.ContextWithValues(ctx, "component", "store/Store.Reindex")
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rebuildIndexes(ctx, progress); err != nil {
		return err
	}
	if s.tip == "" {
		return nil
	}
	path := s.dir + "/" + s.tip
	members, err := readArchive(path)
	if err != nil {
		return err
	}
	for _, name := range indexNames {
		delete(members, indexesDir+"/"+name+".json")
	}
	blobs, err := s.idx.marshal(indexTag())
	if err != nil {
		return err
	}
	for name, b := range blobs {
		members[name] = b
	}
	if err := writeArchive(path, members); err != nil {
		return err
	}
	zlog.Info(ctx).Str("archive", s.tip).Int("packages", len(s.raw)).Msg("reindexed")
	return nil
}
