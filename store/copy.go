package store

import (
	"context"

	"github.com/quay/zlog"

	"github.com/quay/ussync"
	"github.com/quay/ussync/filter"
)

// Sink accepts raw metadata documents and commits them as a unit. *Store
// satisfies it; so does the cartridge exporter's staging store.
type Sink interface {
	Add(ctx context.Context, raw []byte) (ussync.Identity, error)
	Commit(ctx context.Context) error
}

// CopyTo copies the latest revision of every package matching f into dst
// and commits once at the end. Superseded-exclusion consults this store's
// own indexes. Cancellation between packages leaves dst uncommitted.
func (s *Store) CopyTo(ctx context.Context, dst Sink, f *filter.MetadataFilter, progress ussync.ProgressFunc) error {
	ctx = zlog.ContextWithValues(ctx, "component", "store/Store.CopyTo")
	ids := s.LatestIdentities()
	copied := 0
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		pkg, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if !f.Match(pkg, s.IsSuperseded) {
			progress.Report("copy", i+1, len(ids))
			continue
		}
		raw, err := s.RawMetadata(id)
		if err != nil {
			return err
		}
		if _, err := dst.Add(ctx, raw); err != nil {
			return err
		}
		copied++
		progress.Report("copy", i+1, len(ids))
		if f != nil && f.FirstX > 0 && copied >= f.FirstX {
			break
		}
	}
	if err := dst.Commit(ctx); err != nil {
		return err
	}
	zlog.Info(ctx).Int("copied", copied).Int("considered", len(ids)).Msg("copy complete")
	return nil
}
