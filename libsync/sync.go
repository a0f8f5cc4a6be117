package libsync

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/quay/zlog"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/quay/ussync"
	"github.com/quay/ussync/contentstore"
	"github.com/quay/ussync/serversync"
	"github.com/quay/ussync/updategraph"
)

// DefaultBatch bounds request batches when the upstream does not advertise
// a maximum.
const DefaultBatch = 200

// Result is the outcome of one committed sync pass.
type Result struct {
	// Ingested counts newly committed package revisions.
	Ingested int
	// Anchor resumes the next pass; it is persisted in the store manifest.
	Anchor string
	// Files are the download requests for new content, digest-deduplicated
	// and host-rewritten. Only update syncs populate it.
	Files []contentstore.Request
}

// Categories synchronizes the category tree. An empty anchor resumes from
// the store manifest. The anchor is persisted only after the store commit
// succeeds; cancellation between batches leaves the staged set uncommitted
// and the manifest untouched.
func (s *Session) Categories(ctx context.Context, anchor string) (_ *Result, err error) {
	ctx = zlog.ContextWithValues(ctx, "component", "libsync/Session.Categories")
	ctx, span := s.tracer.Start(ctx, "Session.Categories")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "category sync failed")
		}
		span.End()
	}()

	if err := s.ensure(ctx); err != nil {
		return nil, err
	}
	if anchor == "" {
		anchor = s.store.Manifest().CategoryAnchor
	}
	ingested, newAnchor, _, err := s.pull(ctx, nil, anchor, "categories")
	if err != nil {
		return nil, err
	}
	s.store.SetAnchors(newAnchor, "")
	if err := s.store.Commit(ctx); err != nil {
		return nil, err
	}
	return &Result{Ingested: ingested, Anchor: newAnchor}, nil
}

// Updates synchronizes update metadata for the given source filter. The
// filter is the explicit (product, classification) selection; the upstream
// does not expand product hierarchies, so leaf products must be listed.
//
// After ingest the new packages are cross-linked against the store's
// category tree and a second batched pass fetches file locations, which
// come back as ready-to-run download requests.
func (s *Session) Updates(ctx context.Context, src *serversync.SourceFilter, anchor string) (_ *Result, err error) {
	ctx = zlog.ContextWithValues(ctx, "component", "libsync/Session.Updates")
	ctx, span := s.tracer.Start(ctx, "Session.Updates")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "update sync failed")
		}
		span.End()
	}()

	if src.Empty() {
		return nil, fmt.Errorf("libsync: update sync needs a source filter")
	}
	if err := s.ensure(ctx); err != nil {
		return nil, err
	}
	if anchor == "" {
		anchor = s.store.Manifest().UpdateAnchor
	}
	ingested, newAnchor, ids, err := s.pull(ctx, src, anchor, "updates")
	if err != nil {
		return nil, err
	}

	locations, err := s.extendedInfo(ctx, ids)
	if err != nil {
		return nil, err
	}

	s.store.SetAnchors("", newAnchor)
	if err := s.store.Commit(ctx); err != nil {
		return nil, err
	}

	s.crossLink(ctx, ids)
	files, err := s.fileRequests(ctx, ids, locations)
	if err != nil {
		return nil, err
	}
	return &Result{Ingested: ingested, Anchor: newAnchor, Files: files}, nil
}

// Pull runs the anchored enumerate-and-fetch loop and stages everything
// into the store. It reports the staged count, the new anchor and the
// staged identities.
func (s *Session) pull(ctx context.Context, src *serversync.SourceFilter, anchor, kind string) (int, string, []ussync.Identity, error) {
	var ids []ussync.Identity
	var newAnchor string
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		ids, newAnchor, err = s.client.GetRevisionIdList(ctx, s.token.AccessCookie, src, anchor)
		return err
	})
	if err != nil {
		return 0, "", nil, err
	}

	// Already committed revisions need no refetch.
	fetch := ids[:0]
	for _, id := range ids {
		if !s.store.Contains(id) {
			fetch = append(fetch, id)
		}
	}
	zlog.Info(ctx).
		Str("anchor", anchor).
		Int("revisions", len(ids)).
		Int("fetch", len(fetch)).
		Msg("enumerated revisions")

	done := 0
	for batch := range batches(fetch, s.batchSize()) {
		if err := ctx.Err(); err != nil {
			return 0, "", nil, err
		}
		var data []serversync.UpdateData
		err := s.call(ctx, func(ctx context.Context) error {
			var err error
			data, err = s.client.GetUpdateData(ctx, s.token.AccessCookie, batch)
			return err
		})
		if err != nil {
			return 0, "", nil, err
		}
		eg, ectx := errgroup.WithContext(ctx)
		eg.SetLimit(s.workers)
		for i := range data {
			raw := data[i].XML
			eg.Go(func() error {
				_, err := s.store.Add(ectx, raw)
				return err
			})
		}
		if err := eg.Wait(); err != nil {
			return 0, "", nil, err
		}
		done += len(batch)
		s.progress.Report(kind, done, len(fetch))
	}
	return len(fetch), newAnchor, fetch, nil
}

// ExtendedInfo fetches file locations for the staged identities, batched
// like the metadata pass, and resolves them into a digest-keyed URL map.
func (s *Session) extendedInfo(ctx context.Context, ids []ussync.Identity) (map[string]string, error) {
	locations := make(map[string]string)
	for batch := range batches(ids, s.batchSize()) {
		var info *serversync.ExtendedUpdateInfo
		err := s.call(ctx, func(ctx context.Context) error {
			var err error
			info, err = s.client.GetExtendedUpdateInfo(ctx, s.token.AccessCookie, batch)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, loc := range info.FileLocations {
			locations[loc.Digest.String()] = s.rewriteURL(loc.URL)
		}
	}
	return locations, nil
}

// CrossLink resolves category membership for the committed packages against
// the store's category tree and records it on the cached packages.
func (s *Session) crossLink(ctx context.Context, ids []ussync.Identity) {
	products := make(map[uuid.UUID]struct{})
	classifications := make(map[uuid.UUID]struct{})
	for pkg, err := range s.store.Packages(ctx) {
		if err != nil {
			return
		}
		switch pkg.Kind {
		case ussync.KindProduct:
			products[pkg.ID.UpdateID] = struct{}{}
		case ussync.KindClassification:
			classifications[pkg.ID.UpdateID] = struct{}{}
		}
	}
	for _, id := range ids {
		pkg, err := s.store.Get(ctx, id)
		if err != nil {
			continue
		}
		pkg.Categories = updategraph.Categories(pkg, products, classifications)
	}
}

// FileRequests joins the committed packages' files with the fetched
// locations. Files without a signed location fall back to their advertised
// CDN URL.
func (s *Session) fileRequests(ctx context.Context, ids []ussync.Identity, locations map[string]string) ([]contentstore.Request, error) {
	var reqs []contentstore.Request
	seen := make(map[string]struct{})
	for _, id := range ids {
		pkg, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		for i := range pkg.Files {
			f := &pkg.Files[i]
			if len(f.Digests) == 0 {
				continue
			}
			key := f.Primary().String()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			var urls []string
			if u, ok := locations[key]; ok {
				urls = append(urls, u)
			}
			for _, fu := range f.URLs {
				if fu.MUURL != "" {
					urls = append(urls, s.rewriteURL(fu.MUURL))
				}
				if fu.USSURL != "" {
					urls = append(urls, fu.USSURL)
				}
			}
			if len(urls) == 0 {
				continue
			}
			reqs = append(reqs, contentstore.Request{Digest: f.Primary(), URLs: urls, Size: f.Size})
		}
	}
	return reqs, nil
}

// Call runs one upstream operation with bounded retry. Transport faults and
// transient server faults retry; a rejected authorization cookie forces one
// transparent re-authentication and a retry. A second rejection, or a
// re-authentication that itself fails, surfaces ussync.ErrAuthExpired.
// Parse errors are permanent.
func (s *Session) call(ctx context.Context, op func(context.Context) error) error {
	reauthed := false
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op(ctx)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, ussync.ErrInvalidAuthorizationCookie):
			if reauthed {
				return struct{}{}, backoff.Permanent(fmt.Errorf("%w: %w", ussync.ErrAuthExpired, err))
			}
			reauthed = true
			// The rejected cookie also invalidates the manifest snapshot,
			// so force the full flow rather than going through ensure.
			tok, aerr := s.auth.Authenticate(ctx, nil)
			if aerr != nil {
				if !errors.Is(aerr, ussync.ErrAuthExpired) {
					aerr = fmt.Errorf("%w: %w", ussync.ErrAuthExpired, aerr)
				}
				return struct{}{}, backoff.Permanent(aerr)
			}
			s.token = tok
			s.store.SetToken(tok)
			return struct{}{}, err
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return struct{}{}, backoff.Permanent(err)
		default:
			var pe *ussync.ParseError
			if errors.As(err, &pe) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
	}, backoff.WithBackOff(s.newBO()), backoff.WithMaxTries(s.maxTries))
	return err
}

func (s *Session) batchSize() int {
	if s.cfg != nil && s.cfg.MaxNumberOfUpdatesPerRequest > 0 {
		return s.cfg.MaxNumberOfUpdatesPerRequest
	}
	return DefaultBatch
}

// RewriteURL points a content URL at the configured redirect host, keeping
// path and query. Used for the Microsoft Update CDN redirect.
func (s *Session) rewriteURL(raw string) string {
	if s.cfg == nil || s.cfg.MURedirectServerURL == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	r, err := url.Parse(s.cfg.MURedirectServerURL)
	if err != nil {
		return raw
	}
	if r.Host == "" {
		// Bare hostname configuration.
		u.Host = strings.TrimSuffix(s.cfg.MURedirectServerURL, "/")
	} else {
		u.Scheme = r.Scheme
		u.Host = r.Host
	}
	return u.String()
}

// Batches yields s in chunks of at most n.
func batches[T any](s []T, n int) func(yield func([]T) bool) {
	return func(yield func([]T) bool) {
		for len(s) > 0 {
			m := min(n, len(s))
			if !yield(s[:m]) {
				return
			}
			s = s[m:]
		}
	}
}
