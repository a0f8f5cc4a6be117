// Package downstream serves a synchronized store to downstream peers.
//
// The functions here are pure protocol logic over an open store plus a
// little configuration; mounting them behind a transport is the embedding
// host's business.
package downstream

import (
	"context"
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/quay/ussync"
	"github.com/quay/ussync/filter"
	"github.com/quay/ussync/serversync"
	"github.com/quay/ussync/store"
)

// DefaultCookieLifetime bounds issued access cookies.
const DefaultCookieLifetime = 4 * time.Hour

// Server answers the server-to-server operations for downstream peers.
//
// Filter, when set, bounds what this server exposes: peers only ever see
// packages the filter admits. Config is the configuration echoed on
// GetConfigData; nil falls back to the snapshot in the store manifest.
type Server struct {
	Store  *store.Store
	Filter *filter.MetadataFilter
	Config *serversync.ServerConfig
	// ContentRoot is the URL root this server's content store is published
	// under. Empty means no local content: extended info then hands out the
	// upstream CDN URLs instead.
	ContentRoot string
	// CookieLifetime bounds issued cookies. Zero means the default.
	CookieLifetime time.Duration
	// Now is the clock, overridable for tests.
	Now func() time.Time
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// GetAuthConfig advertises the single anonymous plug-in. Downstream
// authentication is a formality: any account is accepted, like the
// Microsoft upstream does for server sync.
func (s *Server) GetAuthConfig(ctx context.Context) []serversync.AuthPlugin {
	return []serversync.AuthPlugin{{
		PlugInID:   "DssTargeting",
		ServiceURL: "DssAuthWebService/DssAuthWebService.asmx",
	}}
}

// GetCookie issues an opaque access cookie with the configured lifetime.
// The cookie carries no state; expiry is the only thing checked.
func (s *Server) GetCookie(ctx context.Context) (*serversync.AccessCookie, error) {
	lifetime := s.CookieLifetime
	if lifetime <= 0 {
		lifetime = DefaultCookieLifetime
	}
	data := make([]byte, 32)
	if _, err := rand.Read(data); err != nil {
		return nil, err
	}
	return &serversync.AccessCookie{
		Expiration:    s.now().Add(lifetime).UTC(),
		EncryptedData: data,
	}, nil
}

// GetConfigData echoes this server's configuration. The batch maximum and
// catalog-only flag come from the configured override or the upstream
// snapshot; the content root is always this server's own.
func (s *Server) GetConfigData(ctx context.Context) *serversync.ServerConfig {
	cfg := s.Config
	if cfg == nil {
		cfg = s.Store.Manifest().ServiceConfig
	}
	out := serversync.ServerConfig{
		ProtocolVersion:                serversync.ProtocolVersion,
		MaxNumberOfUpdatesPerRequest:   200,
		MaxNumberOfLanguagesPerRequest: 10,
	}
	if cfg != nil {
		out = *cfg
		out.ProtocolVersion = serversync.ProtocolVersion
	}
	out.MURedirectServerURL = ""
	out.ContentRoot = s.ContentRoot
	out.CatalogOnlySync = s.ContentRoot == ""
	return &out
}

// Anchor encoding: the store's commit sequence, which is exactly the "what
// have I seen" token a peer needs.

func encodeAnchor(seq int64) string { return "seq-" + strconv.FormatInt(seq, 10) }

func decodeAnchor(anchor string) (int64, error) {
	if anchor == "" {
		return 0, nil
	}
	rest, ok := strings.CutPrefix(anchor, "seq-")
	if !ok {
		return 0, fmt.Errorf("downstream: bad anchor %q", anchor)
	}
	seq, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("downstream: bad anchor %q: %w", anchor, err)
	}
	return seq, nil
}

// GetRevisionIdList enumerates revisions committed since the peer's anchor.
// An empty source filter enumerates categories; a non-empty one enumerates
// updates whose category membership intersects it. The exposure filter
// applies on top in both cases.
func (s *Server) GetRevisionIdList(ctx context.Context, src *serversync.SourceFilter, anchor string) ([]ussync.Identity, string, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "downstream/Server.GetRevisionIdList")
	seq, err := decodeAnchor(anchor)
	if err != nil {
		return nil, "", err
	}
	wantCategories := src.Empty()
	var wanted map[uuid.UUID]struct{}
	if !wantCategories {
		wanted = make(map[uuid.UUID]struct{}, len(src.ProductIDs)+len(src.ClassificationIDs))
		for _, id := range src.ProductIDs {
			wanted[id] = struct{}{}
		}
		for _, id := range src.ClassificationIDs {
			wanted[id] = struct{}{}
		}
	}

	var out []ussync.Identity
	for _, id := range s.Store.ChangedSince(seq) {
		pkg, err := s.Store.Get(ctx, id)
		if err != nil {
			return nil, "", err
		}
		if pkg.Kind.IsCategory() != wantCategories {
			continue
		}
		if !wantCategories && !memberOf(pkg, wanted) {
			continue
		}
		if !s.Filter.Match(pkg, s.Store.IsSuperseded) {
			continue
		}
		out = append(out, id)
	}
	newAnchor := encodeAnchor(s.Store.Sequence())
	zlog.Debug(ctx).
		Str("anchor", anchor).
		Int("revisions", len(out)).
		Msg("served revision id list")
	return out, newAnchor, nil
}

func memberOf(pkg *ussync.Package, wanted map[uuid.UUID]struct{}) bool {
	for i := range pkg.Prerequisites {
		g := pkg.Prerequisites[i].AtLeastOne
		if g == nil {
			continue
		}
		for _, id := range g.UpdateIDs {
			if _, ok := wanted[id]; ok {
				return true
			}
		}
	}
	for _, id := range pkg.Categories {
		if _, ok := wanted[id]; ok {
			return true
		}
	}
	return false
}

// GetUpdateData serves raw metadata for the requested revisions. Unknown
// identities and revisions the exposure filter hides are both reported as
// invalid, so hidden metadata is indistinguishable from absent metadata.
func (s *Server) GetUpdateData(ctx context.Context, ids []ussync.Identity) ([]serversync.UpdateData, error) {
	out := make([]serversync.UpdateData, 0, len(ids))
	for _, id := range ids {
		pkg, err := s.Store.Get(ctx, id)
		if err != nil || !s.Filter.Match(pkg, s.Store.IsSuperseded) {
			return nil, fmt.Errorf("downstream: unknown identity %v", id)
		}
		raw, err := s.Store.RawMetadata(id)
		if err != nil {
			return nil, err
		}
		out = append(out, serversync.UpdateData{ID: id, XML: raw})
	}
	return out, nil
}

// GetExtendedUpdateInfo serves metadata plus file locations. With a content
// root configured the locations point into it; otherwise the stored CDN
// URLs pass through, preferring the Microsoft Update form.
func (s *Server) GetExtendedUpdateInfo(ctx context.Context, ids []ussync.Identity) (*serversync.ExtendedUpdateInfo, error) {
	updates, err := s.GetUpdateData(ctx, ids)
	if err != nil {
		return nil, err
	}
	info := serversync.ExtendedUpdateInfo{Updates: updates}
	seen := make(map[string]struct{})
	for _, id := range ids {
		files, err := s.Store.Files(ctx, id)
		if err != nil {
			return nil, err
		}
		for i := range files {
			f := &files[i]
			if len(f.Digests) == 0 {
				continue
			}
			key := f.Primary().String()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			u := s.contentURL(f)
			if u == "" {
				continue
			}
			info.FileLocations = append(info.FileLocations, serversync.FileLocation{
				Digest: f.Primary(),
				URL:    u,
			})
		}
	}
	return &info, nil
}

// ContentURL picks the URL a peer should fetch a file from.
func (s *Server) contentURL(f *ussync.File) string {
	if s.ContentRoot != "" {
		return ContentPath(s.ContentRoot, f.Primary(), f.Name)
	}
	for _, u := range f.URLs {
		if u.MUURL != "" {
			return u.MUURL
		}
	}
	for _, u := range f.URLs {
		if u.USSURL != "" {
			return u.USSURL
		}
	}
	return ""
}

// ContentPath builds the published URL of one content file under root,
// fanned out by the digest's trailing hex byte the way WSUS content
// directories are.
func ContentPath(root string, d ussync.Digest, name string) string {
	sum := d.Checksum()
	fan := fmt.Sprintf("%02X", sum[len(sum)-1])
	return strings.TrimSuffix(root, "/") + "/" + fan + "/" + name
}
