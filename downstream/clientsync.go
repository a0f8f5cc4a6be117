package downstream

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/quay/ussync"
	"github.com/quay/ussync/filter"
	"github.com/quay/ussync/serversync"
	"github.com/quay/ussync/store"
	"github.com/quay/ussync/updategraph"
)

// DefaultClientContentRoot is where client-sync content lives when the host
// does not say otherwise.
const DefaultClientContentRoot = "/microsoftupdate/content"

// ClientProtocolVersion is the protocol string served to update agents.
// The v6 generation of the client web service identifies itself on the
// wire as "1.8"; agents key behavior off this literal, not the service
// generation number.
const ClientProtocolVersion = "1.8"

// ClientServer answers the client-sync operations for update agents. Like
// Server it is pure protocol logic; the host owns the transport.
type ClientServer struct {
	Store  *store.Store
	Filter *filter.MetadataFilter
	// ContentRoot is the path or URL root content links point at. Empty
	// means DefaultClientContentRoot.
	ContentRoot string
	// CookieLifetime bounds issued cookies. Zero means the default.
	CookieLifetime time.Duration
	Now            func() time.Time
}

// ClientConfig is the subset of configuration an update agent consumes.
type ClientConfig struct {
	ProtocolVersion              string `json:"protocol_version"`
	MaxUpdatesPerRequest         int    `json:"max_updates_per_request"`
	ContentRoot                  string `json:"content_root"`
	ExpressSupported             bool   `json:"express_supported"`
	HostsPsfFiles                bool   `json:"hosts_psf_files"`
	AllowedEventReporting        bool   `json:"allowed_event_reporting"`
	MaxExtendedUpdatesPerRequest int    `json:"max_extended_updates_per_request"`
}

// SyncResult is one SyncUpdates round.
type SyncResult struct {
	// New lists revisions the agent should fetch metadata for: applicable
	// given what it reported installed, and not reported installed already.
	New []ussync.Identity
	// Anchor resumes the next round.
	Anchor string
}

func (s *ClientServer) contentRoot() string {
	if s.ContentRoot != "" {
		return s.ContentRoot
	}
	return DefaultClientContentRoot
}

// GetConfig reports the agent-facing configuration.
func (s *ClientServer) GetConfig(ctx context.Context) *ClientConfig {
	return &ClientConfig{
		ProtocolVersion:              ClientProtocolVersion,
		MaxUpdatesPerRequest:         100,
		MaxExtendedUpdatesPerRequest: 50,
		ContentRoot:                  s.contentRoot(),
	}
}

// GetCookie issues an opaque cookie, same scheme as the server-sync side.
func (s *ClientServer) GetCookie(ctx context.Context) (*serversync.AccessCookie, error) {
	srv := Server{CookieLifetime: s.CookieLifetime, Now: s.Now}
	return srv.GetCookie(ctx)
}

// SyncUpdates evaluates the store against what the agent reports installed
// and returns the applicable new revisions. Category packages always flow:
// agents need the tree to evaluate membership. Software flows when its
// prerequisites hold (disjunction within a group, conjunction across) and
// its own id is not in the installed set.
func (s *ClientServer) SyncUpdates(ctx context.Context, installed []uuid.UUID, anchor string) (*SyncResult, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "downstream/ClientServer.SyncUpdates")
	seq, err := decodeAnchor(anchor)
	if err != nil {
		return nil, err
	}
	have := make(map[uuid.UUID]struct{}, len(installed))
	for _, id := range installed {
		have[id] = struct{}{}
	}

	var out []ussync.Identity
	for _, id := range s.Store.ChangedSince(seq) {
		pkg, err := s.Store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if _, done := have[id.UpdateID]; done {
			continue
		}
		if !s.Filter.Match(pkg, s.Store.IsSuperseded) {
			continue
		}
		if !pkg.Kind.IsCategory() && !updategraph.IsApplicable(pkg, installed) {
			continue
		}
		out = append(out, id)
	}
	zlog.Debug(ctx).
		Int("installed", len(installed)).
		Int("new", len(out)).
		Msg("evaluated client sync")
	return &SyncResult{New: out, Anchor: encodeAnchor(s.Store.Sequence())}, nil
}

// GetExtendedUpdateInfo serves metadata and content links for revisions an
// agent selected from a SyncUpdates round.
func (s *ClientServer) GetExtendedUpdateInfo(ctx context.Context, ids []ussync.Identity) (*serversync.ExtendedUpdateInfo, error) {
	srv := Server{Store: s.Store, Filter: s.Filter, ContentRoot: s.contentRoot()}
	return srv.GetExtendedUpdateInfo(ctx, ids)
}
