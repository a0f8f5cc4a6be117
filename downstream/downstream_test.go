package downstream

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/quay/ussync"
	"github.com/quay/ussync/filter"
	"github.com/quay/ussync/serversync"
	"github.com/quay/ussync/store"
	"github.com/quay/ussync/test"
)

var (
	productID        = test.GenID(900, 1)
	classificationID = test.GenID(901, 1)
)

func seedStore(t *testing.T, ctx context.Context) *store.Store {
	t.Helper()
	st, err := store.OpenOrCreate(ctx, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	frags := []*test.Fragment{
		{ID: productID, Title: "Windows 10", Category: "Product"},
		{ID: classificationID, Title: "Security Updates", Category: "UpdateClassification"},
		{
			ID:         test.GenID(1, 100),
			Title:      "Cumulative Update",
			KB:         "5000001",
			CategoryOf: []uuid.UUID{productID.UpdateID, classificationID.UpdateID},
			Files: []test.FragmentFile{{
				Name:    "payload.cab",
				Content: []byte("payload-bytes"),
				MUURL:   "https://au.download.windowsupdate.test/c/payload.cab",
			}},
		},
		{
			ID:         test.GenID(2, 100),
			Title:      "Feature Pack",
			KB:         "5000002",
			CategoryOf: []uuid.UUID{productID.UpdateID},
			Simple:     []uuid.UUID{test.GenID(1, 100).UpdateID},
		},
	}
	for _, f := range frags {
		if _, err := st.Add(ctx, []byte(f.XML())); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestGetRevisionIdList(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	st := seedStore(t, ctx)
	srv := Server{Store: st}

	// Empty filter enumerates categories.
	ids, anchor, err := srv.GetRevisionIdList(ctx, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("categories: %v", ids)
	}
	if anchor != "seq-1" {
		t.Errorf("anchor %q", anchor)
	}

	// Product filter enumerates member updates.
	src := &serversync.SourceFilter{ProductIDs: []uuid.UUID{productID.UpdateID}}
	ids, _, err = srv.GetRevisionIdList(ctx, src, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("updates: %v", ids)
	}

	// An up-to-date anchor sees nothing.
	ids, _, err = srv.GetRevisionIdList(ctx, src, anchor)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("anchored list not empty: %v", ids)
	}

	// New commits show up past the anchor.
	late := &test.Fragment{
		ID:         test.GenID(3, 100),
		Title:      "Late Update",
		CategoryOf: []uuid.UUID{productID.UpdateID},
	}
	if _, err := st.Add(ctx, []byte(late.XML())); err != nil {
		t.Fatal(err)
	}
	if err := st.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	ids, anchor2, err := srv.GetRevisionIdList(ctx, src, anchor)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != late.ID {
		t.Fatalf("incremental list: %v", ids)
	}
	if anchor2 != "seq-2" {
		t.Errorf("anchor %q", anchor2)
	}

	if _, _, err := srv.GetRevisionIdList(ctx, nil, "bogus"); err == nil {
		t.Error("bad anchor accepted")
	}
}

func TestExposureFilter(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	st := seedStore(t, ctx)
	srv := Server{Store: st, Filter: &filter.MetadataFilter{KBArticle: "5000001"}}

	src := &serversync.SourceFilter{ProductIDs: []uuid.UUID{productID.UpdateID}}
	ids, _, err := srv.GetRevisionIdList(ctx, src, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != test.GenID(1, 100) {
		t.Fatalf("filtered list: %v", ids)
	}
	// Hidden metadata is served as unknown.
	if _, err := srv.GetUpdateData(ctx, []ussync.Identity{test.GenID(2, 100)}); err == nil {
		t.Error("hidden identity served")
	}
}

func TestGetUpdateData(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	st := seedStore(t, ctx)
	srv := Server{Store: st}

	data, err := srv.GetUpdateData(ctx, []ussync.Identity{test.GenID(1, 100)})
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 1 || !strings.Contains(string(data[0].XML), "5000001") {
		t.Errorf("update data: %d entries", len(data))
	}
	if _, err := srv.GetUpdateData(ctx, []ussync.Identity{test.GenID(99, 1)}); err == nil {
		t.Error("unknown identity served")
	}
}

func TestExtendedInfoContentRoot(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	st := seedStore(t, ctx)
	ids := []ussync.Identity{test.GenID(1, 100)}

	// With a content root, links point into it.
	srv := Server{Store: st, ContentRoot: "http://wsus.internal/Content"}
	info, err := srv.GetExtendedUpdateInfo(ctx, ids)
	if err != nil {
		t.Fatal(err)
	}
	if len(info.FileLocations) != 1 {
		t.Fatalf("locations: %d", len(info.FileLocations))
	}
	u := info.FileLocations[0].URL
	if !strings.HasPrefix(u, "http://wsus.internal/Content/") || !strings.HasSuffix(u, "/payload.cab") {
		t.Errorf("content URL %q", u)
	}

	// Without one, the stored CDN URL passes through.
	srv = Server{Store: st}
	info, err = srv.GetExtendedUpdateInfo(ctx, ids)
	if err != nil {
		t.Fatal(err)
	}
	if len(info.FileLocations) != 1 ||
		info.FileLocations[0].URL != "https://au.download.windowsupdate.test/c/payload.cab" {
		t.Errorf("locations: %+v", info.FileLocations)
	}
}

func TestGetConfigData(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	st := seedStore(t, ctx)
	st.SetServiceConfig(&serversync.ServerConfig{
		MaxNumberOfUpdatesPerRequest:   77,
		MaxNumberOfLanguagesPerRequest: 5,
		MURedirectServerURL:            "https://upstream.example.test",
	})

	srv := Server{Store: st, ContentRoot: "http://wsus.internal/Content"}
	cfg := srv.GetConfigData(ctx)
	if cfg.MaxNumberOfUpdatesPerRequest != 77 {
		t.Errorf("batch max %d", cfg.MaxNumberOfUpdatesPerRequest)
	}
	if cfg.MURedirectServerURL != "" {
		t.Error("upstream redirect leaked downstream")
	}
	if cfg.ContentRoot != "http://wsus.internal/Content" || cfg.CatalogOnlySync {
		t.Errorf("content config: %+v", cfg)
	}

	srv = Server{Store: st}
	if cfg := srv.GetConfigData(ctx); !cfg.CatalogOnlySync {
		t.Error("catalog-only not set without content root")
	}
}

func TestGetCookie(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	srv := Server{CookieLifetime: time.Hour, Now: func() time.Time { return now }}
	c, err := srv.GetCookie(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Expiration.Equal(now.Add(time.Hour)) {
		t.Errorf("expiration %v", c.Expiration)
	}
	if len(c.EncryptedData) == 0 {
		t.Error("empty cookie data")
	}
}

func TestClientSyncUpdates(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	st := seedStore(t, ctx)
	srv := ClientServer{Store: st}

	// Nothing installed: categories and the prerequisite-free update flow;
	// the Feature Pack's prerequisite is unmet.
	res, err := srv.SyncUpdates(ctx, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	got := make(map[ussync.Identity]bool, len(res.New))
	for _, id := range res.New {
		got[id] = true
	}
	if !got[productID] || !got[classificationID] || !got[test.GenID(1, 100)] {
		t.Errorf("missing expected revisions: %v", res.New)
	}
	if got[test.GenID(2, 100)] {
		t.Error("update with unmet prerequisite offered")
	}

	// Installing the prerequisite unlocks the dependent and drops the
	// installed update from the offer.
	res, err = srv.SyncUpdates(ctx, []uuid.UUID{test.GenID(1, 100).UpdateID}, "")
	if err != nil {
		t.Fatal(err)
	}
	got = make(map[ussync.Identity]bool, len(res.New))
	for _, id := range res.New {
		got[id] = true
	}
	if !got[test.GenID(2, 100)] {
		t.Error("unlocked update not offered")
	}
	if got[test.GenID(1, 100)] {
		t.Error("installed update still offered")
	}

	// An anchored round sees only later commits.
	res2, err := srv.SyncUpdates(ctx, nil, res.Anchor)
	if err != nil {
		t.Fatal(err)
	}
	if len(res2.New) != 0 {
		t.Errorf("anchored round: %v", res2.New)
	}
}

func TestClientConfig(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	srv := ClientServer{}
	cfg := srv.GetConfig(ctx)
	if cfg.ContentRoot != DefaultClientContentRoot {
		t.Errorf("content root %q", cfg.ContentRoot)
	}
	if cfg.ProtocolVersion != ClientProtocolVersion {
		t.Errorf("protocol version %q", cfg.ProtocolVersion)
	}
}
