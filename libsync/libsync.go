// Package libsync is the high-level sync facade: one Session binds an
// upstream endpoint to a metadata store and drives the anchored category
// and update synchronization loops over it.
package libsync

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/quay/zlog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/quay/ussync"
	"github.com/quay/ussync/serversync"
	"github.com/quay/ussync/store"
)

// DefaultWorkers is the metadata parse concurrency.
const DefaultWorkers = 4

// Session drives synchronization from one upstream into one store. The
// store's directory lock makes a session the sole writer, so there is at
// most one sync per store at a time.
//
// A Session caches the upstream service configuration and the auth token
// for its lifetime; both are also snapshotted into the store manifest on
// commit so the next session resumes without redoing the full flows.
type Session struct {
	client   *serversync.Client
	auth     serversync.Authenticator
	store    *store.Store
	tracer   trace.Tracer
	progress ussync.ProgressFunc
	workers  int
	maxTries uint
	newBO    func() backoff.BackOff

	token *serversync.Token
	cfg   *serversync.ServerConfig
}

// Option configures a Session.
type Option func(*options)

type options struct {
	endpoint string
	hc       *http.Client
	timeout  time.Duration
	workers  int
	progress ussync.ProgressFunc
}

// WithEndpoint sets the upstream sync endpoint. Empty means the Microsoft
// upstream.
func WithEndpoint(u string) Option {
	return func(o *options) { o.endpoint = u }
}

// WithHTTPClient sets the http.Client for all upstream calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.hc = hc }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithWorkers sets the metadata parse concurrency.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithProgress installs a progress callback.
func WithProgress(fn ussync.ProgressFunc) Option {
	return func(o *options) { o.progress = fn }
}

// New makes a Session over an open store.
func New(ctx context.Context, st *store.Store, opt ...Option) (*Session, error) {
	o := options{workers: DefaultWorkers}
	for _, f := range opt {
		f(&o)
	}
	var copt []serversync.Option
	if o.hc != nil {
		copt = append(copt, serversync.WithHTTPClient(o.hc))
	}
	if o.timeout > 0 {
		copt = append(copt, serversync.WithTimeout(o.timeout))
	}
	client, err := serversync.New(o.endpoint, copt...)
	if err != nil {
		return nil, err
	}
	s := Session{
		client:   client,
		auth:     serversync.Authenticator{Client: client},
		store:    st,
		tracer:   otel.Tracer("libsync"),
		progress: o.progress,
		workers:  o.workers,
		maxTries: 4,
		newBO:    newBackOff,
	}
	zlog.Info(ctx).Str("endpoint", client.Endpoint()).Msg("session created")
	return &s, nil
}

func newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = 30 * time.Second
	return bo
}

// Ensure authenticates (reusing the manifest's token snapshot when live)
// and fetches the service configuration once per session.
func (s *Session) ensure(ctx context.Context) error {
	if s.token == nil {
		s.token = s.store.Manifest().Token
	}
	tok, err := s.auth.Authenticate(ctx, s.token)
	if err != nil {
		return err
	}
	s.token = tok
	s.store.SetToken(tok)

	if s.cfg == nil {
		anchor := ""
		if prev := s.store.Manifest().ServiceConfig; prev != nil {
			anchor = prev.ConfigAnchor
		}
		cfg, err := s.client.GetConfigData(ctx, tok.AccessCookie, anchor)
		if err != nil {
			return err
		}
		s.cfg = cfg
		s.store.SetServiceConfig(cfg)
		zlog.Info(ctx).
			Int("max_batch", cfg.MaxNumberOfUpdatesPerRequest).
			Str("content_root", cfg.ContentRoot).
			Msg("got service configuration")
	}
	return nil
}

// Config reports the cached upstream configuration, fetching it if needed.
func (s *Session) Config(ctx context.Context) (*serversync.ServerConfig, error) {
	if err := s.ensure(ctx); err != nil {
		return nil, err
	}
	return s.cfg, nil
}
