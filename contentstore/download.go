package contentstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/quay/zlog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/quay/ussync"
)

var (
	queuedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ussync",
		Subsystem: "contentstore",
		Name:      "files_queued_total",
		Help:      "Files queued for download, after digest dedup.",
	})
	downloadedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ussync",
		Subsystem: "contentstore",
		Name:      "files_downloaded_total",
		Help:      "Files downloaded and verified.",
	})
	corruptCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ussync",
		Subsystem: "contentstore",
		Name:      "files_corrupt_total",
		Help:      "Downloads that failed digest verification.",
	})
	bytesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ussync",
		Subsystem: "contentstore",
		Name:      "bytes_fetched_total",
		Help:      "Bytes fetched from upstream, including resumed ranges.",
	})
)

// Defaults for the Fetcher.
const (
	DefaultWorkers  = 4
	DefaultAttempts = 3
)

// Request names one file to fetch. URLs are tried in order until one
// serves the content.
type Request struct {
	Digest ussync.Digest
	URLs   []string
	// Size, when known, is used to detect an already complete partial file.
	Size int64
}

// Fetcher downloads content into a Store with a bounded worker pool.
// Requests for the same digest collapse to one download. Interrupted
// transfers resume with a Range request from the staged partial file.
type Fetcher struct {
	store    *Store
	client   *http.Client
	limiter  *rate.Limiter
	workers  int
	attempts int
	newBO    func() backoff.BackOff
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithWorkers bounds the concurrent downloads.
func WithWorkers(n int) FetcherOption {
	return func(f *Fetcher) {
		if n > 0 {
			f.workers = n
		}
	}
}

// WithHTTPClient sets the http.Client used for downloads.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) { f.client = c }
}

// WithBandwidthLimit caps aggregate download throughput in bytes per
// second. Zero means unlimited.
func WithBandwidthLimit(bytesPerSec int) FetcherOption {
	return func(f *Fetcher) {
		if bytesPerSec > 0 {
			f.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)
		}
	}
}

// WithAttempts sets the per-file attempt bound.
func WithAttempts(n int) FetcherOption {
	return func(f *Fetcher) {
		if n > 0 {
			f.attempts = n
		}
	}
}

// NewFetcher makes a Fetcher writing into store.
func NewFetcher(store *Store, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		store:    store,
		client:   http.DefaultClient,
		workers:  DefaultWorkers,
		attempts: DefaultAttempts,
		newBO:    newBackOff,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fetch downloads every request not already in the store. It returns the
// first error; in-flight downloads are canceled, and their partial files
// stay on disk for the next run to resume.
func (f *Fetcher) Fetch(ctx context.Context, reqs []Request, progress ussync.ProgressFunc) error {
	ctx = zlog.ContextWithValues(ctx, "component", "contentstore/Fetcher.Fetch")

	// Collapse duplicate digests and drop content already present.
	todo := make([]Request, 0, len(reqs))
	seen := make(map[string]struct{}, len(reqs))
	for _, req := range reqs {
		key := req.Digest.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		if f.store.Contains(req.Digest) {
			continue
		}
		todo = append(todo, req)
	}
	queuedCounter.Add(float64(len(todo)))
	zlog.Info(ctx).
		Int("requested", len(reqs)).
		Int("queued", len(todo)).
		Msg("starting downloads")

	var done atomic.Int64
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(f.workers)
	for i := range todo {
		req := todo[i]
		eg.Go(func() error {
			if err := f.fetchOne(ctx, req); err != nil {
				return err
			}
			downloadedCounter.Inc()
			progress.Report("download", int(done.Add(1)), len(todo))
			return nil
		})
	}
	return eg.Wait()
}

// FetchOne downloads one file, retrying with exponential backoff. A digest
// mismatch discards the partial file before the next attempt; transport
// errors keep it so the retry can resume.
func (f *Fetcher) fetchOne(ctx context.Context, req Request) error {
	if len(req.URLs) == 0 {
		return fmt.Errorf("contentstore: no URL for %v", req.Digest)
	}
	partial := f.partialPath(req.Digest)
	if err := os.MkdirAll(filepath.Dir(partial), 0o755); err != nil {
		return err
	}

	attempt := 0
	op := func() (struct{}, error) {
		url := req.URLs[attempt%len(req.URLs)]
		attempt++
		err := f.download(ctx, url, partial)
		if err == nil {
			err = f.install(req.Digest, partial)
		}
		var corrupt *ussync.ContentCorruptError
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.As(err, &corrupt):
			corruptCounter.Inc()
			os.Remove(partial)
			if attempt >= f.attempts {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return struct{}{}, backoff.Permanent(err)
		case attempt >= f.attempts:
			return struct{}{}, backoff.Permanent(err)
		default:
			return struct{}{}, err
		}
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(f.newBO()),
		backoff.WithMaxTries(uint(f.attempts)))
	return err
}

func newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = 30 * time.Second
	return bo
}

// Download appends the remote content to the partial file, resuming from
// its current size via a Range request.
func (f *Fetcher) download(ctx context.Context, url, partial string) error {
	out, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	offset, err := out.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if offset > 0 {
		req.Header.Set("range", fmt.Sprintf("bytes=%d-", offset))
	}
	res, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
		// Server ignored the range; start over.
		if offset > 0 {
			if err := out.Truncate(0); err != nil {
				return err
			}
			if _, err := out.Seek(0, io.SeekStart); err != nil {
				return err
			}
		}
	case http.StatusPartialContent:
	case http.StatusRequestedRangeNotSatisfiable:
		// Likely already complete; let verification decide.
		return nil
	default:
		return fmt.Errorf("contentstore: %s: unexpected status %s", url, res.Status)
	}

	var src io.Reader = res.Body
	if f.limiter != nil {
		src = &rateReader{r: src, lim: f.limiter, ctx: ctx}
	}
	n, err := io.Copy(out, src)
	bytesCounter.Add(float64(n))
	if err != nil {
		return err
	}
	return out.Sync()
}

// Install verifies the completed partial file and moves it into place.
func (f *Fetcher) install(d ussync.Digest, partial string) error {
	in, err := os.Open(partial)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := f.store.Put(d, in); err != nil {
		return err
	}
	return os.Remove(partial)
}

func (f *Fetcher) partialPath(d ussync.Digest) string {
	return filepath.Join(f.store.root, "partial", d.Algorithm()+"-"+hex.EncodeToString(d.Checksum()))
}

// RateReader throttles reads against a shared limiter.
type rateReader struct {
	r   io.Reader
	lim *rate.Limiter
	ctx context.Context
}

func (r *rateReader) Read(p []byte) (int, error) {
	if b := r.lim.Burst(); len(p) > b {
		p = p[:b]
	}
	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.lim.WaitN(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
