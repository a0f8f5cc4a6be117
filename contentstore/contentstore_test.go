package contentstore

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/quay/zlog"

	"github.com/quay/ussync"
)

func mkDigest(t *testing.T, content []byte) ussync.Digest {
	t.Helper()
	sum := sha1.Sum(content)
	d, err := ussync.NewDigest("sha1", sum[:])
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestPutOpen(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	content := []byte("cab contents")
	d := mkDigest(t, content)

	if s.Contains(d) {
		t.Fatal("empty store contains digest")
	}
	if err := s.Put(d, bytes.NewReader(content)); err != nil {
		t.Fatal(err)
	}
	if !s.Contains(d) {
		t.Fatal("stored digest missing")
	}
	rc, err := s.Open(d)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("got %q", got)
	}
	if sz, err := s.Size(d); err != nil || sz != int64(len(content)) {
		t.Errorf("size %d, %v", sz, err)
	}
}

func TestPutRejectsCorrupt(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	d := mkDigest(t, []byte("expected"))
	err = s.Put(d, strings.NewReader("something else"))
	var corrupt *ussync.ContentCorruptError
	if !errors.As(err, &corrupt) {
		t.Fatalf("got %v, want ContentCorruptError", err)
	}
	if s.Contains(d) {
		t.Error("corrupt content installed")
	}
}

func contentServer(t *testing.T, files map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if rng := r.Header.Get("range"); rng != "" {
			var off int
			if _, err := fmt.Sscanf(rng, "bytes=%d-", &off); err == nil && off < len(b) {
				w.Header().Set("content-range", fmt.Sprintf("bytes %d-%d/%d", off, len(b)-1, len(b)))
				w.WriteHeader(http.StatusPartialContent)
				w.Write(b[off:])
				return
			}
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("content-length", strconv.Itoa(len(b)))
		w.Write(b)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetch(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	payloads := map[string][]byte{
		"/content/a.cab": []byte("first payload"),
		"/content/b.cab": []byte("second payload"),
	}
	srv := contentServer(t, payloads)
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	f := NewFetcher(s, WithHTTPClient(srv.Client()), WithWorkers(2))

	var reqs []Request
	for p, b := range payloads {
		reqs = append(reqs, Request{
			Digest: mkDigest(t, b),
			URLs:   []string{srv.URL + p},
			Size:   int64(len(b)),
		})
	}
	// Duplicate request collapses to one download.
	reqs = append(reqs, reqs[0])

	var events atomic.Int64
	if err := f.Fetch(ctx, reqs, func(ussync.Progress) { events.Add(1) }); err != nil {
		t.Fatal(err)
	}
	if got := events.Load(); got != 2 {
		t.Errorf("progress events %d, want 2", got)
	}
	for p, b := range payloads {
		d := mkDigest(t, b)
		if !s.Contains(d) {
			t.Errorf("%s not stored", p)
		}
	}
}

func TestFetchSkipsPresent(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	content := []byte("already here")
	d := mkDigest(t, content)
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(d, bytes.NewReader(content)); err != nil {
		t.Fatal(err)
	}

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(content)
	}))
	defer srv.Close()

	f := NewFetcher(s, WithHTTPClient(srv.Client()))
	err = f.Fetch(ctx, []Request{{Digest: d, URLs: []string{srv.URL + "/x"}}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 0 {
		t.Errorf("server hit %d times for present content", hits.Load())
	}
}

func TestFetchResume(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	content := []byte("0123456789abcdefghij")
	d := mkDigest(t, content)
	srv := contentServer(t, map[string][]byte{"/f": content})

	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	f := NewFetcher(s, WithHTTPClient(srv.Client()))

	// Seed a half-finished partial file from an interrupted earlier run.
	partial := f.partialPath(d)
	if err := os.MkdirAll(filepath.Dir(partial), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(partial, content[:10], 0o644); err != nil {
		t.Fatal(err)
	}

	if err := f.Fetch(ctx, []Request{{Digest: d, URLs: []string{srv.URL + "/f"}, Size: int64(len(content))}}, nil); err != nil {
		t.Fatal(err)
	}
	rc, err := s.Open(d)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, content) {
		t.Errorf("resumed content %q, want %q", got, content)
	}
	if _, err := os.Stat(partial); !errors.Is(err, os.ErrNotExist) {
		t.Error("partial file not cleaned up")
	}
}

func TestFetchCorruptGivesUp(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		io.WriteString(w, "garbage that never matches")
	}))
	defer srv.Close()

	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	d := mkDigest(t, []byte("the real content"))
	f := NewFetcher(s, WithHTTPClient(srv.Client()), WithAttempts(3))
	f.newBO = func() backoff.BackOff {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = time.Millisecond
		return bo
	}

	err = f.Fetch(ctx, []Request{{Digest: d, URLs: []string{srv.URL + "/f"}}}, nil)
	var corrupt *ussync.ContentCorruptError
	if !errors.As(err, &corrupt) {
		t.Fatalf("got %v, want ContentCorruptError", err)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("attempts %d, want 3", got)
	}
	if s.Contains(d) {
		t.Error("corrupt content installed")
	}
	if hex.EncodeToString(d.Checksum()) != corrupt.Expected {
		t.Errorf("error carries wrong expected digest: %s", corrupt.Expected)
	}
}
