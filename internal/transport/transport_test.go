package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/any-hub/galley/internal/cache"
	galleyerrors "github.com/any-hub/galley/internal/errors"
	"github.com/any-hub/galley/internal/resource"
)

func newTarget(t *testing.T, loc *resource.Location, path string) *cache.Transfer {
	t.Helper()
	p, err := cache.NewFileProvider(cache.FileOptions{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("new provider error: %v", err)
	}
	return p.Transfer(resource.NewConcrete(loc, path))
}

func readTransfer(t *testing.T, tr *cache.Transfer) string {
	t.Helper()
	rc, err := tr.OpenInputStream(context.Background(), false)
	if err != nil {
		t.Fatalf("open input error: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	return string(data)
}

func TestURLJoinsLocationAndPath(t *testing.T) {
	loc := resource.MustLocation(resource.SimpleOptions("central", "https://user:pw@repo.example.com/maven2/"))
	got, err := URL(resource.NewConcrete(loc, "org/foo/../foo/1.0/foo-1.0.jar"))
	if err != nil {
		t.Fatalf("url error: %v", err)
	}
	if got != "https://repo.example.com/maven2/org/foo/1.0/foo-1.0.jar" {
		t.Fatalf("unexpected url: %s", got)
	}
	if _, err := URL(resource.ConcreteResource{}); !galleyerrors.Is(galleyerrors.Invalid, err) {
		t.Fatalf("expected invalid error, got %v", err)
	}
}

func TestManagerSelectsByScheme(t *testing.T) {
	m := NewManager(File{}, NewHTTP(HTTPOptions{}))
	httpLoc := resource.MustLocation(resource.SimpleOptions("a", "https://a.example.com"))
	if tr, err := m.Transport(httpLoc); err != nil || tr.Name() != "http" {
		t.Fatalf("expected http transport, got %v %v", tr, err)
	}
	fileLoc := resource.MustLocation(resource.SimpleOptions("b", "file:///srv/repo"))
	if tr, err := m.Transport(fileLoc); err != nil || tr.Name() != "file" {
		t.Fatalf("expected file transport, got %v %v", tr, err)
	}
	s3 := resource.MustLocation(resource.SimpleOptions("c", "s3://bucket/prefix"))
	if _, err := m.Transport(s3); !galleyerrors.Is(galleyerrors.Invalid, err) {
		t.Fatalf("expected invalid error for unknown scheme, got %v", err)
	}
	if err := m.Register(File{}); err == nil {
		t.Fatalf("duplicate registration should fail")
	}
	if names := m.Names(); len(names) != 2 || names[0] != "file" || names[1] != "http" {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestHTTPDownloadRetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if user, pass, ok := r.BasicAuth(); !ok || user != "deploy" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("artifact"))
	}))
	defer srv.Close()

	opts := resource.SimpleOptions("remote", srv.URL)
	opts.Username, opts.Password = "deploy", "secret"
	loc := resource.MustLocation(opts)
	target := newTarget(t, loc, "x.jar")

	h := NewHTTP(HTTPOptions{MaxRetries: 2, InitialBackoff: time.Millisecond})
	job, err := h.CreateDownloadJob(srv.URL+"/x.jar", loc, target)
	if err != nil {
		t.Fatalf("create job error: %v", err)
	}
	got, err := job.Call(context.Background())
	if err != nil || got != target {
		t.Fatalf("download failed: %v %v", got, err)
	}
	if readTransfer(t, target) != "artifact" {
		t.Fatalf("unexpected content")
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected one retry, saw %d calls", calls)
	}
}

func TestHTTPDownloadNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	loc := resource.MustLocation(resource.SimpleOptions("remote", srv.URL))
	target := newTarget(t, loc, "missing.jar")
	job, _ := NewHTTP(HTTPOptions{}).CreateDownloadJob(srv.URL+"/missing.jar", loc, target)
	got, err := job.Call(context.Background())
	if got != nil || err != nil {
		t.Fatalf("expected (nil, nil) for missing content, got %v %v", got, err)
	}
	if target.Exists() {
		t.Fatalf("nothing should be cached")
	}
}

func TestHTTPDownloadPermanentFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	loc := resource.MustLocation(resource.SimpleOptions("remote", srv.URL))
	job, _ := NewHTTP(HTTPOptions{MaxRetries: 3, InitialBackoff: time.Millisecond}).
		CreateDownloadJob(srv.URL+"/x.jar", loc, newTarget(t, loc, "x.jar"))
	_, err := job.Call(context.Background())
	if !galleyerrors.Is(galleyerrors.Transfer, err) {
		t.Fatalf("expected transfer error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("permanent failures must not be retried, saw %d calls", calls)
	}
}

func TestHTTPPublishAndExists(t *testing.T) {
	var stored bytes.Buffer
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			if r.Header.Get("Content-Type") != "application/java-archive" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = io.Copy(&stored, r.Body)
			w.WriteHeader(http.StatusCreated)
		case http.MethodHead:
			if r.URL.Path == "/x.jar" && stored.Len() > 0 {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	loc := resource.MustLocation(resource.SimpleOptions("remote", srv.URL))
	h := NewHTTP(HTTPOptions{})

	exists, _ := h.CreateExistenceJob(srv.URL+"/x.jar", loc)
	if ok, err := exists.Call(context.Background()); ok || err != nil {
		t.Fatalf("expected missing before publish, got %v %v", ok, err)
	}
	pub, _ := h.CreatePublishJob(srv.URL+"/x.jar", loc, bytes.NewReader([]byte("jar")), 3, "application/java-archive")
	if ok, err := pub.Call(context.Background()); !ok || err != nil {
		t.Fatalf("publish failed: %v %v", ok, err)
	}
	if stored.String() != "jar" {
		t.Fatalf("unexpected stored body: %q", stored.String())
	}
	if ok, err := exists.Call(context.Background()); !ok || err != nil {
		t.Fatalf("expected present after publish, got %v %v", ok, err)
	}
}

func TestFileTransport(t *testing.T) {
	remote := t.TempDir()
	if err := os.MkdirAll(filepath.Join(remote, "org"), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	if err := os.WriteFile(filepath.Join(remote, "org", "a.txt"), []byte("local"), 0o644); err != nil {
		t.Fatalf("write error: %v", err)
	}
	loc := resource.MustLocation(resource.SimpleOptions("mirror", "file://"+filepath.ToSlash(remote)))

	hit := newTarget(t, loc, "org/a.txt")
	url, _ := URL(hit.Resource())
	job, err := File{}.CreateDownloadJob(url, loc, hit)
	if err != nil {
		t.Fatalf("create job error: %v", err)
	}
	if got, err := job.Call(context.Background()); err != nil || got == nil {
		t.Fatalf("download failed: %v %v", got, err)
	}
	if readTransfer(t, hit) != "local" {
		t.Fatalf("unexpected content")
	}

	miss := newTarget(t, loc, "org/none.txt")
	url, _ = URL(miss.Resource())
	job, _ = File{}.CreateDownloadJob(url, loc, miss)
	if got, err := job.Call(context.Background()); got != nil || err != nil {
		t.Fatalf("expected miss, got %v %v", got, err)
	}

	pubURL, _ := URL(resource.NewConcrete(loc, "org/b.txt"))
	pub, _ := File{}.CreatePublishJob(pubURL, loc, bytes.NewReader([]byte("published")), 9, "")
	if ok, err := pub.Call(context.Background()); !ok || err != nil {
		t.Fatalf("publish failed: %v %v", ok, err)
	}
	data, _ := os.ReadFile(filepath.Join(remote, "org", "b.txt"))
	if string(data) != "published" {
		t.Fatalf("unexpected published content: %q", data)
	}
	ex, _ := File{}.CreateExistenceJob(pubURL, loc)
	if ok, _ := ex.Call(context.Background()); !ok {
		t.Fatalf("published file should exist")
	}
}
