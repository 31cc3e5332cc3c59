package transfer

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/any-hub/galley/internal/cache"
	galleyerrors "github.com/any-hub/galley/internal/errors"
	"github.com/any-hub/galley/internal/nfc"
	"github.com/any-hub/galley/internal/resource"
	"github.com/any-hub/galley/internal/transport"
)

// fakeRemote 是以 URL 为键的内存远端，记录每类任务的执行次数。
type fakeRemote struct {
	mu      sync.Mutex
	files   map[string]string
	failing map[string]bool
	delay   time.Duration

	downloads atomic.Int32
	publishes atomic.Int32
	exists    atomic.Int32
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{files: make(map[string]string), failing: make(map[string]bool)}
}

func (f *fakeRemote) put(url, content string) {
	f.mu.Lock()
	f.files[url] = content
	f.mu.Unlock()
}

func (f *fakeRemote) fail(url string) {
	f.mu.Lock()
	f.failing[url] = true
	f.mu.Unlock()
}

func (f *fakeRemote) lookup(url string) (string, bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[url]
	return content, ok, f.failing[url]
}

func (f *fakeRemote) wait(ctx context.Context) error {
	if f.delay <= 0 {
		return nil
	}
	select {
	case <-time.After(f.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeRemote) Name() string { return "fake" }

func (f *fakeRemote) Handles(loc *resource.Location) bool { return loc.Scheme() == "fake" }

func (f *fakeRemote) CreateDownloadJob(url string, _ *resource.Location, target *cache.Transfer) (transport.DownloadJob, error) {
	return &fakeDownload{remote: f, url: url, target: target}, nil
}

func (f *fakeRemote) CreatePublishJob(url string, _ *resource.Location, body io.Reader, _ int64, _ string) (transport.PublishJob, error) {
	return &fakePublish{remote: f, url: url, body: body}, nil
}

func (f *fakeRemote) CreateExistenceJob(url string, _ *resource.Location) (transport.ExistenceJob, error) {
	return &fakeExistence{remote: f, url: url}, nil
}

type fakeDownload struct {
	remote *fakeRemote
	url    string
	target *cache.Transfer
}

func (j *fakeDownload) Call(ctx context.Context) (*cache.Transfer, error) {
	j.remote.downloads.Add(1)
	if err := j.remote.wait(ctx); err != nil {
		return nil, err
	}
	content, ok, failing := j.remote.lookup(j.url)
	if failing {
		return nil, errors.New("remote exploded")
	}
	if !ok {
		return nil, nil
	}
	w, err := j.target.OpenOutputStream(ctx, cache.OpDownload, true)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, content); err != nil {
		_ = w.Abort()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return j.target, nil
}

type fakePublish struct {
	remote *fakeRemote
	url    string
	body   io.Reader
}

func (j *fakePublish) Call(ctx context.Context) (bool, error) {
	j.remote.publishes.Add(1)
	if err := j.remote.wait(ctx); err != nil {
		return false, err
	}
	data, err := io.ReadAll(j.body)
	if err != nil {
		return false, err
	}
	j.remote.put(j.url, string(data))
	return true, nil
}

type fakeExistence struct {
	remote *fakeRemote
	url    string
}

func (j *fakeExistence) Call(ctx context.Context) (bool, error) {
	j.remote.exists.Add(1)
	if err := j.remote.wait(ctx); err != nil {
		return false, err
	}
	_, ok, _ := j.remote.lookup(j.url)
	return ok, nil
}

type harness struct {
	m      *Manager
	remote *fakeRemote
	events *cache.EventRecorder
	nfc    *nfc.Expiring
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	events := &cache.EventRecorder{}
	provider, err := cache.NewFileProvider(cache.FileOptions{Root: t.TempDir(), Events: events})
	if err != nil {
		t.Fatalf("new provider error: %v", err)
	}
	t.Cleanup(func() { _ = provider.Close() })
	remote := newFakeRemote()
	missing := nfc.New(100, time.Minute)
	m, err := New(Options{
		Cache:      provider,
		Transports: transport.NewManager(remote),
		NFC:        missing,
		Events:     events,
		Workers:    4,
	})
	if err != nil {
		t.Fatalf("new manager error: %v", err)
	}
	// 先于 provider 关闭执行，等待超时调用方留下的任务写完。
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Drain(ctx)
	})
	return &harness{m: m, remote: remote, events: events, nfc: missing}
}

func fakeLocation(name string, mutate func(*resource.Options)) *resource.Location {
	opts := resource.SimpleOptions(name, "fake://"+name+"/repo")
	if mutate != nil {
		mutate(&opts)
	}
	return resource.MustLocation(opts)
}

func contentOf(t *testing.T, tr *cache.Transfer) string {
	t.Helper()
	rc, err := tr.OpenInputStream(context.Background(), false)
	if err != nil {
		t.Fatalf("open input error: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	return string(data)
}

const jarPath = "org/foo/1.0/foo-1.0.jar"

func TestConcurrentRetrieveStartsOneJob(t *testing.T) {
	h := newHarness(t)
	h.remote.delay = 100 * time.Millisecond
	loc := fakeLocation("central", nil)
	h.remote.put("fake://central/repo/"+jarPath, "jar-bytes")

	const callers = 16
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr, err := h.m.Retrieve(context.Background(), resource.NewConcrete(loc, jarPath))
			if err != nil {
				errs[i] = err
				return
			}
			if tr == nil {
				errs[i] = errors.New("nil transfer")
				return
			}
			rc, err := tr.OpenInputStream(context.Background(), false)
			if err != nil {
				errs[i] = err
				return
			}
			defer rc.Close()
			data, err := io.ReadAll(rc)
			results[i], errs[i] = string(data), err
		}()
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d error: %v", i, errs[i])
		}
		if results[i] != "jar-bytes" {
			t.Fatalf("caller %d got %q", i, results[i])
		}
	}
	if got := h.remote.downloads.Load(); got != 1 {
		t.Fatalf("expected exactly one download, got %d", got)
	}
	if got := h.m.JobsStarted(); got != 1 {
		t.Fatalf("expected one started job, got %d", got)
	}
}

func TestRetrieveServesCacheWithoutNetwork(t *testing.T) {
	h := newHarness(t)
	loc := fakeLocation("central", nil)
	h.remote.put("fake://central/repo/"+jarPath, "v1")
	r := resource.NewConcrete(loc, jarPath)

	if _, err := h.m.Retrieve(context.Background(), r); err != nil {
		t.Fatalf("first retrieve error: %v", err)
	}
	tr, err := h.m.Retrieve(context.Background(), r)
	if err != nil || tr == nil {
		t.Fatalf("second retrieve: %v %v", tr, err)
	}
	if got := h.remote.downloads.Load(); got != 1 {
		t.Fatalf("cached entry must not be downloaded again, got %d downloads", got)
	}
}

func TestExpiredCacheIsRefreshed(t *testing.T) {
	h := newHarness(t)
	loc := fakeLocation("central", func(o *resource.Options) { o.CacheTimeout = 10 * time.Millisecond })
	url := "fake://central/repo/" + jarPath
	h.remote.put(url, "v1")
	r := resource.NewConcrete(loc, jarPath)

	if _, err := h.m.Retrieve(context.Background(), r); err != nil {
		t.Fatalf("retrieve error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	h.remote.put(url, "v2")
	tr, err := h.m.Retrieve(context.Background(), r)
	if err != nil || tr == nil {
		t.Fatalf("refresh retrieve: %v %v", tr, err)
	}
	if got := contentOf(t, tr); got != "v2" {
		t.Fatalf("expected refreshed content, got %q", got)
	}
	if got := h.remote.downloads.Load(); got != 2 {
		t.Fatalf("expected two downloads, got %d", got)
	}
}

func TestRetrieveMissIsRememberedByNFC(t *testing.T) {
	h := newHarness(t)
	loc := fakeLocation("central", nil)
	r := resource.NewConcrete(loc, jarPath)

	for i := 0; i < 3; i++ {
		tr, err := h.m.Retrieve(context.Background(), r)
		if err != nil || tr != nil {
			t.Fatalf("expected clean miss, got %v %v", tr, err)
		}
	}
	if got := h.remote.downloads.Load(); got != 1 {
		t.Fatalf("nfc should suppress repeated lookups, got %d downloads", got)
	}
	if !h.nfc.HasEntry("fake://central/repo/" + jarPath) {
		t.Fatalf("missing url should be recorded")
	}
}

func TestRetrieveWithoutDownloadPermission(t *testing.T) {
	h := newHarness(t)
	loc := fakeLocation("local", func(o *resource.Options) { o.AllowsDownloading = false })
	h.remote.put("fake://local/repo/"+jarPath, "remote")

	tr, err := h.m.Retrieve(context.Background(), resource.NewConcrete(loc, jarPath))
	if err != nil || tr != nil {
		t.Fatalf("expected miss without network, got %v %v", tr, err)
	}
	if h.remote.downloads.Load() != 0 {
		t.Fatalf("download must not run for a non-downloading location")
	}
}

func TestCallerTimeoutDoesNotCancelSharedJob(t *testing.T) {
	h := newHarness(t)
	h.remote.delay = 600 * time.Millisecond
	loc := fakeLocation("slow", func(o *resource.Options) { o.Timeout = 5 * time.Second })
	h.remote.put("fake://slow/repo/"+jarPath, "slow-bytes")
	r := resource.NewConcrete(loc, jarPath)

	patient := make(chan error, 1)
	go func() {
		tr, err := h.m.Retrieve(context.Background(), r)
		if err == nil && tr == nil {
			err = errors.New("nil transfer")
		}
		patient <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := h.m.Retrieve(ctx, r)
	if !galleyerrors.Is(galleyerrors.Timeout, err) {
		t.Fatalf("impatient caller expected timeout, got %v", err)
	}
	if waited := time.Since(start); waited > 500*time.Millisecond {
		t.Fatalf("impatient caller waited too long: %s", waited)
	}

	select {
	case err := <-patient:
		if err != nil {
			t.Fatalf("patient caller error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("patient caller never finished")
	}
	if got := h.remote.downloads.Load(); got != 1 {
		t.Fatalf("expected a single shared job, got %d", got)
	}
}

func TestLocationTimeoutBoundsWait(t *testing.T) {
	h := newHarness(t)
	h.remote.delay = time.Second
	loc := fakeLocation("slow", func(o *resource.Options) { o.Timeout = 100 * time.Millisecond })
	h.remote.put("fake://slow/repo/"+jarPath, "slow-bytes")

	_, err := h.m.Retrieve(context.Background(), resource.NewConcrete(loc, jarPath))
	if !galleyerrors.Is(galleyerrors.Timeout, err) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestLocationTimeoutDoesNotCancelSharedJob(t *testing.T) {
	h := newHarness(t)
	h.remote.delay = 700 * time.Millisecond
	loc := fakeLocation("slow", func(o *resource.Options) { o.Timeout = 300 * time.Millisecond })
	h.remote.put("fake://slow/repo/"+jarPath, "late-bytes")
	r := resource.NewConcrete(loc, jarPath)

	if _, err := h.m.Retrieve(context.Background(), r); !galleyerrors.Is(galleyerrors.Timeout, err) {
		t.Fatalf("expected timeout, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.m.Drain(ctx); err != nil {
		t.Fatalf("drain error: %v", err)
	}
	cached := h.m.CacheReference(r)
	if !cached.Exists() {
		t.Fatalf("job should finish and fill the cache after the waiter gave up")
	}
	if got := contentOf(t, cached); got != "late-bytes" {
		t.Fatalf("unexpected content %q", got)
	}
}

func TestPatientJoinerOutlivesImpatientLocation(t *testing.T) {
	h := newHarness(t)
	h.remote.delay = 700 * time.Millisecond
	impatient := resource.MustLocation(func() resource.Options {
		o := resource.SimpleOptions("impatient", "fake://shared/repo")
		o.Timeout = 300 * time.Millisecond
		return o
	}())
	patient := resource.MustLocation(func() resource.Options {
		o := resource.SimpleOptions("patient", "fake://shared/repo")
		o.Timeout = 5 * time.Second
		return o
	}())
	h.remote.put("fake://shared/repo/"+jarPath, "shared-bytes")

	first := make(chan error, 1)
	go func() {
		_, err := h.m.Retrieve(context.Background(), resource.NewConcrete(impatient, jarPath))
		first <- err
	}()
	time.Sleep(50 * time.Millisecond)

	tr, err := h.m.Retrieve(context.Background(), resource.NewConcrete(patient, jarPath))
	if err != nil || tr == nil {
		t.Fatalf("patient joiner: %v %v", tr, err)
	}
	if got := contentOf(t, tr); got != "shared-bytes" {
		t.Fatalf("unexpected content %q", got)
	}
	if err := <-first; !galleyerrors.Is(galleyerrors.Timeout, err) {
		t.Fatalf("impatient caller expected timeout, got %v", err)
	}
	if got := h.remote.downloads.Load(); got != 1 {
		t.Fatalf("expected a single shared job, got %d", got)
	}
}

func TestRetrieveFirstAliasesIntoPrimary(t *testing.T) {
	h := newHarness(t)
	primary := fakeLocation("primary", nil)
	secondary := fakeLocation("secondary", nil)
	h.remote.put("fake://secondary/repo/"+jarPath, "from-secondary")
	v := resource.NewVirtual([]*resource.Location{primary, secondary}, jarPath)

	tr, err := h.m.RetrieveFirst(context.Background(), v)
	if err != nil || tr == nil {
		t.Fatalf("retrieve first: %v %v", tr, err)
	}
	if !tr.Location().Equal(secondary) {
		t.Fatalf("expected hit from secondary, got %s", tr)
	}
	aliased := h.m.CacheReference(resource.NewConcrete(primary, jarPath))
	if !aliased.Exists() {
		t.Fatalf("primary location should hold an alias")
	}
	if got := contentOf(t, aliased); got != "from-secondary" {
		t.Fatalf("alias content %q", got)
	}
}

func TestRetrieveFirstSkipsFailuresAndAggregates(t *testing.T) {
	h := newHarness(t)
	a := fakeLocation("a", nil)
	b := fakeLocation("b", nil)
	c := fakeLocation("c", nil)
	h.remote.fail("fake://a/repo/" + jarPath)
	h.remote.put("fake://b/repo/"+jarPath, "from-b")

	tr, err := h.m.RetrieveFirst(context.Background(), resource.NewVirtual([]*resource.Location{a, b}, jarPath))
	if err != nil || tr == nil || !tr.Location().Equal(b) {
		t.Fatalf("failure on first location should fall through, got %v %v", tr, err)
	}

	h.remote.fail("fake://c/repo/" + jarPath)
	other := "org/bar/1.0/bar-1.0.jar"
	h.remote.fail("fake://a/repo/" + other)
	h.remote.fail("fake://c/repo/" + other)
	tr, err = h.m.RetrieveFirst(context.Background(), resource.NewVirtual([]*resource.Location{a, c}, other))
	if tr != nil {
		t.Fatalf("expected no transfer, got %s", tr)
	}
	if !galleyerrors.Is(galleyerrors.Transfer, err) {
		t.Fatalf("expected aggregated transfer error, got %v", err)
	}
	if !strings.Contains(err.Error(), "remote exploded") {
		t.Fatalf("aggregated error should carry causes: %v", err)
	}
	if h.events.Count(cache.EventNotFound) != 1 {
		t.Fatalf("expected one not-found event, got %d", h.events.Count(cache.EventNotFound))
	}
}

func TestRetrieveFirstCleanMiss(t *testing.T) {
	h := newHarness(t)
	v := resource.NewVirtual([]*resource.Location{fakeLocation("a", nil), fakeLocation("b", nil)}, jarPath)
	tr, err := h.m.RetrieveFirst(context.Background(), v)
	if err != nil || tr != nil {
		t.Fatalf("expected clean miss, got %v %v", tr, err)
	}
	if h.events.Count(cache.EventNotFound) != 1 {
		t.Fatalf("expected not-found event")
	}
}

func TestRetrieveAllKeepsLocationOrder(t *testing.T) {
	h := newHarness(t)
	a := fakeLocation("a", nil)
	b := fakeLocation("b", nil)
	c := fakeLocation("c", nil)
	h.remote.put("fake://a/repo/maven-metadata.xml", "a")
	h.remote.put("fake://c/repo/maven-metadata.xml", "c")
	h.remote.fail("fake://b/repo/maven-metadata.xml")

	got, err := h.m.RetrieveAll(context.Background(), resource.NewVirtual([]*resource.Location{a, b, c}, "maven-metadata.xml"))
	if err == nil {
		t.Fatalf("failure on b should be reported")
	}
	if len(got) != 2 || !got[0].Location().Equal(a) || !got[1].Location().Equal(c) {
		t.Fatalf("unexpected results: %v", got)
	}
}

func TestStoreSelectsEligibleLocation(t *testing.T) {
	h := newHarness(t)
	readOnly := fakeLocation("remote", func(o *resource.Options) { o.AllowsStoring = false })
	snapshots := fakeLocation("snapshots", func(o *resource.Options) {
		o.AllowsSnapshots = true
		o.AllowsReleases = false
	})
	releases := fakeLocation("releases", nil)
	locs := []*resource.Location{readOnly, snapshots, releases}

	tr, err := h.m.Store(context.Background(), resource.NewVirtual(locs, jarPath), strings.NewReader("release"))
	if err != nil {
		t.Fatalf("store release error: %v", err)
	}
	if !tr.Location().Equal(releases) {
		t.Fatalf("release should land in releases, got %s", tr)
	}

	snap := "org/foo/1.0-SNAPSHOT/foo-1.0-SNAPSHOT.jar"
	tr, err = h.m.Store(context.Background(), resource.NewVirtual(locs, snap), strings.NewReader("snapshot"))
	if err != nil {
		t.Fatalf("store snapshot error: %v", err)
	}
	if !tr.Location().Equal(snapshots) {
		t.Fatalf("snapshot should land in snapshots, got %s", tr)
	}

	tr, err = h.m.Store(context.Background(), resource.NewVirtual(locs, "index.html"), strings.NewReader("page"))
	if err != nil || !tr.Location().Equal(snapshots) {
		t.Fatalf("non-artifact should land in first storing location, got %v %v", tr, err)
	}
}

func TestStoreRejectsIneligibleTargets(t *testing.T) {
	h := newHarness(t)
	readOnly := fakeLocation("remote", func(o *resource.Options) { o.AllowsStoring = false })

	_, err := h.m.Store(context.Background(), resource.NewConcrete(readOnly, jarPath), strings.NewReader("x"))
	if !galleyerrors.Is(galleyerrors.NotAllowed, err) {
		t.Fatalf("expected not allowed, got %v", err)
	}
	_, err = h.m.Store(context.Background(), resource.NewVirtual([]*resource.Location{readOnly}, jarPath), strings.NewReader("x"))
	if !galleyerrors.Is(galleyerrors.NoEligibleLocation, err) {
		t.Fatalf("expected no eligible location, got %v", err)
	}
}

func TestStoreClearsNFC(t *testing.T) {
	h := newHarness(t)
	loc := fakeLocation("central", nil)
	r := resource.NewConcrete(loc, jarPath)
	if tr, _ := h.m.Retrieve(context.Background(), r); tr != nil {
		t.Fatalf("expected miss")
	}
	if _, err := h.m.Store(context.Background(), r, strings.NewReader("stored")); err != nil {
		t.Fatalf("store error: %v", err)
	}
	if h.nfc.HasEntry("fake://central/repo/" + jarPath) {
		t.Fatalf("store must clear the nfc entry")
	}
	tr, err := h.m.Retrieve(context.Background(), r)
	if err != nil || tr == nil || contentOf(t, tr) != "stored" {
		t.Fatalf("stored content should be served from cache: %v %v", tr, err)
	}
}

func TestConcurrentPublishSharesUpload(t *testing.T) {
	h := newHarness(t)
	h.remote.delay = 100 * time.Millisecond
	loc := fakeLocation("deploy", nil)
	r := resource.NewConcrete(loc, jarPath)

	var wg sync.WaitGroup
	var accepted atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := h.m.Publish(context.Background(), r, strings.NewReader("artifact"), 8, "application/java-archive")
			if err != nil {
				t.Errorf("publish error: %v", err)
				return
			}
			if ok {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	if accepted.Load() != 4 {
		t.Fatalf("all joined callers should see success, got %d", accepted.Load())
	}
	if got := h.remote.publishes.Load(); got != 1 {
		t.Fatalf("expected one upload, got %d", got)
	}
	if content, ok, _ := h.remote.lookup("fake://deploy/repo/" + jarPath); !ok || content != "artifact" {
		t.Fatalf("remote content %q %v", content, ok)
	}

	readOnly := fakeLocation("mirror", func(o *resource.Options) { o.AllowsPublishing = false })
	if _, err := h.m.Publish(context.Background(), resource.NewConcrete(readOnly, jarPath), strings.NewReader("x"), 1, ""); !galleyerrors.Is(galleyerrors.NotAllowed, err) {
		t.Fatalf("expected not allowed, got %v", err)
	}
}

func TestExistsChecksCacheThenRemote(t *testing.T) {
	h := newHarness(t)
	a := fakeLocation("a", nil)
	b := fakeLocation("b", nil)
	h.remote.put("fake://b/repo/"+jarPath, "x")

	ok, err := h.m.Exists(context.Background(), resource.NewVirtual([]*resource.Location{a, b}, jarPath))
	if err != nil || !ok {
		t.Fatalf("expected remote hit on b, got %v %v", ok, err)
	}
	if !h.nfc.HasEntry("fake://a/repo/" + jarPath) {
		t.Fatalf("existence miss on a should be recorded")
	}
	calls := h.remote.exists.Load()

	if _, err := h.m.Store(context.Background(), resource.NewConcrete(a, "local.txt"), strings.NewReader("l")); err != nil {
		t.Fatalf("store error: %v", err)
	}
	ok, err = h.m.Exists(context.Background(), resource.NewConcrete(a, "local.txt"))
	if err != nil || !ok {
		t.Fatalf("cached entry should exist: %v %v", ok, err)
	}
	if h.remote.exists.Load() != calls {
		t.Fatalf("cache hit must not query the remote")
	}
}

func TestListMergesLocations(t *testing.T) {
	h := newHarness(t)
	a := fakeLocation("a", nil)
	b := fakeLocation("b", nil)
	ctx := context.Background()
	for _, s := range []struct {
		loc  *resource.Location
		path string
	}{{a, "org/foo/1.0/x.jar"}, {b, "org/foo/1.0/x.jar"}, {b, "org/foo/2.0/y.jar"}} {
		if _, err := h.m.Store(ctx, resource.NewConcrete(s.loc, s.path), strings.NewReader("z")); err != nil {
			t.Fatalf("store error: %v", err)
		}
	}
	names, err := h.m.List(ctx, resource.NewVirtual([]*resource.Location{a, b}, "org/foo"))
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if strings.Join(names, ",") != "1.0/,2.0/" {
		t.Fatalf("unexpected listing: %v", names)
	}
}

func TestDeleteHonorsPermission(t *testing.T) {
	h := newHarness(t)
	keep := fakeLocation("keep", func(o *resource.Options) { o.AllowsDeletion = false })
	drop := fakeLocation("drop", nil)
	ctx := context.Background()
	for _, loc := range []*resource.Location{keep, drop} {
		if _, err := h.m.Store(ctx, resource.NewConcrete(loc, jarPath), strings.NewReader("z")); err != nil {
			t.Fatalf("store error: %v", err)
		}
	}

	if _, err := h.m.Delete(ctx, resource.NewConcrete(keep, jarPath)); !galleyerrors.Is(galleyerrors.NotAllowed, err) {
		t.Fatalf("expected not allowed, got %v", err)
	}
	deleted, err := h.m.DeleteAll(ctx, resource.NewVirtual([]*resource.Location{keep, drop}, jarPath))
	if err != nil || !deleted {
		t.Fatalf("delete all: %v %v", deleted, err)
	}
	if !h.m.CacheReference(resource.NewConcrete(keep, jarPath)).Exists() {
		t.Fatalf("protected location must keep its copy")
	}
	if h.m.CacheReference(resource.NewConcrete(drop, jarPath)).Exists() {
		t.Fatalf("deletable copy should be gone")
	}
	deleted, err = h.m.Delete(ctx, resource.NewConcrete(drop, jarPath))
	if err != nil || deleted {
		t.Fatalf("second delete should report nothing deleted: %v %v", deleted, err)
	}
}
