package pathmapped

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/any-hub/galley/internal/cache"
	"github.com/any-hub/galley/internal/pathdb"
	"github.com/any-hub/galley/internal/resource"
)

func newProvider(t *testing.T) (*Provider, *pathdb.Memory) {
	t.Helper()
	db := pathdb.NewMemory()
	p, err := New(Options{Root: t.TempDir(), DB: db})
	if err != nil {
		t.Fatalf("new provider error: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p, db
}

func res(name, path string) resource.ConcreteResource {
	loc := resource.MustLocation(resource.SimpleOptions(name, "https://"+name+".example.com/repo"))
	return resource.NewConcrete(loc, path)
}

func write(t *testing.T, p cache.Provider, r resource.ConcreteResource, body string) {
	t.Helper()
	w, err := p.OpenOutputStream(context.Background(), r)
	if err != nil {
		t.Fatalf("open output error: %v", err)
	}
	_, _ = io.Copy(w, strings.NewReader(body))
	if err := w.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}
}

func read(t *testing.T, p cache.Provider, r resource.ConcreteResource) string {
	t.Helper()
	rc, err := p.OpenInputStream(context.Background(), r)
	if err != nil {
		t.Fatalf("open input error: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	return string(data)
}

func TestIdenticalContentStoredOnce(t *testing.T) {
	p, db := newProvider(t)
	a := res("a", "org/x/1/x-1.jar")
	b := res("b", "mirror/x-1.jar")
	write(t, p, a, "same-bytes")
	write(t, p, b, "same-bytes")

	if p.FilePath(a) != p.FilePath(b) {
		t.Fatalf("identical content should share a file")
	}
	id, _ := db.StorageFile(context.Background(), a.Location().Key(), a.Path())
	if n, _ := db.References(context.Background(), id); n != 2 {
		t.Fatalf("expected two references, got %d", n)
	}
	if read(t, p, b) != "same-bytes" || p.Length(a) != int64(len("same-bytes")) {
		t.Fatalf("unexpected content or length")
	}
	names, _ := p.List(res("a", "org/x"))
	if len(names) != 1 || names[0] != "1/" {
		t.Fatalf("unexpected listing: %v", names)
	}
}

func TestDeleteDefersPhysicalRemoval(t *testing.T) {
	p, _ := newProvider(t)
	a := res("a", "x.jar")
	b := res("b", "x.jar")
	write(t, p, a, "payload")
	if err := p.CreateAlias(context.Background(), a, b); err != nil {
		t.Fatalf("alias error: %v", err)
	}
	content := p.FilePath(a)

	if ok, err := p.Delete(context.Background(), a); !ok || err != nil {
		t.Fatalf("delete failed: %v %v", ok, err)
	}
	if ok, _ := p.Delete(context.Background(), a); ok {
		t.Fatalf("second delete should report false")
	}
	if n, _ := p.Reclaim(context.Background()); n != 0 {
		t.Fatalf("content still referenced by b, reclaimed %d", n)
	}
	if read(t, p, b) != "payload" {
		t.Fatalf("alias must survive deletion of the original")
	}

	_, _ = p.Delete(context.Background(), b)
	if _, err := os.Stat(content); err != nil {
		t.Fatalf("content must remain until reclaimed: %v", err)
	}
	if n, err := p.Reclaim(context.Background()); n != 1 || err != nil {
		t.Fatalf("expected one reclaimed file, got %d %v", n, err)
	}
	if _, err := os.Stat(content); !os.IsNotExist(err) {
		t.Fatalf("content should be removed after reclaim")
	}
}

func TestAbortLeavesNoMapping(t *testing.T) {
	p, _ := newProvider(t)
	r := res("a", "x.jar")
	w, err := p.OpenOutputStream(context.Background(), r)
	if err != nil {
		t.Fatalf("open output error: %v", err)
	}
	_, _ = w.Write([]byte("half"))
	if err := w.Abort(); err != nil {
		t.Fatalf("abort error: %v", err)
	}
	if p.Exists(r) {
		t.Fatalf("aborted write must not create a mapping")
	}
	if _, err := p.OpenInputStream(context.Background(), r); !cache.IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if p.IsWriteLocked(r) {
		t.Fatalf("abort must release the write lock")
	}
}

func TestMappingsSurviveRestart(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "pathdb.json")
	open := func() *Provider {
		db, err := pathdb.OpenMemory(file)
		if err != nil {
			t.Fatalf("open path db error: %v", err)
		}
		p, err := New(Options{Root: root, DB: db})
		if err != nil {
			t.Fatalf("new provider error: %v", err)
		}
		return p
	}

	first := open()
	kept := res("a", "org/x/1/x-1.jar")
	dropped := res("a", "org/y/1/y-1.jar")
	write(t, first, kept, "kept-bytes")
	write(t, first, dropped, "dropped-bytes")
	orphan := first.FilePath(dropped)
	if _, err := first.Delete(context.Background(), dropped); err != nil {
		t.Fatalf("delete error: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	second := open()
	t.Cleanup(func() { _ = second.Close() })
	if got := read(t, second, kept); got != "kept-bytes" {
		t.Fatalf("mapping lost after restart, got %q", got)
	}
	if second.Exists(dropped) {
		t.Fatalf("deleted path must stay deleted")
	}
	// 重启前已失去引用的内容仍在回收表中，不会泄漏。
	if n, err := second.Reclaim(context.Background()); n != 1 || err != nil {
		t.Fatalf("expected one reclaimed file, got %d %v", n, err)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatalf("orphaned content should be reclaimed after restart")
	}
}
