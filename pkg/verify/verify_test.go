package verify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jacktea/hdfsfake/pkg/checksum"
	"github.com/jacktea/hdfsfake/pkg/fs"
	"github.com/jacktea/hdfsfake/pkg/hdfs"
	"github.com/jacktea/hdfsfake/pkg/localfs"
	"github.com/jacktea/hdfsfake/pkg/xerrors"
)

// countingDriver counts how often file contents are read.
type countingDriver struct {
	fs.Driver
	opens atomic.Int32
}

func (c *countingDriver) OpenInputStream(ctx context.Context, p string) (io.ReadCloser, error) {
	c.opens.Add(1)
	return c.Driver.OpenInputStream(ctx, p)
}

func newNamespace(t *testing.T, root string) *countingDriver {
	t.Helper()
	fsys, err := hdfs.New(localfs.New(localfs.Config{}), root, hdfs.Options{})
	if err != nil {
		t.Fatalf("hdfs.New: %v", err)
	}
	return &countingDriver{Driver: fsys}
}

func put(t *testing.T, d fs.Driver, p string, data []byte) {
	t.Helper()
	w, err := d.OpenOutputStream(context.Background(), p)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	w.Write(data)
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestChecksumCachesUntilFileChanges(t *testing.T) {
	ctx := context.Background()
	d := newNamespace(t, t.TempDir())
	put(t, d, "/a.bin", []byte("hello world"))

	v := New(d, Options{CacheEntries: 8})
	defer v.Close()

	first, err := v.Checksum(ctx, "/a.bin")
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	if first != "000002000000000000000000288773daccaad45044462c35f836c9b6" {
		t.Fatalf("digest = %s", first)
	}
	if _, err := v.Checksum(ctx, "/a.bin"); err != nil {
		t.Fatalf("checksum again: %v", err)
	}
	if n := d.opens.Load(); n != 1 {
		t.Fatalf("file read %d times, want 1", n)
	}
	if v.Stats().Hits != 1 {
		t.Fatalf("cache hits = %d", v.Stats().Hits)
	}

	put(t, d, "/a.bin", []byte("hello world, again"))
	second, err := v.Checksum(ctx, "/a.bin")
	if err != nil {
		t.Fatalf("checksum after change: %v", err)
	}
	want, _ := checksum.Compute(bytes.NewReader([]byte("hello world, again")))
	if second != want {
		t.Fatalf("stale digest %s, want %s", second, want)
	}
	if n := d.opens.Load(); n != 2 {
		t.Fatalf("file read %d times, want 2", n)
	}
}

func TestChecksumCachesOnMemoryDriver(t *testing.T) {
	ctx := context.Background()
	mem := localfs.NewMemory()
	if err := mem.CreateDir(ctx, "/ns", fs.MkdirOptions{}); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	fsys, err := hdfs.New(mem, "/ns", hdfs.Options{})
	if err != nil {
		t.Fatalf("hdfs.New: %v", err)
	}
	d := &countingDriver{Driver: fsys}
	put(t, d, "/m.bin", []byte("hello world"))

	v := New(d, Options{CacheEntries: 8})
	defer v.Close()
	for i := 0; i < 3; i++ {
		if _, err := v.Checksum(ctx, "/m.bin"); err != nil {
			t.Fatalf("checksum %d: %v", i, err)
		}
	}
	if n := d.opens.Load(); n != 1 {
		t.Fatalf("file read %d times, want 1", n)
	}
	if v.Stats().Hits != 2 {
		t.Fatalf("cache hits = %d, want 2", v.Stats().Hits)
	}

	time.Sleep(time.Millisecond)
	put(t, d, "/m.bin", []byte("hello world"))
	if _, err := v.Checksum(ctx, "/m.bin"); err != nil {
		t.Fatalf("checksum after rewrite: %v", err)
	}
	if n := d.opens.Load(); n != 2 {
		t.Fatalf("rewrite with same size should invalidate, reads = %d", n)
	}
}

func TestChecksumErrors(t *testing.T) {
	ctx := context.Background()
	d := newNamespace(t, t.TempDir())
	put(t, d, "/dir/a", []byte("a"))
	v := New(d, Options{})
	defer v.Close()

	if _, err := v.Checksum(ctx, "/missing"); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("missing: %v", err)
	}
	if _, err := v.Checksum(ctx, "/dir"); xerrors.KindOf(err) != xerrors.KindIsDirectory {
		t.Fatalf("directory: %v", err)
	}
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	d := newNamespace(t, t.TempDir())
	put(t, d, "/f", []byte("payload"))
	v := New(d, Options{})
	defer v.Close()

	want, _ := checksum.Compute(bytes.NewReader([]byte("payload")))
	if err := v.Verify(ctx, "/f", want); err != nil {
		t.Fatalf("verify: %v", err)
	}
	err := v.Verify(ctx, "/f", checksum.Prefix+"00000000000000000000000000000000")
	if !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
}

func TestTree(t *testing.T) {
	ctx := context.Background()
	d := newNamespace(t, t.TempDir())
	put(t, d, "/dir/b.txt", []byte("b"))
	put(t, d, "/dir/a.txt", []byte("a"))
	put(t, d, "/dir/sub/c.txt", []byte("c"))

	v := New(d, Options{})
	defer v.Close()
	results, err := v.Tree(ctx, "/dir")
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	wantPaths := []string{"/dir/a.txt", "/dir/b.txt", "/dir/sub/c.txt"}
	if len(results) != len(wantPaths) {
		t.Fatalf("results = %+v", results)
	}
	for i, r := range results {
		if r.Path != wantPaths[i] || r.Size != 1 {
			t.Fatalf("result %d = %+v", i, r)
		}
		want, _ := checksum.Compute(bytes.NewReader([]byte(filepath.Base(r.Path)[:1])))
		if r.Digest != want {
			t.Fatalf("digest for %s = %s, want %s", r.Path, r.Digest, want)
		}
	}
}

func TestBoltStorePersistsAcrossVerifiers(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "checksums.db")

	d := newNamespace(t, root)
	put(t, d, "/data/x", bytes.Repeat([]byte{7}, 4096))

	store, err := NewBoltStore(BoltConfig{Path: dbPath, NoSync: true})
	if err != nil {
		t.Fatalf("bolt: %v", err)
	}
	v := New(d, Options{Store: store})
	first, err := v.Checksum(ctx, "/data/x")
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	if n, _ := store.Len(); n != 1 {
		t.Fatalf("stored records = %d", n)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err = NewBoltStore(BoltConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("reopen bolt: %v", err)
	}
	d2 := newNamespace(t, root)
	v2 := New(d2, Options{Store: store})
	defer v2.Close()
	second, err := v2.Checksum(ctx, "/data/x")
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	if second != first {
		t.Fatalf("persisted digest %s, want %s", second, first)
	}
	if n := d2.opens.Load(); n != 0 {
		t.Fatalf("persisted digest should avoid reading the file, read %d times", n)
	}

	if err := v2.Forget(ctx, "/data"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "/data/x"); ok {
		t.Fatalf("record should be forgotten")
	}
}

func TestStoresDeleteTree(t *testing.T) {
	ctx := context.Background()
	bolt, err := NewBoltStore(BoltConfig{Path: filepath.Join(t.TempDir(), "c.db"), NoSync: true})
	if err != nil {
		t.Fatalf("bolt: %v", err)
	}
	defer bolt.Close()

	for name, store := range map[string]Store{"memory": NewMemoryStore(), "bolt": bolt} {
		for _, p := range []string{"/a", "/a/b", "/a/c/d", "/ab", "/z"} {
			if err := store.Put(ctx, Record{Path: p, Digest: "d"}); err != nil {
				t.Fatalf("%s put: %v", name, err)
			}
		}
		if err := store.DeleteTree(ctx, "/a"); err != nil {
			t.Fatalf("%s delete tree: %v", name, err)
		}
		for _, p := range []string{"/a", "/a/b", "/a/c/d"} {
			if _, ok, _ := store.Get(ctx, p); ok {
				t.Fatalf("%s: %s should be gone", name, p)
			}
		}
		for _, p := range []string{"/ab", "/z"} {
			if _, ok, _ := store.Get(ctx, p); !ok {
				t.Fatalf("%s: %s should remain", name, p)
			}
		}
		if err := store.Delete(ctx, "/z"); err != nil {
			t.Fatalf("%s delete: %v", name, err)
		}
	}
}
