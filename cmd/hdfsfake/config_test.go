package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jacktea/hdfsfake/pkg/verify"
	"github.com/jacktea/hdfsfake/pkg/xerrors"
)

const helloDigest = "000002000000000000000000288773daccaad45044462c35f836c9b6"

func openTestApp(t *testing.T, cfg backendConfig) *app {
	t.Helper()
	a := &app{}
	if err := a.open(context.Background(), cfg); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(a.close)
	return a
}

func TestParseLevel(t *testing.T) {
	testcases := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "", want: slog.LevelInfo},
		{in: "debug", want: slog.LevelDebug},
		{in: "WARN", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "loud", wantErr: true},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			got, err := parseLevel(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.in)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("parseLevel(%q) = %v, %v", tc.in, got, err)
			}
		})
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	a := &app{}
	err := a.open(context.Background(), backendConfig{Driver: "tape", Root: t.TempDir()})
	if err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestOpenCreatesRootAndCacheDB(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "data", "ns")
	db := filepath.Join(dir, "checksums.db")
	a := openTestApp(t, backendConfig{Driver: "local", Root: root, CacheDB: db})
	if a.ns.Root() != root {
		t.Fatalf("root = %s, want %s", a.ns.Root(), root)
	}
	if st, err := os.Stat(root); err != nil || !st.IsDir() {
		t.Fatalf("root not created: %v", err)
	}
	if _, err := os.Stat(db); err != nil {
		t.Fatalf("cache db not created: %v", err)
	}
}

func TestNamespaceCommands(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	a := openTestApp(t, backendConfig{Driver: "local", Root: root})

	if err := doPut(ctx, a.ns, a.verifier, "/logs/app.log", strings.NewReader("hello "), false); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := doPut(ctx, a.ns, a.verifier, "/logs/app.log", strings.NewReader("x"), false); xerrors.KindOf(err) != xerrors.KindAlreadyExists {
		t.Fatalf("put without force: %v", err)
	}
	if err := doAppend(ctx, a.ns, a.verifier, "/logs/app.log", strings.NewReader("world")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if data, err := os.ReadFile(filepath.Join(root, "logs", "app.log")); err != nil || string(data) != "hello world" {
		t.Fatalf("physical file = %q, %v", data, err)
	}

	var out bytes.Buffer
	if err := doCat(ctx, a.ns, "/logs/app.log", &out); err != nil || out.String() != "hello world" {
		t.Fatalf("cat = %q, %v", out.String(), err)
	}

	out.Reset()
	if err := doChecksum(ctx, a.verifier, "/logs/app.log", false, "", &out); err != nil {
		t.Fatalf("checksum: %v", err)
	}
	if !strings.Contains(out.String(), helloDigest) {
		t.Fatalf("checksum output %q", out.String())
	}
	if err := doChecksum(ctx, a.verifier, "/logs/app.log", false, helloDigest, &out); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := doChecksum(ctx, a.verifier, "/logs/app.log", false, strings.Repeat("0", 56), &out); !errors.Is(err, verify.ErrMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}

	if err := doMove(ctx, a.ns, a.verifier, "/logs/app.log", "/logs/old.log"); err != nil {
		t.Fatalf("mv: %v", err)
	}
	out.Reset()
	if err := doList(ctx, a.ns, "/", true, &out); err != nil {
		t.Fatalf("ls: %v", err)
	}
	if want := "/logs/\n/logs/old.log\t11\n"; out.String() != want {
		t.Fatalf("ls -r = %q, want %q", out.String(), want)
	}

	out.Reset()
	if err := doChecksum(ctx, a.verifier, "/", true, "", &out); err != nil {
		t.Fatalf("checksum -r: %v", err)
	}
	if !strings.HasPrefix(out.String(), "/logs/old.log\t") || !strings.Contains(out.String(), helloDigest) {
		t.Fatalf("checksum -r output %q", out.String())
	}

	out.Reset()
	if err := doStat(ctx, a.ns, "/logs", &out); err != nil || !strings.HasPrefix(out.String(), "/logs\tDirectory\t") {
		t.Fatalf("stat = %q, %v", out.String(), err)
	}
	if err := doStat(ctx, a.ns, "/nope", &out); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("stat missing: %v", err)
	}

	if err := doRemove(ctx, a.ns, a.verifier, "/logs", false); xerrors.KindOf(err) != xerrors.KindIsDirectory {
		t.Fatalf("rm dir without -r: %v", err)
	}
	if err := doRemove(ctx, a.ns, a.verifier, "/logs", true); err != nil {
		t.Fatalf("rm -r: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "logs")); !os.IsNotExist(err) {
		t.Fatalf("directory still present: %v", err)
	}
}

func TestNamespaceCommandsMemoryDriver(t *testing.T) {
	ctx := context.Background()
	a := openTestApp(t, backendConfig{Driver: "memory", Root: "/srv/ns"})
	if err := doPut(ctx, a.ns, a.verifier, "/a/b.txt", strings.NewReader("hello world"), false); err != nil {
		t.Fatalf("put: %v", err)
	}
	var out bytes.Buffer
	if err := doChecksum(ctx, a.verifier, "/a/b.txt", false, helloDigest, &out); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := os.Stat("/srv/ns/a/b.txt"); err == nil {
		t.Fatalf("memory driver must not touch the host filesystem")
	}
}
