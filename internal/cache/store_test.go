package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestStorePutOverwritesAndKeepsModTime(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	locator := KeyForPath("static-v1", "/static/js/main.js")

	if _, err := store.Put(ctx, locator, strings.NewReader("old build"), PutOptions{}); err != nil {
		t.Fatalf("first put: %v", err)
	}
	modTime := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	entry, err := store.Put(ctx, locator, strings.NewReader("new"), PutOptions{ModTime: modTime})
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if entry.SizeBytes != 3 {
		t.Fatalf("expected size of the replacement body, got %d", entry.SizeBytes)
	}

	result, err := store.Get(ctx, locator)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer result.Reader.Close()
	body, _ := io.ReadAll(result.Reader)
	if string(body) != "new" {
		t.Fatalf("expected overwritten body, got %q", body)
	}
	if !result.Entry.ModTime.Equal(modTime) {
		t.Fatalf("modtime mismatch: %v", result.Entry.ModTime)
	}

	if err := store.Remove(ctx, locator); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := store.Remove(ctx, locator); err != nil {
		t.Fatalf("removing a missing entry must not fail: %v", err)
	}
	if _, err := store.Get(ctx, locator); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}

func TestStoreHasNamespace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ok, err := store.HasNamespace(ctx, "static-v2")
	if err != nil || ok {
		t.Fatalf("fresh store should have no namespace, got %v %v", ok, err)
	}
	if _, err := store.Put(ctx, KeyForPath("static-v2", "/index.html"), strings.NewReader("<html>"), PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	ok, err = store.HasNamespace(ctx, "static-v2")
	if err != nil || !ok {
		t.Fatalf("expected static-v2 to exist, got %v %v", ok, err)
	}
	if _, err := store.HasNamespace(ctx, "../outside"); !errors.Is(err, ErrInvalidLocator) {
		t.Fatalf("expected ErrInvalidLocator, got %v", err)
	}
}

func TestStoreNamespacesIgnoresFiles(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	fs := store.(*fileStore)

	for _, ns := range []string{"static-v3", "dynamic-v3"} {
		if _, err := store.Put(ctx, KeyForPath(ns, "/"), strings.NewReader("x"), PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", ns, err)
		}
	}
	if err := os.WriteFile(filepath.Join(fs.basePath, "README"), []byte("stray"), 0o600); err != nil {
		t.Fatalf("write stray file: %v", err)
	}

	names, err := store.Namespaces(ctx)
	if err != nil {
		t.Fatalf("namespaces: %v", err)
	}
	if len(names) != 2 || names[0] != "dynamic-v3" || names[1] != "static-v3" {
		t.Fatalf("unexpected namespaces: %v", names)
	}
}

func TestStoreEntriesSkipsTempFiles(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	fs := store.(*fileStore)

	for _, asset := range []string{"/icons/192.png", "/index.html"} {
		if _, err := store.Put(ctx, KeyForPath("static-v1", asset), bytes.NewReader([]byte(asset)), PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", asset, err)
		}
	}
	// leftover from a write interrupted before rename
	dir, err := fs.namespacePath("static-v1")
	if err != nil {
		t.Fatalf("namespace path: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, tempPrefix+"partial"), []byte("half"), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	entries, err := store.Entries(ctx, "static-v1")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	want := []string{"/icons/192.png/GET.bin", "/index.html/GET.bin"}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %+v", len(want), entries)
	}
	for i, entry := range entries {
		if entry.Locator.Path != want[i] || entry.Locator.Namespace != "static-v1" {
			t.Fatalf("entry %d: got %+v, want path %s", i, entry.Locator, want[i])
		}
		if entry.SizeBytes == 0 {
			t.Fatalf("entry %s has no size", entry.Locator.Path)
		}
	}

	missing, err := store.Entries(ctx, "static-v9")
	if err != nil || len(missing) != 0 {
		t.Fatalf("missing namespace should list nothing, got %v %v", missing, err)
	}
}

func TestStoreGetIgnoresDirectories(t *testing.T) {
	store := newTestStore(t)
	fs := store.(*fileStore)
	locator := Locator{Namespace: "static-v1", Path: "/assets"}

	filePath, err := fs.entryPath(locator)
	if err != nil {
		t.Fatalf("path error: %v", err)
	}
	if err := os.MkdirAll(filePath, 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	if _, err := store.Get(context.Background(), locator); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for directory, got %v", err)
	}
}

func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}
