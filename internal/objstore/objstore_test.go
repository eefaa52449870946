package objstore

import (
	"bytes"
	"context"
	"io"
	"testing"
)

func TestFilesystemStore_PutGetDeleteRoundTrip(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, "workspaces/w1/snapshot-1.tar.gz", bytes.NewBufferString("payload")); err != nil {
		t.Fatalf("put: %v", err)
	}

	rc, err := store.Get(ctx, "workspaces/w1/snapshot-1.tar.gz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "payload" {
		t.Fatalf("data = %q", data)
	}

	keys, err := store.List(ctx, "workspaces/w1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 || keys[0] != "workspaces/w1/snapshot-1.tar.gz" {
		t.Fatalf("keys = %v", keys)
	}

	if err := store.Delete(ctx, "workspaces/w1/snapshot-1.tar.gz"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "workspaces/w1/snapshot-1.tar.gz"); err == nil {
		t.Fatal("expected error reading deleted key")
	}
}

func TestFilesystemStore_ListOnMissingPrefixReturnsEmpty(t *testing.T) {
	store, _ := NewFilesystemStore(t.TempDir())
	keys, err := store.List(context.Background(), "nope")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("keys = %v, want empty", keys)
	}
}

func TestFilesystemStore_PingSucceedsOnExistingRoot(t *testing.T) {
	store, _ := NewFilesystemStore(t.TempDir())
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
