package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestJSONStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "registry.json")
	ctx := context.Background()

	store, err := NewJSONStore(path)
	if err != nil {
		t.Fatalf("NewJSONStore error: %v", err)
	}
	req := HelpRequest{ID: "r1", RequesterID: "alice", Location: here, Status: StatusPending, CreatedAt: time.Now().UTC()}
	if err := store.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest error: %v", err)
	}
	if _, err := store.AcceptRequest(ctx, "r1", "h1"); err != nil {
		t.Fatalf("AcceptRequest error: %v", err)
	}
	if err := store.UpsertUser(ctx, User{ID: "h1", Role: RoleHelper, Verified: true}); err != nil {
		t.Fatalf("UpsertUser error: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("store file not written: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	reopened, err := NewJSONStore(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	got, err := reopened.GetRequest(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRequest error: %v", err)
	}
	if got.Status != StatusAccepted || got.AssignedHelperID != "h1" {
		t.Errorf("reloaded request = %+v", got)
	}
	if u, err := reopened.GetUser(ctx, "h1"); err != nil || !u.Verified {
		t.Errorf("reloaded user = %+v, err = %v", u, err)
	}
}

func TestJSONStoreRejectsNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	os.WriteFile(path, []byte(`{"version": 99}`), 0644)

	if _, err := NewJSONStore(path); err == nil {
		t.Error("expected error for unsupported version")
	}
}

func TestJSONStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	os.WriteFile(path, []byte(`{not json`), 0644)

	if _, err := NewJSONStore(path); err == nil {
		t.Error("expected error for corrupt file")
	}
}
