package telegram

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/gotd/td/session"
)

func TestFileSession_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "session.json")
	fs := &FileSession{Path: path}

	if fs.Exists() {
		t.Error("Exists should be false before first store")
	}
	if _, err := fs.LoadSession(context.Background()); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("LoadSession error = %v, want session.ErrNotFound", err)
	}

	blob := []byte(`{"auth":"opaque"}`)
	if err := fs.StoreSession(context.Background(), blob); err != nil {
		t.Fatalf("StoreSession error: %v", err)
	}
	if !fs.Exists() {
		t.Error("Exists should be true after store")
	}

	got, err := fs.LoadSession(context.Background())
	if err != nil {
		t.Fatalf("LoadSession error: %v", err)
	}
	if string(got) != string(blob) {
		t.Errorf("LoadSession = %q, want %q", got, blob)
	}
}

func TestFileSession_EmptyFileIsNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	fs := &FileSession{Path: path}
	if err := fs.StoreSession(context.Background(), nil); err != nil {
		t.Fatalf("StoreSession error: %v", err)
	}
	if fs.Exists() {
		t.Error("empty blob should not count as an existing session")
	}
	if _, err := fs.LoadSession(context.Background()); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("LoadSession error = %v, want session.ErrNotFound", err)
	}
}
