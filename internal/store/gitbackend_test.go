package store

import (
	"context"
	"path/filepath"
	"testing"
)

func TestGitBackendPushThenPullRoundTrips(t *testing.T) {
	dir := t.TempDir()
	backend := NewGitBackend(dir, "", "", "")
	path := filepath.Join(dir, "auth.json")

	if err := backend.Push(context.Background(), path, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	data, ok, err := backend.Pull(context.Background(), path)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if !ok {
		t.Fatalf("Pull() ok = false, want true")
	}
	if string(data) != `{"a":1}` {
		t.Fatalf("Pull() data = %q", data)
	}
}

func TestGitBackendPushIsIdempotentForUnchangedContent(t *testing.T) {
	dir := t.TempDir()
	backend := NewGitBackend(dir, "", "", "")
	path := filepath.Join(dir, "auth.json")

	if err := backend.Push(context.Background(), path, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("first Push() error = %v", err)
	}
	if err := backend.Push(context.Background(), path, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("second Push() error = %v", err)
	}
}

func TestGitBackendPullMissingPathReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	backend := NewGitBackend(dir, "", "", "")

	_, ok, err := backend.Pull(context.Background(), filepath.Join(dir, "missing.json"))
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if ok {
		t.Fatalf("Pull() ok = true, want false for missing path")
	}
}
