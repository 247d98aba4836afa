package kv

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestSetGetDelete(t *testing.T) {
	store, err := Open(InMemoryOptions())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.Set("session:1", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := store.Get("session:1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Fatalf("Get() = %q, want %q", got, `{"a":1}`)
	}

	if err := store.Delete("session:1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get("session:1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

func TestGetMissingKey(t *testing.T) {
	store, err := Open(InMemoryOptions())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = store.Close() }()

	if _, err := store.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestDeleteMissingKeyIsNoop(t *testing.T) {
	store, err := Open(InMemoryOptions())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.Delete("nope"); err != nil {
		t.Fatalf("Delete() of missing key error = %v, want nil", err)
	}
}

func TestKeysPrefix(t *testing.T) {
	store, err := Open(InMemoryOptions())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = store.Close() }()

	for _, key := range []string{"session:1", "session:2", "auth:token"} {
		if err := store.Set(key, []byte("x")); err != nil {
			t.Fatalf("Set(%s) error = %v", key, err)
		}
	}

	keys, err := store.Keys("session:")
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("Keys() returned %d keys, want 2: %v", len(keys), keys)
	}
	for _, key := range keys {
		if key != "session:1" && key != "session:2" {
			t.Fatalf("Keys() returned unexpected key %q", key)
		}
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")

	store, err := Open(DefaultOptions(dir))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := store.Set("session:7", []byte("payload")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(DefaultOptions(dir))
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer func() { _ = reopened.Close() }()

	got, err := reopened.Get("session:7")
	if err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("Get() after reopen = %q, want %q", got, "payload")
	}
}
