package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLocalStore(t *testing.T) {
	t.Run("GetSetRoundTrip", func(t *testing.T) {
		store := NewLocalStore(filepath.Join(t.TempDir(), "snapshots.json"))
		ctx := context.Background()

		data, err := store.Get(ctx, "schema")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if data != nil {
			t.Fatalf("expected nil data for empty store, got %q", data)
		}

		if err := store.Set(ctx, "schema", []byte(`{"tables":{}}`)); err != nil {
			t.Fatalf("unexpected error on set: %v", err)
		}
		if err := store.Set(ctx, "query-history", []byte(`[]`)); err != nil {
			t.Fatalf("unexpected error on set: %v", err)
		}

		data, err = store.Get(ctx, "schema")
		if err != nil {
			t.Fatalf("unexpected error on get: %v", err)
		}
		if string(data) != `{"tables":{}}` {
			t.Errorf("expected schema snapshot, got %q", data)
		}
	})

	t.Run("CreateDirectoryIfNeeded", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "nested", "dir", "snapshots.json")
		store := NewLocalStore(file)

		if err := store.Set(context.Background(), "schema", []byte(`{}`)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := os.Stat(file); os.IsNotExist(err) {
			t.Fatal("snapshot file was not created")
		}
	})

	t.Run("DeleteAndClear", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "snapshots.json")
		store := NewLocalStore(file)
		ctx := context.Background()

		_ = store.Set(ctx, "a", []byte(`1`))
		_ = store.Set(ctx, "b", []byte(`2`))

		if err := store.Delete(ctx, "a"); err != nil {
			t.Fatalf("unexpected error on delete: %v", err)
		}
		if data, _ := store.Get(ctx, "a"); data != nil {
			t.Errorf("expected a to be deleted, got %q", data)
		}
		if data, _ := store.Get(ctx, "b"); string(data) != "2" {
			t.Errorf("expected b to survive, got %q", data)
		}

		if err := store.Clear(ctx); err != nil {
			t.Fatalf("unexpected error on clear: %v", err)
		}
		if _, err := os.Stat(file); !os.IsNotExist(err) {
			t.Fatal("expected snapshot file to be removed")
		}
		if err := store.Clear(ctx); err != nil {
			t.Fatalf("clear on missing file should succeed: %v", err)
		}
	})

	t.Run("EmptyFilePath", func(t *testing.T) {
		store := NewLocalStore("")
		ctx := context.Background()

		if err := store.Set(ctx, "schema", []byte(`{}`)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		data, err := store.Get(ctx, "schema")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if data != nil {
			t.Fatal("expected nil data for empty path")
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "snapshots.json")
		if err := os.WriteFile(file, []byte("not valid json"), 0o644); err != nil {
			t.Fatalf("failed to write test file: %v", err)
		}

		_, err := NewLocalStore(file).Get(context.Background(), "schema")
		if err == nil {
			t.Fatal("expected error for invalid JSON")
		}
	})
}

func TestNew(t *testing.T) {
	store, err := New(Config{Type: TypeNone})
	if err != nil || store != nil {
		t.Fatalf("expected no store for type none, got %v, %v", store, err)
	}

	store, err = New(Config{Type: "LOCAL", Path: filepath.Join(t.TempDir(), "s.json")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.(*LocalStore); !ok {
		t.Fatalf("expected *LocalStore, got %T", store)
	}

	if _, err := New(Config{Type: "memcached"}); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestRedisStore_KeyFingerprint(t *testing.T) {
	store := NewRedisStoreWithClient(nil, "", 0)
	key := store.redisKey("ingestion-status/job-1")

	if !strings.HasPrefix(key, DefaultRedisPrefix) {
		t.Fatalf("expected prefix %q, got %q", DefaultRedisPrefix, key)
	}
	if key != store.redisKey("ingestion-status/job-1") {
		t.Fatal("fingerprint must be stable")
	}
	if key == store.redisKey("ingestion-status/job-2") {
		t.Fatal("distinct keys must not collide")
	}
	if store.ttl != DefaultRedisTTL {
		t.Errorf("expected default ttl, got %v", store.ttl)
	}
}

// TestRedisStore runs against a live server when QUERYFLOW_TEST_REDIS_URL is set.
func TestRedisStore(t *testing.T) {
	url := os.Getenv("QUERYFLOW_TEST_REDIS_URL")
	if url == "" {
		t.Skip("QUERYFLOW_TEST_REDIS_URL not set")
	}

	store, err := NewRedisStore(RedisConfig{URL: url, Prefix: "queryflow-test:", TTL: time.Minute})
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	if err := store.Set(ctx, "schema", []byte(`{"tables":{}}`)); err != nil {
		t.Fatalf("unexpected error on set: %v", err)
	}
	data, err := store.Get(ctx, "schema")
	if err != nil || string(data) != `{"tables":{}}` {
		t.Fatalf("unexpected get result %q, %v", data, err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("unexpected error on clear: %v", err)
	}
	if data, _ := store.Get(ctx, "schema"); data != nil {
		t.Fatalf("expected cleared store, got %q", data)
	}
}
