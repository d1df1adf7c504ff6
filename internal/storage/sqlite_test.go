package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestSQLiteConcurrentWriteSafety(t *testing.T) {
	store, err := NewSQLite(context.Background(), SQLiteConfig{Path: filepath.Join(t.TempDir(), "nested", "test.db")})
	if err != nil {
		t.Fatalf("failed to create SQLite storage: %v", err)
	}
	defer store.Close()

	if store.Type() != TypeSQLite || store.PostgreSQLPool() != nil || store.MongoDatabase() != nil {
		t.Fatalf("unexpected accessors for sqlite storage")
	}
	db := store.SQLiteDB()

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS test_jobs (id TEXT PRIMARY KEY, status TEXT)`); err != nil {
		t.Fatalf("failed to create test_jobs table: %v", err)
	}

	const goroutines = 8
	const insertsPerGoroutine = 25

	var wg sync.WaitGroup
	errs := make(chan error, goroutines*insertsPerGoroutine)

	// Ingestion uploads and poller settle hooks write concurrently.
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < insertsPerGoroutine; j++ {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				_, err := db.ExecContext(ctx, `INSERT INTO test_jobs (id, status) VALUES (?, ?)`,
					fmt.Sprintf("%d-%d", id, j), "pending")
				cancel()
				if err != nil {
					errs <- fmt.Errorf("goroutine %d insert %d: %w", id, j, err)
				}
			}
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent write error: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM test_jobs").Scan(&count); err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	if count != goroutines*insertsPerGoroutine {
		t.Errorf("got %d rows, want %d", count, goroutines*insertsPerGoroutine)
	}
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New(context.Background(), Config{Type: "cassandra"})
	if err == nil || !strings.Contains(err.Error(), "unknown storage type") {
		t.Fatalf("expected unknown storage type error, got %v", err)
	}
}

func TestNewRequiresURLs(t *testing.T) {
	if _, err := NewPostgreSQL(context.Background(), PostgreSQLConfig{}); err == nil {
		t.Fatal("expected error for missing PostgreSQL URL")
	}
	if _, err := NewMongoDB(context.Background(), MongoDBConfig{}); err == nil {
		t.Fatal("expected error for missing MongoDB URL")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Type != TypeSQLite || cfg.SQLite.Path != DefaultSQLitePath || cfg.MongoDB.Database != DefaultMongoDatabase {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}
