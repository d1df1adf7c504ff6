package jobstore

import (
	"context"
	"errors"
	"fmt"

	"queryflow/config"
	"queryflow/internal/storage"
)

// TypeMemory keeps the ledger in process memory only.
const TypeMemory = "memory"

// Result holds the initialized job store and the storage it owns, if any.
type Result struct {
	Store   Store
	Storage storage.Storage
}

// Close releases resources held by the job store.
func (r *Result) Close() error {
	var errs []error
	if r.Store != nil {
		if err := r.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	if r.Storage != nil {
		if err := r.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %w", errors.Join(errs...))
	}
	return nil
}

// New creates a job store from app configuration.
func New(ctx context.Context, cfg *config.Config) (*Result, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Jobs.Type == "" || cfg.Jobs.Type == TypeMemory {
		return &Result{Store: NewMemoryStore()}, nil
	}

	st, err := storage.New(ctx, buildStorageConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	store, err := createStore(ctx, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &Result{
		Store:   store,
		Storage: st,
	}, nil
}

func buildStorageConfig(cfg *config.Config) storage.Config {
	storageCfg := storage.Config{
		Type: cfg.Jobs.Type,
		SQLite: storage.SQLiteConfig{
			Path: cfg.Jobs.SQLite.Path,
		},
		PostgreSQL: storage.PostgreSQLConfig{
			URL:      cfg.Jobs.PostgreSQL.URL,
			MaxConns: cfg.Jobs.PostgreSQL.MaxConns,
		},
		MongoDB: storage.MongoDBConfig{
			URL:      cfg.Jobs.MongoDB.URL,
			Database: cfg.Jobs.MongoDB.Database,
		},
	}

	if storageCfg.SQLite.Path == "" {
		storageCfg.SQLite.Path = storage.DefaultSQLitePath
	}
	if storageCfg.PostgreSQL.MaxConns <= 0 {
		storageCfg.PostgreSQL.MaxConns = storage.DefaultMaxConns
	}
	if storageCfg.MongoDB.Database == "" {
		storageCfg.MongoDB.Database = storage.DefaultMongoDatabase
	}
	return storageCfg
}

func createStore(ctx context.Context, st storage.Storage) (Store, error) {
	switch st.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(ctx, st.SQLiteDB())
	case storage.TypePostgreSQL:
		pool := st.PostgreSQLPool()
		if pool == nil {
			return nil, fmt.Errorf("PostgreSQL pool is nil")
		}
		return NewPostgreSQLStore(ctx, pool)
	case storage.TypeMongoDB:
		db := st.MongoDatabase()
		if db == nil {
			return nil, fmt.Errorf("MongoDB database is nil")
		}
		return NewMongoDBStore(ctx, db)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", st.Type())
	}
}
