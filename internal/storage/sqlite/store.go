// Package sqlite implements the storage interface using SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/abathur-dev/abathur/internal/storage"
)

// Verify Store implements the storage interface at compile time.
var _ storage.Storage = (*Store)(nil)

// Store implements the Storage interface using SQLite.
type Store struct {
	db     *sql.DB
	dbPath string
	closed atomic.Bool
}

// setupWASMCache configures WASM compilation caching so the embedded SQLite
// build is JIT-compiled once per driver version instead of on every process
// start. Falls back to an in-memory cache if the cache directory cannot be
// created.
func setupWASMCache() {
	var cache wazero.CompilationCache
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "abathur", "wasm")
		if c, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

// pragmas applied to every connection. foreign_keys defaults to OFF in
// SQLite, so it must be set per connection; encoding it in the URI makes
// the pool re-apply it on each new connection.
const connPragmas = "_pragma=foreign_keys(ON)" +
	"&_pragma=busy_timeout(5000)" +
	"&_pragma=synchronous(NORMAL)" +
	"&_pragma=wal_autocheckpoint(1000)" +
	"&_time_format=sqlite"

// Open creates or opens a task database at path. ":memory:" opens a
// private in-memory database for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	var connStr string
	isInMemory := path == ":memory:" ||
		(strings.HasPrefix(path, "file:") && strings.Contains(path, "mode=memory"))

	if path == ":memory:" {
		// Shared cache so the (single) pooled connection survives resets.
		// WAL does not apply to in-memory databases.
		connStr = "file:memdb?mode=memory&cache=shared&" + connPragmas
	} else if strings.HasPrefix(path, "file:") {
		connStr = path
		if !strings.Contains(path, "_pragma=foreign_keys") {
			connStr += "&" + connPragmas
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		connStr = "file:" + path + "?" + connPragmas
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, wrapDBError("open database", err)
	}

	if isInMemory {
		// In-memory databases are per-connection by default; a single
		// shared connection keeps all readers on the same data.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL supports 1 writer + N readers. Cap the pool so write-lock
		// contention doesn't pile up goroutines.
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)
	}

	if !isInMemory {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, wrapDBError("enable WAL", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, wrapDBError("ping database", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, wrapDBError("initialize schema", err)
	}

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	absPath := path
	if !isInMemory {
		if absPath, err = filepath.Abs(path); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to resolve database path: %w", err)
		}
	}

	return &Store{db: db, dbPath: absPath}, nil
}

// Close checkpoints the WAL and closes the database. Without the
// checkpoint, writes can be stranded in the -wal sidecar between CLI
// invocations.
func (s *Store) Close() error {
	s.closed.Store(true)
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Path returns the absolute path to the database file.
func (s *Store) Path() string {
	return s.dbPath
}

// DB exposes the underlying pool for migrations and diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SchemaVersion returns the name of the latest applied migration, or
// "base" for a freshly created schema with none recorded.
func (s *Store) SchemaVersion(ctx context.Context) (string, error) {
	var name sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(name) FROM schema_migrations").Scan(&name)
	if err != nil {
		return "", wrapDBError("schema version", err)
	}
	if !name.Valid {
		return "base", nil
	}
	return name.String, nil
}

// IntegrityCheck runs PRAGMA integrity_check and returns an error unless
// the database reports ok.
func (s *Store) IntegrityCheck(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return wrapDBError("integrity check", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s: %w", result, storage.ErrIntegrity)
	}
	return nil
}
