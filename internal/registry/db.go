// Package registry is the control plane's single embedded relational store:
// instances, messages, message events, routing rules, and per-instance
// secrets, behind a serialized single-writer/many-reader SQLite handle.
package registry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Registry owns the database handle and the in-process writer lock. SQLite
// itself serializes at the file level (SetMaxOpenConns(1) on the writer
// handle); the mutex additionally serializes the read-modify-write sequences
// application code performs across multiple statements inside a transaction.
type Registry struct {
	writeDB *sql.DB
	readDB  *sql.DB
	writeMu sync.Mutex
}

// Open opens (creating if necessary) the registry database at path and
// applies all pending migrations under the global startup lock. Failure to
// apply a migration aborts the caller's startup (exit code 3 per the
// external interface contract; Open just returns the error).
func Open(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("registry: mkdir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=ON", path)
	writeDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: open write handle: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	readDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("registry: open read handle: %w", err)
	}
	readDB.SetMaxOpenConns(4)

	r := &Registry{writeDB: writeDB, readDB: readDB}
	if err := r.migrate(); err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, fmt.Errorf("registry: migrate: %w", err)
	}
	return r, nil
}

// Close releases both database handles.
func (r *Registry) Close() error {
	werr := r.writeDB.Close()
	rerr := r.readDB.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// withWriteTx serializes fn under the in-process writer lock and runs it
// inside one transaction, committing on success and rolling back on error
// or panic.
func (r *Registry) withWriteTx(fn func(tx *sql.Tx) error) (err error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	tx, err := r.writeDB.Begin()
	if err != nil {
		return fmt.Errorf("registry: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("registry: commit: %w", err)
	}
	return nil
}
