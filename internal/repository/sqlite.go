package repository

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/domain"
	_ "modernc.org/sqlite"
)

const defaultSQLitePath = "./riskwatch.db"

// memoryPath selects a private in-memory database.
const memoryPath = ":memory:"

// sqlitePragmas are applied to every connection. Flag transactions read
// then write, so busy_timeout bounds the wait for the single writer.
var sqlitePragmas = []string{
	"busy_timeout(5000)",
	"foreign_keys(ON)",
}

// sqliteFilePragmas only make sense for on-disk databases.
var sqliteFilePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
}

// sqliteDSN builds a modernc.org/sqlite DSN. Transactions start with
// BEGIN IMMEDIATE so insert-if-absent takes the write lock before its read.
func sqliteDSN(path string) string {
	q := url.Values{}
	for _, p := range sqlitePragmas {
		q.Add("_pragma", p)
	}
	if path != memoryPath {
		for _, p := range sqliteFilePragmas {
			q.Add("_pragma", p)
		}
	}
	q.Set("_txlock", "immediate")

	return "file:" + path + "?" + q.Encode()
}

// openSQLite opens a SQLite database with pure Go modernc.org/sqlite. The
// pool is capped at one connection unless the config overrides it; an
// in-memory database would otherwise be a different database per connection.
func openSQLite(cfg domain.RepositoryConfig) (*sql.DB, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = defaultSQLitePath
	}

	if path != memoryPath {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database %s: %w", path, err)
	}

	return db, nil
}
