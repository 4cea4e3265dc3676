package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// LocalStorePath is where the device keeps its document database.
//
// Set via env:
// - POS_LOCAL_DB_PATH=./data/pos-local.db (":memory:" for throwaway stores)
func LocalStorePath() string {
	p := strings.TrimSpace(os.Getenv("POS_LOCAL_DB_PATH"))
	if p == "" {
		p = filepath.Join("data", "pos-local.db")
	}
	return p
}

// OpenLocalDB opens the device-local SQLite database. SQLite allows one writer,
// so the pool is pinned to a single connection.
func OpenLocalDB(path string) (*sqlx.DB, error) {
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create local store dir: %w", err)
			}
		}
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	}
	ldb, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	ldb.SetMaxOpenConns(1)
	return ldb, nil
}
