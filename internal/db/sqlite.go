// Package db opens and pools the relational store connections. SQLite is the
// default engine; PostgreSQL is available behind the same Pool interface.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/agentdeck/agentdeck/internal/db/dialect"
)

// busyTimeout bounds how long a connection waits on a lock before returning
// SQLITE_BUSY.
const busyTimeout = 5 * time.Second

// readerConns is the read pool size. WAL mode lets these proceed alongside
// the single writer.
const readerConns = 4

// OpenSQLite opens the write side: one connection, WAL journal, normal
// synchronous, foreign keys on. The single connection serializes writes so
// concurrent components queue on the pool instead of hitting SQLITE_BUSY.
func OpenSQLite(dbPath string) (*sqlx.DB, error) {
	path, err := preparePath(dbPath)
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf(
		"file:%s?_mode=rwc&_foreign_keys=on&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		path, busyTimeout.Milliseconds())
	database, err := sqlx.Open(dialect.SQLite3, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	database.SetMaxOpenConns(1)
	database.SetMaxIdleConns(1)
	return database, nil
}

// OpenSQLiteReader opens the read side: a small read-only pool. Journal and
// synchronous modes are database-level settings owned by the writer, so the
// reader DSN leaves them alone.
func OpenSQLiteReader(dbPath string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_mode=ro&_foreign_keys=on&_busy_timeout=%d&_cache=shared",
		absolutePath(dbPath), busyTimeout.Milliseconds())
	database, err := sqlx.Open(dialect.SQLite3, dsn)
	if err != nil {
		return nil, fmt.Errorf("open read-only database: %w", err)
	}
	database.SetMaxOpenConns(readerConns)
	database.SetMaxIdleConns(readerConns)
	return database, nil
}

// preparePath normalizes the database path and makes sure the file and its
// directory exist, so the read-only pool can open immediately after.
func preparePath(dbPath string) (string, error) {
	path := absolutePath(dbPath)
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create database directory: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", fmt.Errorf("create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", err
	}
	return path, nil
}

func absolutePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
