// Package sqlitestore keeps cache entries in an SQLite table, one row per key.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/glebarez/go-sqlite"

	"github.com/ambiyansyah-risyal/revalida/store"
)

const schema = `CREATE TABLE IF NOT EXISTS entries (
	verb TEXT NOT NULL,
	url TEXT NOT NULL,
	etag TEXT,
	last_modified TEXT,
	expire INTEGER,
	response BLOB NOT NULL,
	PRIMARY KEY (verb, url)
)`

// Store is a store.Store backed by an SQLite database.
type Store struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// Open opens (creating if needed) the database at filename. An empty filename
// opens a shared in-memory database.
func Open(filename string) (*Store, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: opening %s: %w", filename, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: creating schema: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: enabling WAL: %w", err)
	}
	return &Store{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

// Get reads the row for key.
func (s *Store) Get(ctx context.Context, key store.Key) (*store.Entry, error) {
	var (
		etag, lastModified sql.NullString
		expire             sql.NullInt64
		raw                []byte
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT etag, last_modified, expire, response FROM entries WHERE verb = ? AND url = ?",
		key.Verb, key.URL,
	).Scan(&etag, &lastModified, &expire, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: reading %s: %w", key, err)
	}

	resp, err := store.DecodeResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: %s: %w", key, err)
	}
	return &store.Entry{
		ETag:         etag.String,
		LastModified: lastModified.String,
		Expire:       expire.Int64,
		Response:     *resp,
	}, nil
}

// Put replaces the row for key in a single statement.
func (s *Store) Put(ctx context.Context, key store.Key, entry *store.Entry) error {
	data, err := store.EncodeResponse(&entry.Response)
	if err != nil {
		return fmt.Errorf("sqlitestore: encoding %s: %w", key, err)
	}

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO entries (verb, url, etag, last_modified, expire, response)
		VALUES (?, ?, ?, ?, ?, ?)`,
		key.Verb, key.URL,
		nullString(entry.ETag), nullString(entry.LastModified), nullInt(entry.Expire), data,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: writing %s: %w", key, err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

var _ store.Store = (*Store)(nil)
