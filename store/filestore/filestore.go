// Package filestore is a content-addressed store.Store on the local filesystem.
//
// Each response is written to <dir>/<sha256(verb + host:port + url)>.json and
// never revalidated: entries carry no validators or expiry and are reported as
// permanent. The first write for a key wins; later writes for an existing key
// are ignored. Useful for record/replay, not for live HTTP caching.
package filestore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"

	"github.com/ambiyansyah-risyal/revalida/store"
)

// Store is a store.Store rooted at a directory.
type Store struct {
	dir string
}

// Open creates dir if needed and returns a store rooted there.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("filestore: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: creating directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the root directory.
func (s *Store) Dir() string {
	return s.dir
}

// HashKey returns the content address for key.
func HashKey(key store.Key) string {
	h := sha256.Sum256([]byte(key.Verb + hostPort(key.URL) + key.URL))
	return fmt.Sprintf("%x", h)
}

func hostPort(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}

func (s *Store) entryPath(key store.Key) string {
	return filepath.Join(s.dir, HashKey(key)+".json")
}

// Get reads the stored response for key.
func (s *Store) Get(_ context.Context, key store.Key) (*store.Entry, error) {
	data, err := os.ReadFile(s.entryPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: reading %s: %w", key, err)
	}
	resp, err := store.DecodeResponse(data)
	if err != nil {
		return nil, fmt.Errorf("filestore: %s: %w", key, err)
	}
	return &store.Entry{Response: *resp, Permanent: true}, nil
}

// Put writes the response for key unless one already exists. Validators and
// expiry in entry are not persisted.
func (s *Store) Put(_ context.Context, key store.Key, entry *store.Entry) error {
	path := s.entryPath(key)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := store.EncodeResponse(&entry.Response)
	if err != nil {
		return fmt.Errorf("filestore: encoding %s: %w", key, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("filestore: writing %s: %w", key, err)
	}
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

var _ store.Store = (*Store)(nil)
