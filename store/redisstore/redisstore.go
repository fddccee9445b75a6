// Package redisstore keeps cache entries in Redis hashes, one hash per key.
//
// Each hash holds the fields etag, last_modified, expire and response. The
// expire field is plain data compared by the caller; Redis key expiry is never
// set, so validators outlive the freshness window and conditional requests
// keep working after an entry goes stale.
package redisstore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/ambiyansyah-risyal/revalida/store"
)

const (
	fieldETag         = "etag"
	fieldLastModified = "last_modified"
	fieldExpire       = "expire"
	fieldResponse     = "response"

	// DefaultPrefix namespaces every hash written by the store.
	DefaultPrefix = "revalida:"
)

// Store is a store.Store backed by Redis hashes.
type Store struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New wraps an existing client. Close does not close a client supplied here.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: DefaultPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to the Redis server at addr and verifies the connection.
func Open(ctx context.Context, addr string, opts ...Option) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: connecting to %s: %w", addr, err)
	}
	s := New(client, opts...)
	s.owned = true
	return s, nil
}

func (s *Store) hashKey(key store.Key) string {
	return s.prefix + key.String()
}

// Get reads all four fields in one HMGET.
func (s *Store) Get(ctx context.Context, key store.Key) (*store.Entry, error) {
	values, err := s.client.HMGet(ctx, s.hashKey(key), fieldETag, fieldLastModified, fieldExpire, fieldResponse).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: reading %s: %w", key, err)
	}

	raw, ok := values[3].(string)
	if !ok {
		return nil, nil
	}

	resp, err := store.DecodeResponse([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("redisstore: %s: %w", key, err)
	}

	entry := &store.Entry{Response: *resp}
	if v, ok := values[0].(string); ok {
		entry.ETag = v
	}
	if v, ok := values[1].(string); ok {
		entry.LastModified = v
	}
	if v, ok := values[2].(string); ok {
		expire, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redisstore: %s: %w: expire %q", key, store.ErrCorrupt, v)
		}
		entry.Expire = expire
	}
	return entry, nil
}

// Put replaces the whole hash inside a MULTI/EXEC so absent fields from a
// previous write never linger next to the new response.
func (s *Store) Put(ctx context.Context, key store.Key, entry *store.Entry) error {
	data, err := store.EncodeResponse(&entry.Response)
	if err != nil {
		return fmt.Errorf("redisstore: encoding %s: %w", key, err)
	}

	fields := map[string]interface{}{
		fieldResponse: data,
	}
	if entry.ETag != "" {
		fields[fieldETag] = entry.ETag
	}
	if entry.LastModified != "" {
		fields[fieldLastModified] = entry.LastModified
	}
	if entry.HasExpire() {
		fields[fieldExpire] = entry.Expire
	}

	hashKey := s.hashKey(key)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, hashKey)
		pipe.HSet(ctx, hashKey, fields)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: writing %s: %w", key, err)
	}
	return nil
}

// Close releases the client if the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

var _ store.Store = (*Store)(nil)
