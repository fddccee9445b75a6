// Package store defines the cache entry model shared by every backend and the
// Store contract the revalida client reads and writes through.
//
// A Store persists one Entry per Key. Entries are always written whole: a Put
// replaces the validators, the expiry and the response in a single operation,
// so a reader never observes a response without the metadata it was stored
// with. Stores never expire entries on their own; freshness is decided by the
// caller comparing Entry.Expire against its clock.
package store

import (
	"context"
	"errors"
	"net/textproto"
	"strings"
)

// ErrCorrupt is returned when a persisted record cannot be decoded.
var ErrCorrupt = errors.New("store: corrupt record")

// Key addresses one cache slot. Distinct verbs on the same URL never share a slot.
type Key struct {
	Verb string
	URL  string
}

// NewKey builds a key, upper-casing the verb.
func NewKey(verb, url string) Key {
	return Key{Verb: strings.ToUpper(verb), URL: url}
}

func (k Key) String() string {
	return k.Verb + " " + k.URL
}

// Header is a single-valued header mapping. Names are stored in canonical
// MIME form; lookups through Get are case-insensitive.
type Header map[string]string

// Get returns the value for name regardless of its casing.
func (h Header) Get(name string) string {
	if h == nil {
		return ""
	}
	if v, ok := h[textproto.CanonicalMIMEHeaderKey(name)]; ok {
		return v
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Has reports whether name is present regardless of its casing.
func (h Header) Has(name string) bool {
	if h == nil {
		return false
	}
	if _, ok := h[textproto.CanonicalMIMEHeaderKey(name)]; ok {
		return true
	}
	for k := range h {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

// Canonical returns a copy of h with every name in canonical MIME form.
func (h Header) Canonical() Header {
	out := make(Header, len(h))
	for k, v := range h {
		out[textproto.CanonicalMIMEHeaderKey(k)] = v
	}
	return out
}

// Clone returns a shallow copy of h.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Response is the cached payload: status, headers and the decoded body.
type Response struct {
	StatusCode int
	Header     Header
	// Body holds the body after content decoding (gzip already inflated).
	Body []byte
	// Data is the parsed body: a JSON value for application/json content,
	// otherwise the body as a string. It is derived and never persisted.
	Data any
}

// Clone returns a deep copy of the status, headers and body. Data is shared.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := &Response{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		Data:       r.Data,
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return out
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// Absent reports whether the origin answered 404.
func (r *Response) Absent() bool {
	return r != nil && r.StatusCode == 404
}

// Entry is one cache slot. Empty ETag / LastModified and a zero Expire mean the
// field is absent.
type Entry struct {
	ETag         string
	LastModified string
	// Expire is an absolute deadline in epoch seconds.
	Expire   int64
	Response Response
	// Permanent is set by backends that never revalidate (the file store).
	// It is not persisted.
	Permanent bool
}

// HasExpire reports whether the entry carries a time bound.
func (e *Entry) HasExpire() bool {
	return e != nil && e.Expire != 0
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := *e
	out.Response = *e.Response.Clone()
	return &out
}

// Store is an atomic get/put cache backend. Get returns (nil, nil) on a miss.
// Implementations are not required to serialize concurrent writers.
type Store interface {
	Get(ctx context.Context, key Key) (*Entry, error)
	Put(ctx context.Context, key Key, entry *Entry) error
	Close() error
}
