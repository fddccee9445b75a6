package revalida

import (
	"regexp"
	"strconv"
	"time"

	"github.com/ambiyansyah-risyal/revalida/store"
)

var maxAgePattern = regexp.MustCompile(`max-age=(\d+)`)

// IsFresh reports whether entry can be served without contacting the origin:
// its expiry is set and not yet passed, or the backend marks it permanent.
func IsFresh(entry *store.Entry, now time.Time) bool {
	if entry == nil {
		return false
	}
	if entry.Permanent {
		return true
	}
	return entry.HasExpire() && entry.Expire >= now.Unix()
}

// IsCacheable reports whether resp may be stored: a 200 carrying at least one
// of Cache-Control, ETag or Last-Modified.
func IsCacheable(resp *Response) bool {
	if resp == nil || resp.StatusCode != 200 {
		return false
	}
	return resp.Header.Has("Cache-Control") || resp.Header.Has("ETag") || resp.Header.Has("Last-Modified")
}

// ExtractTTL returns the max-age of the Cache-Control header. Other directives
// are ignored; without a max-age no TTL is derived.
func ExtractTTL(h store.Header) (time.Duration, bool) {
	m := maxAgePattern.FindStringSubmatch(h.Get("Cache-Control"))
	if m == nil {
		return 0, false
	}
	seconds, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

// BuildValidators returns the conditional headers for entry.
func BuildValidators(entry *store.Entry) map[string]string {
	validators := map[string]string{}
	if entry == nil {
		return validators
	}
	if entry.ETag != "" {
		validators["If-None-Match"] = entry.ETag
	}
	if entry.LastModified != "" {
		validators["If-Modified-Since"] = entry.LastModified
	}
	return validators
}

func expireFrom(h store.Header, now time.Time) int64 {
	ttl, ok := ExtractTTL(h)
	if !ok {
		return 0
	}
	return now.Add(ttl).Unix()
}

// newEntry builds the entry stored for a cacheable response.
func newEntry(resp *Response, now time.Time) *store.Entry {
	return &store.Entry{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		Expire:       expireFrom(resp.Header, now),
		Response:     *resp,
	}
}

// refreshEntry freshens entry after a 304. The stored response is kept as is;
// validators and expiry come from the 304 headers, falling back to the stored
// response headers for any the 304 omits.
func refreshEntry(entry *store.Entry, notModified *Response, now time.Time) *store.Entry {
	refreshed := entry.Clone()
	h := notModified.Header

	refreshed.ETag = h.Get("ETag")
	if refreshed.ETag == "" {
		refreshed.ETag = entry.ETag
	}
	refreshed.LastModified = h.Get("Last-Modified")
	if refreshed.LastModified == "" {
		refreshed.LastModified = entry.LastModified
	}
	if h.Has("Cache-Control") {
		refreshed.Expire = expireFrom(h, now)
	} else {
		refreshed.Expire = expireFrom(entry.Response.Header, now)
	}
	return refreshed
}
