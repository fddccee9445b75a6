// Package revalida provides a caching HTTP client that revalidates stale
// entries with conditional requests:
//
//   - GET, HEAD and OPTIONS responses are cached per verb and URL when the
//     origin sends Cache-Control, ETag or Last-Modified
//   - Entries stay fresh for the Cache-Control max-age; once stale they are
//     revalidated with If-None-Match / If-Modified-Since and a 304 refreshes
//     them in place
//   - Transient network failures are retried with quadratic backoff, 301/302/303
//     redirects are followed up to a cap, and a pluggable detector can ask for
//     rate-limit waits
//   - Gzip responses are inflated and JSON bodies decoded
//   - Backends: in-memory, Redis, SQLite and a permanent content-addressed
//     file store
//
// Typical usage:
//
//	st, err := redisstore.Open(ctx, "localhost:6379")
//	if err != nil {
//	    return err
//	}
//	client := revalida.New(
//	    revalida.WithStore(st),
//	    revalida.WithMaxRetries(5),
//	    revalida.WithRateLimitDetector(revalida.RetryAfterDetector{}),
//	)
//	defer client.Close()
//
//	resp, err := client.Get(ctx, "https://api.example.com/data", nil)
//
// A 404 is not an error: the returned Response reports Absent. Every other
// failure is a *ClientError; use errors.Is with the sentinel errors to tell
// them apart.
package revalida
