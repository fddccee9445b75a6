// Package cli implements the revalida command tree: get, head and options
// fetch a URL through the configured cache, serve exposes the same cache on
// a local HTTP endpoint with Prometheus metrics.
package cli
