package revalida

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/ambiyansyah-risyal/revalida/store"
	"github.com/ambiyansyah-risyal/revalida/store/sqlitestore"
)

const (
	expectedStatus200Msg   = "Expected status 200, got %d"
	unexpectedErrorMsg     = "unexpected error: %v"
	failedWriteResponseMsg = "Failed to write response: %v"
	multiByteBody          = "Aló, ñandú! 日本語 🚀"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type step func(req *WireRequest) (*WireResponse, error)

func respond(status int, header Header, body string) step {
	return func(*WireRequest) (*WireResponse, error) {
		return &WireResponse{StatusCode: status, Header: header.Clone(), Body: []byte(body)}, nil
	}
}

func fail(err error) step {
	return func(*WireRequest) (*WireResponse, error) {
		return nil, err
	}
}

// scriptedTransport replays steps in order, repeating the last one.
type scriptedTransport struct {
	mu       sync.Mutex
	steps    []step
	requests []*WireRequest
}

func newScriptedTransport(steps ...step) *scriptedTransport {
	return &scriptedTransport{steps: steps}
}

func (s *scriptedTransport) Execute(_ context.Context, req *WireRequest) (*WireResponse, error) {
	s.mu.Lock()
	i := len(s.requests)
	s.requests = append(s.requests, req.clone())
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	next := s.steps[i]
	s.mu.Unlock()
	return next(req)
}

func (s *scriptedTransport) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scriptedTransport) Request(i int) *WireRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func connRefused() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
}

func TestNew(t *testing.T) {
	client := New()

	if client == nil {
		t.Fatal("New() returned nil")
	}
	if client.maxRetries != 0 {
		t.Errorf("Expected maxRetries=0, got %d", client.maxRetries)
	}
	if client.baseThrottle != time.Second {
		t.Errorf("Expected baseThrottle=1s, got %v", client.baseThrottle)
	}
	if client.maxThrottle != 300*time.Second {
		t.Errorf("Expected maxThrottle=300s, got %v", client.maxThrottle)
	}
	if client.maxRedirects != 10 {
		t.Errorf("Expected maxRedirects=10, got %d", client.maxRedirects)
	}
	if _, ok := client.store.(*store.Memory); !ok {
		t.Errorf("Expected in-memory store by default, got %T", client.store)
	}
	if _, ok := client.transport.(*HTTPTransport); !ok {
		t.Errorf("Expected HTTP transport by default, got %T", client.transport)
	}
	if !client.IsValid() {
		t.Errorf("default client should be valid: %v", client.ValidationError())
	}
}

func countingServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, n int)) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&hits, 1))
		handler(w, r, n)
	}))
	t.Cleanup(server.Close)
	return server, &hits
}

func TestGetFreshHitSkipsNetwork(t *testing.T) {
	server, hits := countingServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "response %d", n)
	})

	clock := newFakeClock()
	client := New(WithClock(clock.Now))
	ctx := context.Background()

	first, err := client.Get(ctx, server.URL, nil)
	if err != nil {
		t.Fatalf(unexpectedErrorMsg, err)
	}
	clock.Advance(30 * time.Second)
	second, err := client.Get(ctx, server.URL, nil)
	if err != nil {
		t.Fatalf(unexpectedErrorMsg, err)
	}

	if got := atomic.LoadInt32(hits); got != 1 {
		t.Errorf("expected 1 network call, got %d", got)
	}
	if first.StatusCode != second.StatusCode {
		t.Errorf("status differs: %d vs %d", first.StatusCode, second.StatusCode)
	}
	if !reflect.DeepEqual(first.Header, second.Header) {
		t.Errorf("headers differ:\n%v\n%v", first.Header, second.Header)
	}
	if string(first.Body) != string(second.Body) || second.Text() != "response 1" {
		t.Errorf("bodies differ: %q vs %q", first.Body, second.Body)
	}
	if second.Data != "response 1" {
		t.Errorf("expected decoded text body, got %#v", second.Data)
	}
}

func TestGetExpiryTriggersRefetch(t *testing.T) {
	server, hits := countingServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		w.Header().Set("Cache-Control", "max-age=1")
		fmt.Fprintf(w, "response %d", n)
	})

	clock := newFakeClock()
	client := New(WithClock(clock.Now))
	ctx := context.Background()

	if _, err := client.Get(ctx, server.URL, nil); err != nil {
		t.Fatalf(unexpectedErrorMsg, err)
	}
	clock.Advance(1 * time.Second)
	if _, err := client.Get(ctx, server.URL, nil); err != nil {
		t.Fatalf(unexpectedErrorMsg, err)
	}
	if got := atomic.LoadInt32(hits); got != 1 {
		t.Fatalf("entry should still be fresh at its expiry second, got %d calls", got)
	}

	clock.Advance(2 * time.Second)
	resp, err := client.Get(ctx, server.URL, nil)
	if err != nil {
		t.Fatalf(unexpectedErrorMsg, err)
	}
	if got := atomic.LoadInt32(hits); got != 2 {
		t.Errorf("expected refetch after expiry, got %d calls", got)
	}
	if resp.Text() != "response 2" {
		t.Errorf("expected new body, got %q", resp.Text())
	}
}

func TestMethodIsolation(t *testing.T) {
	server, hits := countingServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		w.Header().Set("Cache-Control", "max-age=60")
		fmt.Fprintf(w, "%s %d", r.Method, n)
	})

	client := New()
	ctx := context.Background()

	get, err := client.Get(ctx, server.URL, nil)
	if err != nil {
		t.Fatalf(unexpectedErrorMsg, err)
	}
	options, err := client.Options(ctx, server.URL, nil)
	if err != nil {
		t.Fatalf(unexpectedErrorMsg, err)
	}
	if got := atomic.LoadInt32(hits); got != 2 {
		t.Fatalf("OPTIONS must not be served from the GET slot, got %d calls", got)
	}
	if get.Text() != "GET 1" || options.Text() != "OPTIONS 2" {
		t.Errorf("unexpected bodies %q / %q", get.Text(), options.Text())
	}

	again, err := client.Options(ctx, server.URL, nil)
	if err != nil {
		t.Fatalf(unexpectedErrorMsg, err)
	}
	if again.Text() != "OPTIONS 2" || atomic.LoadInt32(hits) != 2 {
		t.Errorf("expected cached OPTIONS, got %q after %d calls", again.Text(), atomic.LoadInt32(hits))
	}
}

func TestHeadIsCachedWithoutBody(t *testing.T) {
	server, hits := countingServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.Header().Set("Etag", `"h"`)
	})

	client := New()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		resp, err := client.Head(ctx, server.URL, nil)
		if err != nil {
			t.Fatalf(unexpectedErrorMsg, err)
		}
		if len(resp.Body) != 0 {
			t.Errorf("HEAD body should be empty, got %q", resp.Body)
		}
	}
	if got := atomic.LoadInt32(hits); got != 1 {
		t.Errorf("expected 1 network call, got %d", got)
	}
}

func TestConditionalRevalidationWithETag(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	server, hits := countingServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		mu.Lock()
		seen = append(seen, r.Header.Get("If-None-Match"))
		mu.Unlock()
		w.Header().Set("Etag", `"v1"`)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"name":"Aló"}`)
	})

	client := New()
	ctx := context.Background()

	first, err := client.Get(ctx, server.URL, nil)
	if err != nil {
		t.Fatalf(unexpectedErrorMsg, err)
	}
	for i := 0; i < 2; i++ {
		resp, err := client.Get(ctx, server.URL, nil)
		if err != nil {
			t.Fatalf(unexpectedErrorMsg, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Errorf(expectedStatus200Msg, resp.StatusCode)
		}
		if string(resp.Body) != string(first.Body) {
			t.Errorf("revalidated body %q differs from cached %q", resp.Body, first.Body)
		}
		if !reflect.DeepEqual(resp.Data, first.Data) {
			t.Errorf("decoded body %#v differs from %#v", resp.Data, first.Data)
		}
	}

	if got := atomic.LoadInt32(hits); got != 3 {
		t.Errorf("every call without max-age should reach the origin, got %d", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if seen[0] != "" || seen[1] != `"v1"` || seen[2] != `"v1"` {
		t.Errorf("unexpected If-None-Match sequence %q", seen)
	}
}

func TestConditionalRevalidationWithLastModified(t *testing.T) {
	const lastModified = "Wed, 21 Oct 2015 07:28:00 GMT"
	server, hits := countingServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		if r.Header.Get("If-Modified-Since") == lastModified {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Last-Modified", lastModified)
		fmt.Fprint(w, "stable")
	})

	client := New()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		resp, err := client.Get(ctx, server.URL, nil)
		if err != nil {
			t.Fatalf(unexpectedErrorMsg, err)
		}
		if resp.Text() != "stable" {
			t.Errorf("call %d: body = %q", i, resp.Text())
		}
	}
	if got := atomic.LoadInt32(hits); got != 3 {
		t.Errorf("expected 3 network calls, got %d", got)
	}
}

func TestChangingETagReplacesEntry(t *testing.T) {
	server, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		etag := fmt.Sprintf(`"v%d"`, n)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Etag", etag)
		fmt.Fprintf(w, "version %d", n)
	})

	memory := store.NewMemory()
	client := New(WithStore(memory))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		resp, err := client.Get(ctx, server.URL, nil)
		if err != nil {
			t.Fatalf(unexpectedErrorMsg, err)
		}
		if want := fmt.Sprintf("version %d", i); resp.Text() != want {
			t.Errorf("call %d: body = %q, want %q", i, resp.Text(), want)
		}
	}

	entry, err := memory.Get(ctx, store.NewKey("GET", server.URL))
	if err != nil || entry == nil {
		t.Fatalf("expected stored entry, got %v, %v", entry, err)
	}
	if entry.ETag != `"v3"` || string(entry.Response.Body) != "version 3" {
		t.Errorf("entry not replaced: etag=%q body=%q", entry.ETag, entry.Response.Body)
	}
}

func TestNotModifiedRefreshesExpiry(t *testing.T) {
	clock := newFakeClock()
	transport := newScriptedTransport(
		respond(200, Header{"Etag": `"a"`, "Cache-Control": "max-age=10"}, "cached body"),
		respond(304, Header{"Etag": `"b"`, "Cache-Control": "max-age=30"}, ""),
	)
	memory := store.NewMemory()
	client := New(WithTransport(transport), WithStore(memory), WithClock(clock.Now))
	ctx := context.Background()
	url := "http://origin.test/resource"

	if _, err := client.Get(ctx, url, nil); err != nil {
		t.Fatalf(unexpectedErrorMsg, err)
	}
	clock.Advance(11 * time.Second)

	resp, err := client.Get(ctx, url, nil)
	if err != nil {
		t.Fatalf(unexpectedErrorMsg, err)
	}
	if resp.StatusCode != 200 || resp.Text() != "cached body" {
		t.Errorf("expected cached response after 304, got %d %q", resp.StatusCode, resp.Text())
	}
	if got := transport.Request(1).Header.Get("If-None-Match"); got != `"a"` {
		t.Errorf("If-None-Match = %q", got)
	}

	entry, _ := memory.Get(ctx, store.NewKey("GET", url))
	if entry.ETag != `"b"` {
		t.Errorf("ETag not refreshed: %q", entry.ETag)
	}
	if entry.Expire != clock.Now().Unix()+30 {
		t.Errorf("Expire = %d, want %d", entry.Expire, clock.Now().Unix()+30)
	}

	clock.Advance(20 * time.Second)
	if _, err := client.Get(ctx, url, nil); err != nil {
		t.Fatalf(unexpectedErrorMsg, err)
	}
	if transport.Calls() != 2 {
		t.Errorf("refreshed entry should be fresh, got %d calls", transport.Calls())
	}
}

func TestNotModifiedWithoutEntry(t *testing.T) {
	transport := newScriptedTransport(respond(304, Header{}, ""))
	client := New(WithTransport(transport))

	_, err := client.Get(context.Background(), "http://origin.test/x", map[string]string{"If-None-Match": `"guess"`})
	if !errors.Is(err, ErrNotModifiedWithoutEntry) {
		t.Fatalf("expected ErrNotModifiedWithoutEntry, got %v", err)
	}
	var clientErr *ClientError
	if !errors.As(err, &clientErr) || clientErr.Type != ErrorTypeProtocol {
		t.Errorf("expected Protocol ClientError, got %#v", err)
	}
}

func TestNonCacheablePassthrough(t *testing.T) {
	server, hits := countingServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "plain %d", n)
	})

	memory := store.NewMemory()
	client := New(WithStore(memory))
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		resp, err := client.Get(ctx, server.URL, nil)
		if err != nil {
			t.Fatalf(unexpectedErrorMsg, err)
		}
		if want := fmt.Sprintf("plain %d", i); resp.Text() != want {
			t.Errorf("body = %q, want %q", resp.Text(), want)
		}
	}
	if got := atomic.LoadInt32(hits); got != 2 {
		t.Errorf("expected 2 network calls, got %d", got)
	}
	if memory.Len() != 0 {
		t.Errorf("non-cacheable response was stored")
	}
}

func TestCacheControlWithoutMaxAgeAlwaysValidates(t *testing.T) {
	server, hits := countingServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		w.Header().Set("Cache-Control", "public")
		fmt.Fprint(w, "body")
	})

	memory := store.NewMemory()
	client := New(WithStore(memory))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := client.Get(ctx, server.URL, nil); err != nil {
			t.Fatalf(unexpectedErrorMsg, err)
		}
	}
	if got := atomic.LoadInt32(hits); got != 3 {
		t.Errorf("expected every call to reach the origin, got %d", got)
	}
	if memory.Len() != 1 {
		t.Errorf("expected the entry to be stored, got %d", memory.Len())
	}
}

func TestMultiByteBodyFidelity(t *testing.T) {
	sqlite, err := sqlitestore.Open(t.TempDir() + "/cache.db")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	backends := map[string]store.Store{
		"memory": store.NewMemory(),
		"sqlite": sqlite,
	}

	for name, backend := range backends {
		t.Run(name, func(t *testing.T) {
			server, hits := countingServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
				w.Header().Set("Cache-Control", "max-age=60")
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				fmt.Fprint(w, multiByteBody)
			})

			client := New(WithStore(backend))
			defer client.Close()
			ctx := context.Background()

			first, err := client.Get(ctx, server.URL, nil)
			if err != nil {
				t.Fatalf(unexpectedErrorMsg, err)
			}
			second, err := client.Get(ctx, server.URL, nil)
			if err != nil {
				t.Fatalf(unexpectedErrorMsg, err)
			}
			if atomic.LoadInt32(hits) != 1 {
				t.Errorf("expected second call from cache")
			}
			if first.Text() != multiByteBody || second.Text() != multiByteBody {
				t.Errorf("body changed: %q / %q", first.Text(), second.Text())
			}
		})
	}
}

func TestCallerHeadersOverrideValidators(t *testing.T) {
	clock := newFakeClock()
	transport := newScriptedTransport(
		respond(200, Header{"Etag": `"stored"`, "Last-Modified": "Wed, 21 Oct 2015 07:28:00 GMT"}, "v1"),
		respond(200, Header{"Etag": `"other"`}, "v2"),
	)
	client := New(WithTransport(transport), WithClock(clock.Now))
	ctx := context.Background()
	url := "http://origin.test/doc"

	if _, err := client.Get(ctx, url, nil); err != nil {
		t.Fatalf(unexpectedErrorMsg, err)
	}
	if _, err := client.Get(ctx, url, map[string]string{"if-none-match": `"caller"`, "X-Trace": "1"}); err != nil {
		t.Fatalf(unexpectedErrorMsg, err)
	}

	sent := transport.Request(1).Header
	if got := sent["If-None-Match"]; got != `"caller"` {
		t.Errorf("If-None-Match = %q, want caller value", got)
	}
	if _, dup := sent["if-none-match"]; dup {
		t.Error("header sent under two casings")
	}
	if got := sent["If-Modified-Since"]; got != "Wed, 21 Oct 2015 07:28:00 GMT" {
		t.Errorf("If-Modified-Since = %q, want validator", got)
	}
	if sent["X-Trace"] != "1" || sent["Accept-Encoding"] != "gzip" {
		t.Errorf("unexpected headers %v", sent)
	}
}

func TestCallerHeadersOverrideDefaults(t *testing.T) {
	transport := newScriptedTransport(respond(200, Header{}, "ok"))
	client := New(WithTransport(transport))

	if _, err := client.Get(context.Background(), "http://origin.test/", map[string]string{"ACCEPT-ENCODING": "identity"}); err != nil {
		t.Fatalf(unexpectedErrorMsg, err)
	}
	if got := transport.Request(0).Header["Accept-Encoding"]; got != "identity" {
		t.Errorf("Accept-Encoding = %q, want identity", got)
	}
}

func TestResponseHeaderCaseVariance(t *testing.T) {
	transport := newScriptedTransport(
		respond(200, Header{"cache-control": "max-age=60", "ETAG": `"x"`, "content-type": "application/json"}, `{"ok":true}`),
	)
	client := New(WithTransport(transport))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		resp, err := client.Get(ctx, "http://origin.test/case", nil)
		if err != nil {
			t.Fatalf(unexpectedErrorMsg, err)
		}
		if resp.Header["Etag"] != `"x"` || resp.Header["Cache-Control"] != "max-age=60" {
			t.Errorf("headers not canonical: %v", resp.Header)
		}
		if data, ok := resp.Data.(map[string]any); !ok || data["ok"] != true {
			t.Errorf("JSON not decoded: %#v", resp.Data)
		}
	}
	if transport.Calls() != 1 {
		t.Errorf("lowercase max-age should be honoured, got %d calls", transport.Calls())
	}
}

func TestNotFoundIsAbsent(t *testing.T) {
	server, hits := countingServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		w.Header().Set("Cache-Control", "max-age=60")
		http.NotFound(w, r)
	})

	memory := store.NewMemory()
	client := New(WithStore(memory))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		resp, err := client.Get(ctx, server.URL, nil)
		if err != nil {
			t.Fatalf("404 must not be an error: %v", err)
		}
		if !resp.Absent() {
			t.Errorf("expected absent response, got %d", resp.StatusCode)
		}
	}
	if memory.Len() != 0 || atomic.LoadInt32(hits) != 2 {
		t.Errorf("404 must not be cached")
	}
}

func TestFatalStatusCarriesBody(t *testing.T) {
	server, hits := countingServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "database on fire")
	})

	client := New()
	_, err := client.Get(context.Background(), server.URL, nil)

	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		t.Fatalf("expected ClientError, got %v", err)
	}
	if clientErr.Type != ErrorTypeStatus || clientErr.StatusCode != 500 || clientErr.Body != "database on fire" {
		t.Errorf("unexpected error %#v", clientErr)
	}
	if !errors.Is(err, ErrUnexpectedStatus) {
		t.Error("expected ErrUnexpectedStatus")
	}
	if atomic.LoadInt32(hits) != 1 {
		t.Errorf("fatal statuses must not be retried, got %d calls", atomic.LoadInt32(hits))
	}
}

func TestInvalidJSONIsFatal(t *testing.T) {
	transport := newScriptedTransport(respond(200, Header{"Content-Type": "application/json", "Cache-Control": "max-age=60"}, `{"broken`))
	memory := store.NewMemory()
	client := New(WithTransport(transport), WithStore(memory))

	_, err := client.Get(context.Background(), "http://origin.test/json", nil)
	var clientErr *ClientError
	if !errors.As(err, &clientErr) || clientErr.Type != ErrorTypeDecode {
		t.Fatalf("expected Decode error, got %v", err)
	}
	if memory.Len() != 0 {
		t.Error("undecodable response must not be stored")
	}
}

func TestConcurrentMissesFetchTwice(t *testing.T) {
	arrived := make(chan struct{}, 2)
	release := make(chan struct{})
	server, hits := countingServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		arrived <- struct{}{}
		<-release
		w.Header().Set("Cache-Control", "max-age=60")
		fmt.Fprint(w, "shared")
	})

	client := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.Get(ctx, server.URL, nil); err != nil {
				t.Errorf(unexpectedErrorMsg, err)
			}
		}()
	}

	for i := 0; i < 2; i++ {
		select {
		case <-arrived:
		case <-time.After(5 * time.Second):
			close(release)
			t.Fatal("concurrent misses did not both reach the origin")
		}
	}
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(hits); got != 2 {
		t.Errorf("expected duplicate fetches without coalescing, got %d", got)
	}
}

func TestCoalescingSharesOneFetch(t *testing.T) {
	arrived := make(chan struct{}, 4)
	release := make(chan struct{})
	server, hits := countingServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		arrived <- struct{}{}
		<-release
		w.Header().Set("Cache-Control", "max-age=60")
		fmt.Fprint(w, "shared")
	})

	client := New(WithCoalescing())
	ctx := context.Background()

	results := make(chan string, 4)
	var wg sync.WaitGroup
	start := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := client.Get(ctx, server.URL, nil)
			if err != nil {
				t.Errorf(unexpectedErrorMsg, err)
				return
			}
			results <- resp.Text()
		}()
	}

	start()
	<-arrived
	for i := 0; i < 3; i++ {
		start()
	}
	close(release)
	wg.Wait()
	close(results)

	for body := range results {
		if body != "shared" {
			t.Errorf("body = %q", body)
		}
	}
	// Late callers either joined the in-flight fetch or found the fresh entry.
	if got := atomic.LoadInt32(hits); got != 1 {
		t.Errorf("expected a single origin fetch, got %d", got)
	}
}

type failingStore struct {
	store.Store
	getErr error
	putErr error
}

func (s failingStore) Get(ctx context.Context, key store.Key) (*store.Entry, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.Store.Get(ctx, key)
}

func (s failingStore) Put(ctx context.Context, key store.Key, entry *store.Entry) error {
	if s.putErr != nil {
		return s.putErr
	}
	return s.Store.Put(ctx, key, entry)
}

func TestStoreWriteFailureStillReturnsResponse(t *testing.T) {
	transport := newScriptedTransport(respond(200, Header{"Cache-Control": "max-age=60"}, "fine"))
	client := New(
		WithTransport(transport),
		WithStore(failingStore{Store: store.NewMemory(), putErr: errors.New("disk full")}),
	)

	resp, err := client.Get(context.Background(), "http://origin.test/", nil)
	if err != nil {
		t.Fatalf(unexpectedErrorMsg, err)
	}
	if resp.Text() != "fine" {
		t.Errorf("body = %q", resp.Text())
	}
}

func TestStoreCorruptionIsFatal(t *testing.T) {
	transport := newScriptedTransport(respond(200, Header{}, "never"))
	client := New(
		WithTransport(transport),
		WithStore(failingStore{Store: store.NewMemory(), getErr: fmt.Errorf("decoding: %w", store.ErrCorrupt)}),
	)

	_, err := client.Get(context.Background(), "http://origin.test/", nil)
	if !errors.Is(err, store.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	var clientErr *ClientError
	if !errors.As(err, &clientErr) || clientErr.Type != ErrorTypeStore {
		t.Errorf("expected Store ClientError, got %#v", err)
	}
	if transport.Calls() != 0 {
		t.Error("corrupt store must not fall through to the network")
	}
}

func TestPermanentEntryNeverRevalidates(t *testing.T) {
	memory := store.NewMemory()
	url := "http://origin.test/recorded"
	ctx := context.Background()
	if err := memory.Put(ctx, store.NewKey("GET", url), &store.Entry{
		Permanent: true,
		Response:  store.Response{StatusCode: 200, Header: Header{"Content-Type": "text/plain"}, Body: []byte("recorded")},
	}); err != nil {
		t.Fatal(err)
	}

	transport := newScriptedTransport(respond(500, Header{}, "unreachable"))
	client := New(WithTransport(transport), WithStore(memory))

	resp, err := client.Get(ctx, url, nil)
	if err != nil {
		t.Fatalf(unexpectedErrorMsg, err)
	}
	if resp.Text() != "recorded" || transport.Calls() != 0 {
		t.Errorf("expected replay without network, got %q after %d calls", resp.Text(), transport.Calls())
	}
}

func TestInvalidURL(t *testing.T) {
	transport := newScriptedTransport(respond(200, Header{}, ""))
	client := New(WithTransport(transport))

	for _, raw := range []string{"", "ftp://example.com/x", "http://", "://bad"} {
		_, err := client.Get(context.Background(), raw, nil)
		var clientErr *ClientError
		if !errors.As(err, &clientErr) || clientErr.Type != ErrorTypeValidation {
			t.Errorf("Get(%q) error = %v, want Validation", raw, err)
		}
	}
	if transport.Calls() != 0 {
		t.Error("invalid URLs must not be sent")
	}
}

func TestInvalidConfigurationRejectsCalls(t *testing.T) {
	transport := newScriptedTransport(respond(200, Header{}, ""))
	client := New(WithTransport(transport), WithMaxRetries(-1))

	if client.IsValid() {
		t.Fatal("expected invalid configuration")
	}
	_, err := client.Get(context.Background(), "http://origin.test/", nil)
	if err == nil || err != client.ValidationError() {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestClose(t *testing.T) {
	sqlite, err := sqlitestore.Open(t.TempDir() + "/close.db")
	if err != nil {
		t.Fatal(err)
	}
	client := New(WithStore(sqlite))
	if err := client.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	if _, err := sqlite.Get(context.Background(), store.NewKey("GET", "http://x/")); err == nil {
		t.Error("store should be closed")
	}
}
