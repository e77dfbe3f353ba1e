package blob

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "upstream-secret"

type upstreamFile struct {
	contentType string
	fileName    string
	body        string
	status      int
}

// newUpstream serves files under /resources/{id}/file/ (bearer protected)
// and /public/{id} (open). A non-zero status makes that location fail.
func newUpstream(t *testing.T, primary, public map[string]upstreamFile) (*httptest.Server, *sync.Map) {
	t.Helper()
	var seen sync.Map
	mux := http.NewServeMux()
	serve := func(w http.ResponseWriter, f upstreamFile) {
		if f.status != 0 {
			http.Error(w, "unavailable", f.status)
			return
		}
		if f.contentType != "" {
			w.Header().Set("Content-Type", f.contentType)
		}
		if f.fileName != "" {
			w.Header().Set("Content-Disposition", `attachment; filename="`+f.fileName+`"`)
		}
		_, _ = w.Write([]byte(f.body))
	}
	mux.HandleFunc("/resources/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/resources/"), "/file/")
		seen.Store("primary:"+id, r.Header.Get("Authorization"))
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		f, ok := primary[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		serve(w, f)
	})
	mux.HandleFunc("/public/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/public/")
		seen.Store("public:"+id, r.Header.Get("Authorization"))
		f, ok := public[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		serve(w, f)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &seen
}

func newHTTPLoader(srv *httptest.Server, opts ...LoaderOption) *Loader {
	fetcher := NewHTTPFetcher(srv.URL, "/resources/%s/file/", 5*time.Second, 1<<20)
	return NewLoader(fetcher, NewRegistry("/api/refs/", 0, nil), opts...)
}

func authed(id string) Request {
	return Request{SourceID: id, Credentials: Credentials{BearerToken: testToken}}
}

func TestLoadPDFAliasesReference(t *testing.T) {
	srv, seen := newUpstream(t, map[string]upstreamFile{
		"inv-1": {contentType: "application/pdf", fileName: "factura-1.pdf", body: "%PDF-1.4 invoice"},
	}, nil)
	loader := newHTTPLoader(srv)

	res := loader.Load(context.Background(), authed("inv-1"))
	require.NoError(t, res.Err)
	require.True(t, res.OK())
	h := res.Handle

	assert.Equal(t, KindPDF, h.Kind)
	assert.Equal(t, "factura-1.pdf", h.FileName)
	assert.Equal(t, StrategyEmbed, h.Preview().Strategy)
	require.NotNil(t, h.PreviewRef())
	assert.Same(t, h.PreviewRef(), h.DownloadRef())
	assert.Equal(t, 1, loader.Registry().Live())

	auth, _ := seen.Load("primary:inv-1")
	assert.Equal(t, "Bearer "+testToken, auth)

	h.Dispose()
	h.Dispose()
	assert.Equal(t, 0, loader.Registry().Live())
	_, revoked := loader.Registry().Stats()
	assert.EqualValues(t, 1, revoked, "aliased reference is revoked exactly once")
}

func TestLoadFallsBackToPublicURL(t *testing.T) {
	srv, seen := newUpstream(t, map[string]upstreamFile{
		"ot-7": {status: http.StatusInternalServerError},
	}, map[string]upstreamFile{
		"ot-7": {contentType: "application/pdf", body: "%PDF-1.4 public"},
	})
	loader := newHTTPLoader(srv)

	req := authed("ot-7")
	req.PublicURL = srv.URL + "/public/ot-7"
	res := loader.Load(context.Background(), req)
	require.NoError(t, res.Err)
	assert.True(t, res.Handle.FromFallback)
	assert.Equal(t, "%PDF-1.4 public", string(res.Handle.Content()))

	auth, _ := seen.Load("public:ot-7")
	assert.Empty(t, auth, "credentials are never sent to the public location")
	res.Handle.Dispose()
}

func TestLoadPrimarySuccessSkipsFallback(t *testing.T) {
	srv, seen := newUpstream(t, map[string]upstreamFile{
		"nc-2": {contentType: "application/pdf", body: "%PDF"},
	}, map[string]upstreamFile{
		"nc-2": {contentType: "application/pdf", body: "%PDF"},
	})
	loader := newHTTPLoader(srv)

	req := authed("nc-2")
	req.PublicURL = srv.URL + "/public/nc-2"
	res := loader.Load(context.Background(), req)
	require.NoError(t, res.Err)
	assert.False(t, res.Handle.FromFallback)
	_, hit := seen.Load("public:nc-2")
	assert.False(t, hit)
	res.Handle.Dispose()
}

func TestLoadBothLocationsFail(t *testing.T) {
	srv, _ := newUpstream(t, map[string]upstreamFile{
		"inv-9": {status: http.StatusBadGateway},
	}, nil)
	loader := newHTTPLoader(srv)

	req := authed("inv-9")
	req.PublicURL = srv.URL + "/public/inv-9"
	res := loader.Load(context.Background(), req)

	require.Error(t, res.Err)
	assert.Nil(t, res.Handle)
	var retrieval *RetrievalError
	require.True(t, errors.As(res.Err, &retrieval))
	assert.Equal(t, req.PublicURL, retrieval.FallbackURL)
	var status *StatusError
	require.True(t, errors.As(res.Err, &status))
	assert.Equal(t, http.StatusBadGateway, status.StatusCode)
	assert.Equal(t, "retrieval_error", ErrorCode(res.Err))
	assert.Equal(t, "No pudimos cargar el archivo", RetrievalMessage)
	assert.Equal(t, 0, loader.Registry().Live())
}

func TestLoadWithoutPublicURLReportsPrimaryFailure(t *testing.T) {
	srv, _ := newUpstream(t, nil, nil)
	loader := newHTTPLoader(srv)

	res := loader.Load(context.Background(), Request{SourceID: "inv-1"})
	var retrieval *RetrievalError
	require.True(t, errors.As(res.Err, &retrieval))
	assert.Nil(t, retrieval.Fallback)
	var status *StatusError
	require.True(t, errors.As(res.Err, &status))
	assert.Equal(t, http.StatusUnauthorized, status.StatusCode)
}

func TestLoadJSONAllocatesNoReferences(t *testing.T) {
	srv, _ := newUpstream(t, map[string]upstreamFile{
		"dte-1": {contentType: "application/json", body: `{"folio":1}`},
	}, nil)
	loader := newHTTPLoader(srv)

	res := loader.Load(context.Background(), authed("dte-1"))
	require.NoError(t, res.Err)
	assert.Equal(t, StrategyJSONText, res.Handle.Preview().Strategy)
	assert.Equal(t, "{\n  \"folio\": 1\n}", res.Handle.Preview().Text)
	assert.Nil(t, res.Handle.PreviewRef())
	assert.Equal(t, 0, loader.Registry().Live())
	res.Handle.Dispose()
}

func TestLoadInvalidJSONStillDownloadable(t *testing.T) {
	srv, _ := newUpstream(t, map[string]upstreamFile{
		"dte-2": {contentType: "application/json", fileName: "dte.json", body: `{"folio":`},
	}, nil)
	loader := newHTTPLoader(srv)

	res := loader.Load(context.Background(), authed("dte-2"))
	require.NoError(t, res.Err)
	var decodeErr *DecodeError
	require.True(t, errors.As(res.Handle.PreviewErr(), &decodeErr))

	action := Download(res.Handle)
	require.NoError(t, action.Err)
	assert.False(t, action.Fallback)
	assert.Equal(t, "dte.json", action.FileName)
	assert.Equal(t, 1, loader.Registry().Live())

	res.Handle.Dispose()
	assert.Equal(t, 0, loader.Registry().Live())
}

func TestLoadUsesMediaTypeHintForGenericContent(t *testing.T) {
	srv, _ := newUpstream(t, map[string]upstreamFile{
		"x-1": {contentType: "application/octet-stream", body: "<Factura><Folio>3</Folio></Factura>"},
	}, nil)
	loader := newHTTPLoader(srv)

	req := authed("x-1")
	req.MediaType = "application/xml"
	res := loader.Load(context.Background(), req)
	require.NoError(t, res.Err)
	assert.Equal(t, KindXML, res.Handle.Kind)
	assert.Equal(t, StrategyXMLText, res.Handle.Preview().Strategy)
}

func TestLoadRejectsEmptySourceID(t *testing.T) {
	loader := NewLoader(&stubFetcher{}, NewRegistry("/r/", 0, nil))
	res := loader.Load(context.Background(), Request{})
	assert.Error(t, res.Err)
	assert.Nil(t, res.Handle)
}

func TestLoadTooLarge(t *testing.T) {
	srv, _ := newUpstream(t, map[string]upstreamFile{
		"big": {contentType: "application/pdf", body: strings.Repeat("x", 64)},
	}, nil)
	fetcher := NewHTTPFetcher(srv.URL, "", time.Second, 32)
	loader := NewLoader(fetcher, NewRegistry("/r/", 0, nil))

	res := loader.Load(context.Background(), authed("big"))
	assert.ErrorIs(t, res.Err, ErrTooLarge)
}

// stubFetcher serves canned payloads. When gate is set, fetches of ids in
// gated block until the gate is closed.
type stubFetcher struct {
	mu    sync.Mutex
	files map[string]Payload
	calls map[string]int
	gated map[string]bool
	gate  chan struct{}
}

func (f *stubFetcher) Fetch(ctx context.Context, req Request) (*Payload, bool, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[req.SourceID]++
	p, ok := f.files[req.SourceID]
	wait := f.gate != nil && f.gated[req.SourceID]
	f.mu.Unlock()
	if wait {
		<-f.gate
	}
	if !ok {
		return nil, false, &RetrievalError{SourceID: req.SourceID, Primary: errors.New("not found")}
	}
	p.Content = append([]byte(nil), p.Content...)
	return &p, false, nil
}

func (f *stubFetcher) Calls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func TestLoadCancelledReleasesEverything(t *testing.T) {
	fetcher := &stubFetcher{
		files: map[string]Payload{"inv-1": {Content: []byte("%PDF"), ContentType: "application/pdf"}},
		gated: map[string]bool{"inv-1": true},
		gate:  make(chan struct{}),
	}
	loader := NewLoader(fetcher, NewRegistry("/r/", 0, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() { done <- loader.Load(ctx, Request{SourceID: "inv-1"}) }()

	require.Eventually(t, func() bool { return fetcher.Calls("inv-1") == 1 }, time.Second, time.Millisecond)
	cancel()
	res := <-done
	assert.ErrorIs(t, res.Err, ErrCancelled)
	assert.Nil(t, res.Handle)
	assert.Equal(t, "cancelled", ErrorCode(res.Err))

	close(fetcher.gate)
	assert.Equal(t, 0, loader.Registry().Live())
}

func TestLoadCancelledBeforeStart(t *testing.T) {
	fetcher := &stubFetcher{}
	loader := NewLoader(fetcher, NewRegistry("/r/", 0, nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := loader.Load(ctx, Request{SourceID: "inv-1"})
	assert.ErrorIs(t, res.Err, ErrCancelled)
	assert.Zero(t, fetcher.Calls("inv-1"))
}

func TestConcurrentLoadsShareOneFetch(t *testing.T) {
	fetcher := &stubFetcher{
		files: map[string]Payload{"inv-1": {Content: []byte("%PDF-1.4"), ContentType: "application/pdf"}},
		gated: map[string]bool{"inv-1": true},
		gate:  make(chan struct{}),
	}
	loader := NewLoader(fetcher, NewRegistry("/r/", 0, nil), WithCache(NewMemoryCache(1<<20, 0)))

	const n = 4
	results := make(chan Result, n)
	for i := 0; i < n; i++ {
		go func() { results <- loader.Load(context.Background(), Request{SourceID: "inv-1"}) }()
	}
	require.Eventually(t, func() bool { return fetcher.Calls("inv-1") == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(fetcher.gate)

	var handles []*Handle
	for i := 0; i < n; i++ {
		res := <-results
		require.NoError(t, res.Err)
		handles = append(handles, res.Handle)
	}
	assert.Equal(t, 1, fetcher.Calls("inv-1"))
	assert.Equal(t, n, loader.Registry().Live(), "each handle owns its own reference")

	handles[0].Content()[0] = 'X'
	for _, h := range handles[1:] {
		assert.Equal(t, "%PDF-1.4", string(h.Content()), "bytes are not shared between handles")
	}
	for _, h := range handles {
		h.Dispose()
	}
	assert.Equal(t, 0, loader.Registry().Live())
}

func TestLoadServesFromCache(t *testing.T) {
	fetcher := &stubFetcher{
		files: map[string]Payload{"inv-1": {Content: []byte(`{"a":1}`), ContentType: "application/json"}},
	}
	cache := NewMemoryCache(1<<20, 0)
	loader := NewLoader(fetcher, NewRegistry("/r/", 0, nil), WithCache(cache))

	first := loader.Load(context.Background(), Request{SourceID: "inv-1"})
	require.NoError(t, first.Err)
	assert.False(t, first.Handle.FromCache)

	second := loader.Load(context.Background(), Request{SourceID: "inv-1"})
	require.NoError(t, second.Err)
	assert.True(t, second.Handle.FromCache)
	assert.Equal(t, 1, fetcher.Calls("inv-1"))
	assert.Equal(t, first.Handle.Preview().Text, second.Handle.Preview().Text)
}

func TestLoaderNeverTouchesForeignCacheEntries(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache(1<<20, 0)
	key := CacheKey("inv-1", Credentials{})
	cache.Add(ctx, &Entry{Key: key, Content: []byte("%PDF foreign"), ContentType: "application/pdf", Owner: "someone-else"})
	fetcher := &stubFetcher{
		files: map[string]Payload{"inv-1": {Content: []byte("%PDF mine"), ContentType: "application/pdf"}},
	}
	loader := NewLoader(fetcher, NewRegistry("/r/", 0, nil), WithCache(cache))

	assert.False(t, loader.Invalidate(ctx, "inv-1", Credentials{}))
	entry, ok := cache.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "%PDF foreign", string(entry.Content))

	require.True(t, cache.Remove(ctx, key, "someone-else"))
	require.NoError(t, loader.Warm(ctx, Request{SourceID: "inv-1"}))
	assert.True(t, loader.Invalidate(ctx, "inv-1", Credentials{}))
}

func TestWarmRequiresCache(t *testing.T) {
	loader := NewLoader(&stubFetcher{}, NewRegistry("/r/", 0, nil))
	assert.Error(t, loader.Warm(context.Background(), Request{SourceID: "a"}))
}

func TestFallbackBytesAreNeverCached(t *testing.T) {
	srv, _ := newUpstream(t, map[string]upstreamFile{
		"inv-42": {contentType: "application/pdf", body: "%PDF-1.4 genuine"},
	}, map[string]upstreamFile{
		"inv-42": {contentType: "application/pdf", body: "%PDF-1.4 planted"},
	})
	cache := NewMemoryCache(1<<20, 0)
	loader := newHTTPLoader(srv, WithCache(cache))

	// a bad token forces the fallback
	planted := loader.Load(context.Background(), Request{
		SourceID:    "inv-42",
		PublicURL:   srv.URL + "/public/inv-42",
		Credentials: Credentials{BearerToken: "nope"},
	})
	require.NoError(t, planted.Err)
	require.True(t, planted.Handle.FromFallback)
	planted.Handle.Dispose()
	assert.Equal(t, 0, cache.Len())

	res := loader.Load(context.Background(), authed("inv-42"))
	require.NoError(t, res.Err)
	assert.False(t, res.Handle.FromCache)
	assert.Equal(t, "%PDF-1.4 genuine", string(res.Handle.Content()))
	res.Handle.Dispose()
}

func TestCacheHitsRequireTheFetchingCredential(t *testing.T) {
	srv, _ := newUpstream(t, map[string]upstreamFile{
		"inv-42": {contentType: "application/pdf", body: "%PDF-1.4 private"},
	}, nil)
	loader := newHTTPLoader(srv, WithCache(NewMemoryCache(1<<20, 0)))

	first := loader.Load(context.Background(), authed("inv-42"))
	require.NoError(t, first.Err)
	first.Handle.Dispose()

	again := loader.Load(context.Background(), authed("inv-42"))
	require.NoError(t, again.Err)
	assert.True(t, again.Handle.FromCache)
	again.Handle.Dispose()

	wrong := loader.Load(context.Background(), Request{SourceID: "inv-42", Credentials: Credentials{BearerToken: "wrong"}})
	require.Error(t, wrong.Err)
	assert.Nil(t, wrong.Handle)
	var retrieval *RetrievalError
	assert.True(t, errors.As(wrong.Err, &retrieval))
	assert.Equal(t, 0, loader.Registry().Live())
}

func TestCacheKeyScopesByCredential(t *testing.T) {
	a := CacheKey("inv-1", Credentials{BearerToken: "a"})
	assert.Equal(t, a, CacheKey("inv-1", Credentials{BearerToken: "a"}))
	assert.NotEqual(t, a, CacheKey("inv-1", Credentials{BearerToken: "b"}))
	assert.NotEqual(t, a, CacheKey("inv-2", Credentials{BearerToken: "a"}))
	assert.True(t, strings.HasPrefix(a, "inv-1#"))
	assert.NotContains(t, CacheKey("inv-1", Credentials{BearerToken: "secret-token"}), "secret-token")
}

func TestFallbackRestrictedToAllowedHosts(t *testing.T) {
	srv, _ := newUpstream(t, map[string]upstreamFile{
		"ot-7": {status: http.StatusInternalServerError},
	}, nil)
	elsewhere := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4 internal"))
	}))
	t.Cleanup(elsewhere.Close)

	fetcher := NewHTTPFetcher(srv.URL, "/resources/%s/file/", 5*time.Second, 1<<20)
	loader := NewLoader(fetcher, NewRegistry("/api/refs/", 0, nil))

	assert.True(t, loader.PublicURLAllowed(srv.URL+"/public/ot-7"), "the upstream host is always allowed")
	assert.False(t, loader.PublicURLAllowed(elsewhere.URL+"/ot-7"))
	assert.False(t, loader.PublicURLAllowed("http://169.254.169.254/latest/meta-data/"))
	assert.False(t, loader.PublicURLAllowed("file:///etc/passwd"))

	req := authed("ot-7")
	req.PublicURL = elsewhere.URL + "/ot-7"
	res := loader.Load(context.Background(), req)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, ErrHostNotAllowed)

	fetcher.AllowPublicHosts(strings.TrimPrefix(elsewhere.URL, "http://"))
	assert.True(t, loader.PublicURLAllowed(elsewhere.URL+"/ot-7"))
	res = loader.Load(context.Background(), req)
	require.NoError(t, res.Err)
	assert.True(t, res.Handle.FromFallback)
	res.Handle.Dispose()
}

func TestFallbackRedirectsStayOnAllowedHosts(t *testing.T) {
	internal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("secret"))
	}))
	t.Cleanup(internal.Close)
	srv, _ := newUpstream(t, map[string]upstreamFile{
		"ot-7": {status: http.StatusInternalServerError},
	}, nil)
	redirector := httptest.NewServer(http.RedirectHandler(internal.URL+"/x", http.StatusFound))
	t.Cleanup(redirector.Close)

	fetcher := NewHTTPFetcher(srv.URL, "/resources/%s/file/", 5*time.Second, 1<<20)
	fetcher.AllowPublicHosts(strings.TrimPrefix(redirector.URL, "http://"))
	loader := NewLoader(fetcher, NewRegistry("/api/refs/", 0, nil))

	req := authed("ot-7")
	req.PublicURL = redirector.URL + "/ot-7"
	res := loader.Load(context.Background(), req)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, ErrHostNotAllowed)
}
