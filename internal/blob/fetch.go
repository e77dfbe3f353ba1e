package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Credentials authenticate the primary fetch. They are passed per request,
// never read from ambient state.
type Credentials struct {
	BearerToken string
}

// Payload is the raw result of fetching a file.
type Payload struct {
	Content     []byte
	ContentType string
	FileName    string
}

// Fetcher retrieves a file's bytes.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Payload, bool, error)
}

// HTTPFetcher reads files from the back-office REST API and falls back to the
// public location when the API fails.
type HTTPFetcher struct {
	client       *http.Client
	public       *http.Client // fallback fetches; redirects stay on allowed hosts
	baseURL      string
	resourcePath string
	maxBytes     int64
	publicHosts  map[string]struct{}
}

// NewHTTPFetcher builds a fetcher. resourcePath carries one %s for the
// escaped source id, e.g. "/resources/%s/file/".
func NewHTTPFetcher(baseURL, resourcePath string, timeout time.Duration, maxBytes int64) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if resourcePath == "" {
		resourcePath = "/resources/%s/file/"
	}
	f := &HTTPFetcher{
		client:       &http.Client{Timeout: timeout},
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		resourcePath: resourcePath,
		maxBytes:     maxBytes,
		publicHosts:  make(map[string]struct{}),
	}
	f.public = &http.Client{
		Timeout: timeout,
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			if !f.PublicURLAllowed(r.URL.String()) {
				return ErrHostNotAllowed
			}
			return nil
		},
	}
	if u, err := url.Parse(f.baseURL); err == nil && u.Host != "" {
		f.publicHosts[strings.ToLower(u.Host)] = struct{}{}
	}
	return f
}

// AllowPublicHosts adds hosts the fetcher may fall back to. An entry is a
// hostname, matching any port, or host:port. The upstream host is always
// allowed.
func (f *HTTPFetcher) AllowPublicHosts(hosts ...string) {
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			f.publicHosts[h] = struct{}{}
		}
	}
}

// PublicURLAllowed reports whether raw is an http(s) URL on an allowed host.
func (f *HTTPFetcher) PublicURLAllowed(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if _, ok := f.publicHosts[strings.ToLower(u.Host)]; ok {
		return true
	}
	_, ok := f.publicHosts[strings.ToLower(u.Hostname())]
	return ok
}

// ResourceURL builds the primary endpoint for a source id. download asks the
// API for attachment headers.
func (f *HTTPFetcher) ResourceURL(sourceID string, download bool) string {
	u := f.baseURL + fmt.Sprintf(f.resourcePath, url.PathEscape(sourceID))
	if download {
		u += "?download=true"
	}
	return u
}

// Fetch tries the primary endpoint and, only if it fails, the request's
// public URL. The bool result reports whether the fallback served the file.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (*Payload, bool, error) {
	primaryURL := f.ResourceURL(req.SourceID, false)
	payload, primaryErr := f.get(ctx, primaryURL, req.Credentials.BearerToken)
	if primaryErr == nil {
		return payload, false, nil
	}
	if ctx.Err() != nil {
		return nil, false, ErrCancelled
	}
	if req.PublicURL == "" {
		return nil, false, &RetrievalError{SourceID: req.SourceID, Primary: primaryErr}
	}
	if !f.PublicURLAllowed(req.PublicURL) {
		return nil, false, &RetrievalError{SourceID: req.SourceID, Primary: primaryErr, Fallback: ErrHostNotAllowed}
	}
	payload, fallbackErr := f.get(ctx, req.PublicURL, "")
	if fallbackErr == nil {
		return payload, true, nil
	}
	if ctx.Err() != nil {
		return nil, false, ErrCancelled
	}
	return nil, false, &RetrievalError{
		SourceID:    req.SourceID,
		Primary:     primaryErr,
		Fallback:    fallbackErr,
		FallbackURL: req.PublicURL,
	}
}

func (f *HTTPFetcher) get(ctx context.Context, target, token string) (*Payload, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	client := f.public
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
		client = f.client
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URL: target, StatusCode: resp.StatusCode}
	}

	var body io.Reader = resp.Body
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	content, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if f.maxBytes > 0 && int64(len(content)) > f.maxBytes {
		return nil, ErrTooLarge
	}
	return &Payload{
		Content:     content,
		ContentType: resp.Header.Get("Content-Type"),
		FileName:    fileNameFromDisposition(resp.Header.Get("Content-Disposition")),
	}, nil
}

func fileNameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}
