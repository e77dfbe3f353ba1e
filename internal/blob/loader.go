package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Request names a remote file. MediaType and FileName are hints used only to
// pick a rendering strategy; they never skip the fetch.
type Request struct {
	SourceID    string
	MediaType   string
	FileName    string
	PublicURL   string
	Credentials Credentials
}

// Result is the tagged outcome of a load: exactly one of Handle and Err is set.
type Result struct {
	SourceID string
	Handle   *Handle
	Err      error
}

// OK reports whether the load produced a handle.
func (r Result) OK() bool {
	return r.Err == nil && r.Handle != nil
}

// Loader is the single source of truth for the bytes behind remote files.
type Loader struct {
	fetcher Fetcher
	refs    *Registry
	cache   Cache
	log     *zap.Logger
	owner   string
	group   singleflight.Group
}

type LoaderOption func(*Loader)

// WithCache lets the loader skip the network for cached files and fill the
// cache after successful fetches.
func WithCache(c Cache) LoaderOption {
	return func(l *Loader) { l.cache = c }
}

func WithLogger(log *zap.Logger) LoaderOption {
	return func(l *Loader) {
		if log != nil {
			l.log = log
		}
	}
}

// NewLoader builds a loader allocating references from refs.
func NewLoader(fetcher Fetcher, refs *Registry, opts ...LoaderOption) *Loader {
	l := &Loader{
		fetcher: fetcher,
		refs:    refs,
		log:     zap.NewNop(),
		owner:   "loader-" + uuid.NewString(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Registry exposes the reference registry backing this loader.
func (l *Loader) Registry() *Registry {
	return l.refs
}

// Load fetches, classifies and wraps a remote file in a Handle. Cancelling
// ctx withdraws interest: the result is then ErrCancelled and anything the
// load allocated is released.
func (l *Loader) Load(ctx context.Context, req Request) Result {
	res := Result{SourceID: req.SourceID}
	if req.SourceID == "" {
		res.Err = errors.New("source id is required")
		return res
	}
	if ctx.Err() != nil {
		res.Err = ErrCancelled
		return res
	}

	payload, origin, err := l.retrieve(ctx, req)
	if err != nil {
		res.Err = err
		l.log.Info("load failed", zap.String("source_id", req.SourceID), zap.Error(err))
		return res
	}
	if ctx.Err() != nil {
		res.Err = ErrCancelled
		return res
	}

	h := newHandle(l.refs, req.SourceID, payload.Content)
	h.FromCache = origin == originCache
	h.FromFallback = origin == originFallback
	h.PublicURL = req.PublicURL
	h.FileName = payload.FileName
	if h.FileName == "" {
		h.FileName = req.FileName
	}
	declared := payload.ContentType
	if isGeneric(declared) && req.MediaType != "" {
		declared = req.MediaType
	}
	h.Kind, h.ContentType = DetectKind(declared, h.FileName, h.content)
	h.preview, h.viewErr = classify(h.Kind, h.ContentType, h.content)
	if h.viewErr != nil {
		l.log.Debug("preview degraded", zap.String("source_id", req.SourceID), zap.Error(h.viewErr))
	}
	if ctx.Err() != nil {
		res.Err = ErrCancelled
		return res
	}

	if h.preview.NeedsReference {
		if err := h.attachPreview(); err != nil {
			res.Err = err
			return res
		}
	}
	if ctx.Err() != nil {
		h.Dispose()
		res.Err = ErrCancelled
		return res
	}
	res.Handle = h
	return res
}

// Warm fetches a file into the cache without creating a handle.
func (l *Loader) Warm(ctx context.Context, req Request) error {
	if l.cache == nil {
		return errors.New("no cache configured")
	}
	if req.SourceID == "" {
		return errors.New("source id is required")
	}
	_, _, err := l.retrieve(ctx, req)
	return err
}

// Invalidate drops the cache entry for sourceID under creds. Only entries
// this loader created are dropped: entries written by another gateway
// instance, or by this one before a restart, stay until they expire.
func (l *Loader) Invalidate(ctx context.Context, sourceID string, creds Credentials) bool {
	if l.cache == nil {
		return false
	}
	return l.cache.Remove(ctx, CacheKey(sourceID, creds), l.owner)
}

// PublicURLAllowed reports whether the fetcher may fall back to raw. Fetchers
// without a fallback policy allow everything.
func (l *Loader) PublicURLAllowed(raw string) bool {
	if p, ok := l.fetcher.(interface{ PublicURLAllowed(string) bool }); ok {
		return p.PublicURLAllowed(raw)
	}
	return true
}

// CacheKey scopes cached bytes to the credential that fetched them, so a
// viewer only ever gets cache hits for files its own token could read.
func CacheKey(sourceID string, creds Credentials) string {
	sum := sha256.Sum256([]byte(creds.BearerToken))
	return sourceID + "#" + hex.EncodeToString(sum[:16])
}

type origin int

const (
	originNetwork origin = iota
	originFallback
	originCache
)

type fetchOutcome struct {
	payload  *Payload
	fallback bool
}

// retrieve returns bytes owned by the caller. Concurrent retrievals of the
// same file with the same credentials and fallback share one network fetch.
// Bytes served by the fallback location are never cached: that location is
// chosen by the caller.
func (l *Loader) retrieve(ctx context.Context, req Request) (*Payload, origin, error) {
	cacheKey := CacheKey(req.SourceID, req.Credentials)
	if l.cache != nil {
		if entry, ok := l.cache.Get(ctx, cacheKey); ok {
			return &Payload{
				Content:     entry.Content,
				ContentType: entry.ContentType,
				FileName:    entry.FileName,
			}, originCache, nil
		}
	}

	key := cacheKey + "\x00" + req.PublicURL
	ch := l.group.DoChan(key, func() (any, error) {
		// Shared by every waiter, so one waiter's cancellation must not fail the rest.
		fetchCtx := context.WithoutCancel(ctx)
		payload, fallback, err := l.fetcher.Fetch(fetchCtx, req)
		if err != nil {
			return nil, err
		}
		if l.cache != nil && !fallback {
			l.cache.Add(fetchCtx, &Entry{
				Key:         cacheKey,
				Content:     payload.Content,
				ContentType: payload.ContentType,
				FileName:    payload.FileName,
				Owner:       l.owner,
				StoredAt:    time.Now().UTC(),
			})
		}
		return fetchOutcome{payload: payload, fallback: fallback}, nil
	})

	select {
	case <-ctx.Done():
		return nil, originNetwork, ErrCancelled
	case r := <-ch:
		if r.Err != nil {
			return nil, originNetwork, r.Err
		}
		out := r.Val.(fetchOutcome)
		payload := *out.payload
		payload.Content = bytes.Clone(out.payload.Content)
		if out.fallback {
			return &payload, originFallback, nil
		}
		return &payload, originNetwork, nil
	}
}
