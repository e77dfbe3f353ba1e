package blob

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Disposition says whether a reference renders in place or saves to disk.
type Disposition string

const (
	DispositionInline     Disposition = "inline"
	DispositionAttachment Disposition = "attachment"
)

// Reference is a transient, revocable URL for a handle's bytes. It plays the
// role an object URL plays in a browser: cheap to hand out, useless once revoked.
type Reference struct {
	ID          string
	SourceID    string
	ContentType string
	FileName    string
	Disposition Disposition
	CreatedAt   time.Time

	content []byte
	prefix  string
}

// URL is the path the rendering surface uses to reach the bytes.
func (r *Reference) URL() string {
	return r.prefix + r.ID
}

// Content returns the referenced bytes. Callers must not modify them.
func (r *Reference) Content() []byte {
	return r.content
}

// Registry hands out and revokes transient references.
type Registry struct {
	mu      sync.RWMutex
	refs    map[string]*Reference
	prefix  string
	maxAge  time.Duration
	log     *zap.Logger
	created int64
	revoked int64
}

// NewRegistry builds a registry whose references resolve under prefix.
// References older than maxAge are revoked by Sweep; zero disables expiry.
func NewRegistry(prefix string, maxAge time.Duration, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		refs:   make(map[string]*Reference),
		prefix: prefix,
		maxAge: maxAge,
		log:    log,
	}
}

// Create allocates a reference to content.
func (r *Registry) Create(sourceID, contentType, fileName string, disposition Disposition, content []byte) *Reference {
	ref := &Reference{
		ID:          uuid.NewString(),
		SourceID:    sourceID,
		ContentType: contentType,
		FileName:    fileName,
		Disposition: disposition,
		CreatedAt:   time.Now(),
		content:     content,
		prefix:      r.prefix,
	}
	r.mu.Lock()
	r.refs[ref.ID] = ref
	r.created++
	r.mu.Unlock()
	return ref
}

// Open resolves a live reference.
func (r *Registry) Open(id string) (*Reference, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.refs[id]
	return ref, ok
}

// Revoke releases a reference. It reports whether the reference was live.
func (r *Registry) Revoke(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.refs[id]; !ok {
		return false
	}
	delete(r.refs, id)
	r.revoked++
	return true
}

// Live reports how many references are currently allocated.
func (r *Registry) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.refs)
}

// Stats reports lifetime allocation counters.
func (r *Registry) Stats() (created, revoked int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.created, r.revoked
}

// Sweep revokes references older than the registry's max age and returns
// how many were dropped. Owners that later dispose them see a no-op.
func (r *Registry) Sweep(now time.Time) int {
	if r.maxAge <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for id, ref := range r.refs {
		if now.Sub(ref.CreatedAt) >= r.maxAge {
			delete(r.refs, id)
			r.revoked++
			dropped++
		}
	}
	return dropped
}

// StartSweeper runs Sweep every interval until ctx is done.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	if r.maxAge <= 0 {
		return
	}
	if interval <= 0 {
		interval = r.maxAge / 2
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := r.Sweep(now); n > 0 {
					r.log.Warn("revoked expired references", zap.Int("count", n))
				}
			}
		}
	}()
}
