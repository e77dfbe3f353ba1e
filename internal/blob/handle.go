package blob

import (
	"sync"
)

// Handle owns one remote file's bytes and any references derived from them.
// Every reference a handle creates is revoked by Dispose.
type Handle struct {
	SourceID    string
	Kind        MediaKind
	ContentType string
	FileName    string
	// PublicURL is the fallback location, used when no reference can be produced.
	PublicURL string
	// FromCache is set when the bytes came from the cache instead of the network.
	FromCache bool
	// FromFallback is set when the primary endpoint failed and the public URL served the bytes.
	FromFallback bool

	content  []byte
	preview  Preview
	viewErr  error
	registry *Registry

	mu          sync.Mutex
	previewRef  *Reference
	downloadRef *Reference
	disposed    bool
}

func newHandle(registry *Registry, sourceID string, content []byte) *Handle {
	return &Handle{SourceID: sourceID, content: content, registry: registry}
}

// Content returns the fetched bytes. Callers must not modify them.
func (h *Handle) Content() []byte {
	return h.content
}

// Size is the length of the fetched content.
func (h *Handle) Size() int {
	return len(h.content)
}

// Preview returns the classification result.
func (h *Handle) Preview() Preview {
	return h.preview
}

// PreviewErr is the decode or unsupported-media error found while classifying.
// It never prevents download.
func (h *Handle) PreviewErr() error {
	return h.viewErr
}

// PreviewRef returns the reference used for inline rendering, if any.
func (h *Handle) PreviewRef() *Reference {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.previewRef
}

// DownloadRef returns the reference used to save the file, if any.
func (h *Handle) DownloadRef() *Reference {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.downloadRef
}

// Disposed reports whether Dispose has run.
func (h *Handle) Disposed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disposed
}

// attachPreview allocates the inline reference. For pdf the same reference
// also serves downloads.
func (h *Handle) attachPreview() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disposed {
		return ErrDisposed
	}
	if h.previewRef != nil {
		return nil
	}
	ref := h.registry.Create(h.SourceID, h.ContentType, h.FileName, DispositionInline, h.content)
	h.previewRef = ref
	if h.Kind == KindPDF {
		h.downloadRef = ref
	}
	return nil
}

// ensureDownloadRef returns the download reference, creating an attachment
// reference on first use.
func (h *Handle) ensureDownloadRef() (*Reference, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disposed {
		return nil, ErrDisposed
	}
	if h.downloadRef != nil {
		return h.downloadRef, nil
	}
	if len(h.content) == 0 {
		return nil, nil
	}
	h.downloadRef = h.registry.Create(h.SourceID, h.ContentType, h.FileName, DispositionAttachment, h.content)
	return h.downloadRef, nil
}

// Dispose revokes every reference the handle owns. An aliased reference is
// revoked once. Calling Dispose again is a no-op.
func (h *Handle) Dispose() {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return
	}
	h.disposed = true
	preview, download := h.previewRef, h.downloadRef
	h.previewRef, h.downloadRef = nil, nil
	h.mu.Unlock()

	if preview != nil {
		h.registry.Revoke(preview.ID)
	}
	if download != nil && download != preview {
		h.registry.Revoke(download.ID)
	}
}
