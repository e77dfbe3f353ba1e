package blob

import (
	"context"
	"errors"
	"sync"
)

// ErrSurfaceClosed is returned by Show after Close.
var ErrSurfaceClosed = errors.New("surface closed")

// Surface is one place in a view that displays a single file at a time,
// such as the document pane of an invoice screen. Showing a new file cancels
// interest in the previous load and releases the previous handle.
type Surface struct {
	loader *Loader

	mu      sync.Mutex
	gen     uint64
	cancel  context.CancelFunc
	current Result
	closed  bool
}

func NewSurface(loader *Loader) *Surface {
	return &Surface{loader: loader}
}

// Show loads req and makes it the displayed file. If another Show starts
// before this one finishes, this one resolves to ErrCancelled and whatever it
// allocated is released.
func (s *Surface) Show(ctx context.Context, req Request) Result {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Result{SourceID: req.SourceID, Err: ErrSurfaceClosed}
	}
	prev := s.detachLocked()
	s.gen++
	gen := s.gen
	loadCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	prev.Dispose()
	res := s.loader.Load(loadCtx, req)

	s.mu.Lock()
	defer s.mu.Unlock()
	cancel()
	if gen != s.gen || s.closed {
		res.Handle.Dispose()
		return Result{SourceID: req.SourceID, Err: ErrCancelled}
	}
	s.cancel = nil
	s.current = res
	return res
}

// Current returns the displayed result. It is zero when nothing is shown.
func (s *Surface) Current() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Clear stops any pending load and releases the displayed handle.
func (s *Surface) Clear() {
	s.mu.Lock()
	prev := s.detachLocked()
	s.gen++
	s.mu.Unlock()
	prev.Dispose()
}

// Close clears the surface and refuses further loads. It is idempotent.
func (s *Surface) Close() {
	s.mu.Lock()
	s.closed = true
	prev := s.detachLocked()
	s.gen++
	s.mu.Unlock()
	prev.Dispose()
}

func (s *Surface) detachLocked() *Handle {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	prev := s.current.Handle
	s.current = Result{}
	return prev
}
