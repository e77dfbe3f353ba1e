package viewer

import (
	"sync"

	"invoicepreview/internal/blob"
)

// viewerState holds the rendering surfaces of one viewer, keyed by pane name.
type viewerState struct {
	mu     sync.Mutex
	panes  map[string]*blob.Surface
	closed bool
}

func newViewerState() *viewerState {
	return &viewerState{panes: make(map[string]*blob.Surface)}
}

// ensurePane returns the pane's surface, creating it when there is room.
func (s *viewerState) ensurePane(name string, loader *blob.Loader) (*blob.Surface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, blob.ErrSurfaceClosed
	}
	if surface, ok := s.panes[name]; ok {
		return surface, nil
	}
	if len(s.panes) >= maxPanes {
		return nil, ErrTooManyPanes
	}
	surface := blob.NewSurface(loader)
	s.panes[name] = surface
	return surface, nil
}

func (s *viewerState) getPane(name string) *blob.Surface {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.panes[name]
}

func (s *viewerState) removePane(name string) *blob.Surface {
	s.mu.Lock()
	defer s.mu.Unlock()
	surface := s.panes[name]
	delete(s.panes, name)
	return surface
}

func (s *viewerState) paneNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.panes))
	for name := range s.panes {
		names = append(names, name)
	}
	return names
}

// reset closes every pane. With final set the state refuses new panes.
func (s *viewerState) reset(final bool) {
	s.mu.Lock()
	panes := s.panes
	s.panes = make(map[string]*blob.Surface)
	if final {
		s.closed = true
	}
	s.mu.Unlock()
	for _, surface := range panes {
		surface.Close()
	}
}
