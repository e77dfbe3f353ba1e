package blob

import "errors"

// DownloadAction tells the surface how to save a file.
type DownloadAction struct {
	URL      string
	FileName string
	// Fallback is set when URL points at the original remote location
	// because no reference could be produced.
	Fallback bool
	Err      error
}

// Download resolves the save-to-disk action for h, creating the download
// reference on first use. It never panics and never returns an error value:
// failures travel in the action.
func Download(h *Handle) DownloadAction {
	if h == nil {
		return DownloadAction{Err: errors.New("nothing loaded")}
	}
	action := DownloadAction{FileName: h.FileName}
	ref, err := h.ensureDownloadRef()
	if err == nil && ref != nil {
		action.URL = ref.URL()
		return action
	}
	if h.PublicURL != "" {
		action.URL = h.PublicURL
		action.Fallback = true
		return action
	}
	if err == nil {
		err = errors.New("no downloadable content")
	}
	action.Err = err
	return action
}
