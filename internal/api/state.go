package api

import (
	"errors"

	"invoicepreview/internal/blob"
)

// previewState is what a pane shows. Load failures are part of the state,
// never an HTTP error.
type previewState struct {
	Pane         string      `json:"pane,omitempty"`
	SourceID     string      `json:"source_id"`
	Kind         string      `json:"kind,omitempty"`
	Strategy     string      `json:"strategy,omitempty"`
	ContentType  string      `json:"content_type,omitempty"`
	FileName     string      `json:"file_name,omitempty"`
	Size         int         `json:"size"`
	PreviewURL   string      `json:"preview_url,omitempty"`
	DownloadURL  string      `json:"download_url,omitempty"`
	Text         string      `json:"text,omitempty"`
	NoPreview    bool        `json:"no_preview"`
	FromCache    bool        `json:"from_cache"`
	FromFallback bool        `json:"from_fallback"`
	Error        *stateError `json:"error,omitempty"`
}

type stateError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	FallbackURL string `json:"fallback_url,omitempty"`
}

const (
	msgDecode      = "El archivo no tiene un formato válido"
	msgUnsupported = "Vista previa no disponible"
	msgCancelled   = "Carga cancelada"
	msgInternal    = "Ocurrió un error inesperado"
)

func stateFromResult(res blob.Result) previewState {
	state := previewState{SourceID: res.SourceID}
	if res.Err != nil {
		state.Error = newStateError(res.Err)
		return state
	}
	h := res.Handle
	p := h.Preview()
	state.SourceID = h.SourceID
	state.Kind = string(h.Kind)
	state.Strategy = string(p.Strategy)
	state.ContentType = h.ContentType
	state.FileName = h.FileName
	state.Size = h.Size()
	state.Text = p.Text
	state.NoPreview = p.NoPreview
	state.FromCache = h.FromCache
	state.FromFallback = h.FromFallback
	if ref := h.PreviewRef(); ref != nil {
		state.PreviewURL = ref.URL()
	}
	if ref := h.DownloadRef(); ref != nil {
		state.DownloadURL = ref.URL()
	}
	if err := h.PreviewErr(); err != nil {
		state.Error = newStateError(err)
		if state.Error.FallbackURL == "" {
			state.Error.FallbackURL = h.PublicURL
		}
	}
	return state
}

func newStateError(err error) *stateError {
	out := &stateError{Code: blob.ErrorCode(err)}
	var retrieval *blob.RetrievalError
	switch out.Code {
	case "retrieval_error":
		out.Message = blob.RetrievalMessage
		if errors.As(err, &retrieval) {
			out.FallbackURL = retrieval.FallbackURL
		}
	case "decode_error":
		out.Message = msgDecode
	case "unsupported_media":
		out.Message = msgUnsupported
	case "cancelled":
		out.Message = msgCancelled
	default:
		out.Message = msgInternal
	}
	return out
}
