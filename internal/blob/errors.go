package blob

import (
	"errors"
	"fmt"
)

// RetrievalMessage is what the viewer shows when no location served the file.
const RetrievalMessage = "No pudimos cargar el archivo"

var (
	// ErrCancelled is returned when interest in a load was withdrawn before it finished.
	ErrCancelled = errors.New("load cancelled")
	// ErrDisposed is returned when a reference is requested from a disposed handle.
	ErrDisposed = errors.New("handle disposed")
	// ErrTooLarge is returned when a body exceeds the configured size limit.
	ErrTooLarge = errors.New("file too large")
	// ErrHostNotAllowed is returned for a public URL outside the allowed hosts.
	ErrHostNotAllowed = errors.New("public url host not allowed")
)

// RetrievalError reports that neither the primary endpoint nor the fallback
// location produced the file.
type RetrievalError struct {
	SourceID    string
	Primary     error
	Fallback    error
	FallbackURL string
}

func (e *RetrievalError) Error() string {
	if e.Fallback != nil {
		return fmt.Sprintf("retrieve %s: primary: %v; fallback: %v", e.SourceID, e.Primary, e.Fallback)
	}
	return fmt.Sprintf("retrieve %s: %v", e.SourceID, e.Primary)
}

func (e *RetrievalError) Unwrap() []error {
	var errs []error
	if e.Primary != nil {
		errs = append(errs, e.Primary)
	}
	if e.Fallback != nil {
		errs = append(errs, e.Fallback)
	}
	return errs
}

// DecodeError reports bytes that claim a structured format but do not parse.
type DecodeError struct {
	Kind MediaKind
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// UnsupportedMediaError reports a media kind without an inline renderer.
type UnsupportedMediaError struct {
	ContentType string
}

func (e *UnsupportedMediaError) Error() string {
	if e.ContentType == "" {
		return "no preview available"
	}
	return fmt.Sprintf("no preview available for %s", e.ContentType)
}

// StatusError is an unexpected HTTP status from a file location.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// ErrorCode is the short identifier surfaced to viewers.
func ErrorCode(err error) string {
	var (
		retrieval   *RetrievalError
		decode      *DecodeError
		unsupported *UnsupportedMediaError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.As(err, &retrieval):
		return "retrieval_error"
	case errors.As(err, &decode):
		return "decode_error"
	case errors.As(err, &unsupported):
		return "unsupported_media"
	default:
		return "internal_error"
	}
}
