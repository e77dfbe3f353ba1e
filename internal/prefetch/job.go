package prefetch

import (
	"context"

	"invoicepreview/internal/blob"
)

// Warmer loads a file into the shared cache. *blob.Loader implements it.
type Warmer interface {
	Warm(ctx context.Context, req blob.Request) error
}

// Job warms one file on behalf of a viewer.
type Job struct {
	ViewerID int64
	Request  blob.Request
}

// Outcome is reported once per dispatched job.
type Outcome struct {
	Job      Job
	WorkerID int
	Err      error
}
