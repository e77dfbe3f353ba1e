package api

import (
	"bytes"
	"mime"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// RefsPath is where references resolve below /api.
	RefsPath = "/refs/"
	// RefsPrefix is the URL prefix the reference registry must be built with.
	RefsPrefix = "/api" + RefsPath
)

// serveReference streams a live reference. Range requests are honoured so
// embedded PDF viewers can read incrementally.
func (h *Handler) serveReference(c *gin.Context) {
	ref, ok := h.loader.Registry().Open(c.Param("ref"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "reference not found"})
		return
	}
	contentType := ref.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	disposition := string(ref.Disposition)
	if ref.FileName != "" {
		if v := mime.FormatMediaType(disposition, map[string]string{"filename": ref.FileName}); v != "" {
			disposition = v
		}
	}
	header := c.Writer.Header()
	header.Set("Content-Type", contentType)
	header.Set("Content-Disposition", disposition)
	header.Set("Cache-Control", "private, no-store")
	header.Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(c.Writer, c.Request, ref.FileName, ref.CreatedAt, bytes.NewReader(ref.Content()))
}
