package models

import "time"

// CachedFile is a file body spooled to disk for reuse across loads.
type CachedFile struct {
	ID          int64     `json:"id"`
	CacheKey    string    `json:"cache_key"`
	FileName    string    `json:"file_name"`
	StoredPath  string    `json:"stored_path"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Owner       string    `json:"owner"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}
