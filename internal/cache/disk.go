package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"invoicepreview/internal/blob"
	"invoicepreview/internal/models"
)

const (
	DefaultDiskTTL           = 30 * time.Minute
	DefaultDiskCleanInterval = 10 * time.Minute
)

// DiskCache spools file bodies under dir and tracks them in the
// cached_files table. Expired entries are removed by the cleaner.
type DiskCache struct {
	db  *sql.DB
	dir string
	ttl time.Duration
	log *zap.Logger
	now func() time.Time
}

var _ blob.Cache = (*DiskCache)(nil)

func NewDiskCache(db *sql.DB, dir string, ttl time.Duration, log *zap.Logger) *DiskCache {
	if ttl <= 0 {
		ttl = DefaultDiskTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DiskCache{db: db, dir: dir, ttl: ttl, log: log, now: func() time.Time { return time.Now().UTC() }}
}

func (c *DiskCache) Get(ctx context.Context, key string) (*blob.Entry, bool) {
	rec, err := c.lookup(ctx, key)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			c.log.Warn("disk cache lookup failed", zap.String("cache_key", key), zap.Error(err))
		}
		return nil, false
	}
	if !c.now().Before(rec.ExpiresAt) {
		return nil, false
	}
	content, err := os.ReadFile(rec.StoredPath)
	if err != nil {
		c.log.Warn("disk cache read failed", zap.String("path", rec.StoredPath), zap.Error(err))
		return nil, false
	}
	return &blob.Entry{
		Key:         rec.CacheKey,
		Content:     content,
		ContentType: rec.ContentType,
		FileName:    rec.FileName,
		Owner:       rec.Owner,
		StoredAt:    rec.CreatedAt,
	}, true
}

func (c *DiskCache) Add(ctx context.Context, entry *blob.Entry) bool {
	if entry == nil || entry.Key == "" {
		return false
	}
	if rec, err := c.lookup(ctx, entry.Key); err == nil {
		if c.now().Before(rec.ExpiresAt) {
			return false
		}
		c.drop(ctx, rec)
	}

	path := c.pathFor(entry.Key)
	if err := writeFileAtomic(path, entry.Content); err != nil {
		c.log.Warn("disk cache write failed", zap.String("cache_key", entry.Key), zap.Error(err))
		return false
	}
	now := c.now()
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO cached_files (cache_key, file_name, stored_path, content_type, size, owner, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Key, entry.FileName, path, entry.ContentType, len(entry.Content), entry.Owner, now, now.Add(c.ttl),
	)
	if err != nil {
		// lost the race to a concurrent Add of the same source
		_ = os.Remove(path)
		return false
	}
	return true
}

func (c *DiskCache) Remove(ctx context.Context, key, owner string) bool {
	rec, err := c.lookup(ctx, key)
	if err != nil {
		return false
	}
	if owner != "" && rec.Owner != owner {
		return false
	}
	return c.drop(ctx, rec) == nil
}

// StartCleaner removes expired entries every interval until ctx is done.
func (c *DiskCache) StartCleaner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultDiskCleanInterval
	}
	go c.cleanupLoop(ctx, interval)
}

func (c *DiskCache) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.CleanupExpired(ctx); err != nil {
				c.log.Warn("cleanup cached files failed", zap.Error(err))
			}
		}
	}
}

// CleanupExpired removes every expired entry and returns how many went.
func (c *DiskCache) CleanupExpired(ctx context.Context) (int, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, cache_key, stored_path FROM cached_files WHERE expires_at <= ?`, c.now())
	if err != nil {
		return 0, err
	}
	var expired []*models.CachedFile
	for rows.Next() {
		rec := &models.CachedFile{}
		if err := rows.Scan(&rec.ID, &rec.CacheKey, &rec.StoredPath); err != nil {
			rows.Close()
			return 0, err
		}
		expired = append(expired, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	removed := 0
	for _, rec := range expired {
		if err := c.drop(ctx, rec); err != nil {
			c.log.Warn("remove cached file failed", zap.String("path", rec.StoredPath), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

func (c *DiskCache) lookup(ctx context.Context, key string) (*models.CachedFile, error) {
	rec := &models.CachedFile{}
	err := c.db.QueryRowContext(ctx,
		`SELECT id, cache_key, file_name, stored_path, content_type, size, owner, created_at, expires_at
		 FROM cached_files WHERE cache_key = ?`, key,
	).Scan(&rec.ID, &rec.CacheKey, &rec.FileName, &rec.StoredPath, &rec.ContentType, &rec.Size, &rec.Owner, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *DiskCache) drop(ctx context.Context, rec *models.CachedFile) error {
	if err := os.Remove(rec.StoredPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM cached_files WHERE id = ?`, rec.ID); err != nil {
		return fmt.Errorf("delete cached file record: %w", err)
	}
	return nil
}

// pathFor spreads files over 256 directories. The random suffix keeps a
// concurrent Add of the same key from clobbering the winner's file.
func (c *DiskCache) pathFor(key string) string {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(c.dir, name[:2], name+"-"+uuid.NewString()[:8])
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
