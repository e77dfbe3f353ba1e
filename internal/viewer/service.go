package viewer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"invoicepreview/internal/blob"
	"invoicepreview/internal/models"
)

const (
	maxPanes      = 8
	maxPaneName   = 32
	maxLabelRunes = 120
)

var (
	ErrNotFound     = errors.New("viewer not found")
	ErrInvalidPane  = errors.New("invalid pane name")
	ErrTooManyPanes = errors.New("too many panes")
	ErrTokenMissing = errors.New("upstream token required")
)

// Service keeps viewers and the panes they render documents in. Upstream
// credentials are stored sealed and injected into every load.
type Service struct {
	db     *sql.DB
	loader *blob.Loader
	cipher *TokenCipher
	log    *zap.Logger

	mu      sync.Mutex
	states  map[int64]*viewerState
	deleted map[int64]struct{} // ids are never reused; keeps late opens out
}

func NewService(db *sql.DB, loader *blob.Loader, cipher *TokenCipher, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		db:     db,
		loader: loader,
		cipher: cipher,
		log:    log,
		states:  make(map[int64]*viewerState),
		deleted: make(map[int64]struct{}),
	}
}

// Create registers a viewer holding the given upstream credential.
func (s *Service) Create(ctx context.Context, label, upstreamToken string) (*models.Viewer, error) {
	upstreamToken = strings.TrimSpace(upstreamToken)
	if upstreamToken == "" {
		return nil, ErrTokenMissing
	}
	label = strings.TrimSpace(label)
	if label == "" {
		label = "viewer"
	}
	if r := []rune(label); len(r) > maxLabelRunes {
		label = string(r[:maxLabelRunes])
	}
	sealed, err := s.cipher.Seal(upstreamToken)
	if err != nil {
		return nil, fmt.Errorf("seal upstream token: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO viewers (label, upstream_token, created_at, last_seen_at) VALUES (?, ?, ?, ?)`,
		label, sealed, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert viewer: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("viewer id: %w", err)
	}
	s.log.Info("viewer created", zap.Int64("viewer_id", id))
	return &models.Viewer{ID: id, Label: label, UpstreamToken: sealed, CreatedAt: now, LastSeenAt: now}, nil
}

func (s *Service) Get(ctx context.Context, viewerID int64) (*models.Viewer, error) {
	v := &models.Viewer{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, label, upstream_token, created_at, last_seen_at FROM viewers WHERE id = ?`, viewerID,
	).Scan(&v.ID, &v.Label, &v.UpstreamToken, &v.CreatedAt, &v.LastSeenAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load viewer: %w", err)
	}
	return v, nil
}

// Credentials unseals the viewer's upstream token.
func (s *Service) Credentials(ctx context.Context, viewerID int64) (blob.Credentials, error) {
	v, err := s.Get(ctx, viewerID)
	if err != nil {
		return blob.Credentials{}, err
	}
	token, err := s.cipher.Open(v.UpstreamToken)
	if err != nil {
		return blob.Credentials{}, fmt.Errorf("unseal upstream token: %w", err)
	}
	return blob.Credentials{BearerToken: token}, nil
}

// Open shows req in the named pane, replacing whatever the pane displayed.
// The returned error covers the viewer and pane only; load failures travel
// in the Result.
func (s *Service) Open(ctx context.Context, viewerID int64, pane string, req blob.Request) (blob.Result, error) {
	if err := validatePane(pane); err != nil {
		return blob.Result{}, err
	}
	creds, err := s.Credentials(ctx, viewerID)
	if err != nil {
		return blob.Result{}, err
	}
	state, err := s.ensureState(viewerID)
	if err != nil {
		return blob.Result{}, err
	}
	surface, err := state.ensurePane(pane, s.loader)
	if err != nil {
		return blob.Result{}, err
	}
	req.Credentials = creds
	s.touch(ctx, viewerID)

	res := surface.Show(ctx, req)
	if res.Err != nil && !errors.Is(res.Err, blob.ErrCancelled) {
		s.log.Info("pane load failed",
			zap.Int64("viewer_id", viewerID),
			zap.String("pane", pane),
			zap.String("source_id", req.SourceID),
			zap.Error(res.Err),
		)
	}
	return res, nil
}

// Pane returns what the named pane currently displays.
func (s *Service) Pane(viewerID int64, pane string) (blob.Result, bool) {
	state := s.getState(viewerID)
	if state == nil {
		return blob.Result{}, false
	}
	surface := state.getPane(pane)
	if surface == nil {
		return blob.Result{}, false
	}
	res := surface.Current()
	if res.Handle == nil && res.Err == nil {
		return res, false
	}
	return res, true
}

// Panes lists the viewer's open pane names in order.
func (s *Service) Panes(viewerID int64) []string {
	state := s.getState(viewerID)
	if state == nil {
		return nil
	}
	names := state.paneNames()
	sort.Strings(names)
	return names
}

// ClosePane releases the pane's document. Closing an unknown pane is a no-op.
func (s *Service) ClosePane(viewerID int64, pane string) {
	state := s.getState(viewerID)
	if state == nil {
		return
	}
	if surface := state.removePane(pane); surface != nil {
		surface.Close()
	}
}

// Download resolves the save action for the pane's document. The bool is
// false when the pane shows nothing.
func (s *Service) Download(viewerID int64, pane string) (blob.DownloadAction, bool) {
	res, ok := s.Pane(viewerID, pane)
	if !ok || res.Handle == nil {
		return blob.DownloadAction{}, false
	}
	return blob.Download(res.Handle), true
}

// Reset closes every pane of the viewer, keeping the viewer itself.
func (s *Service) Reset(viewerID int64) {
	if state := s.getState(viewerID); state != nil {
		state.reset(false)
	}
}

// Delete tears the viewer down and removes it with its tokens.
func (s *Service) Delete(ctx context.Context, viewerID int64) error {
	s.mu.Lock()
	state := s.states[viewerID]
	delete(s.states, viewerID)
	s.deleted[viewerID] = struct{}{}
	s.mu.Unlock()
	if state != nil {
		state.reset(true)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM viewers WHERE id = ?`, viewerID)
	if err != nil {
		s.mu.Lock()
		delete(s.deleted, viewerID)
		s.mu.Unlock()
		return fmt.Errorf("delete viewer: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	s.log.Info("viewer deleted", zap.Int64("viewer_id", viewerID))
	return nil
}

// Shutdown closes the panes of every viewer.
func (s *Service) Shutdown() {
	s.mu.Lock()
	states := s.states
	s.states = make(map[int64]*viewerState)
	s.mu.Unlock()
	for _, state := range states {
		state.reset(true)
	}
}

// ensureState refuses viewers deleted after the caller looked them up.
func (s *Service) ensureState(viewerID int64) (*viewerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, gone := s.deleted[viewerID]; gone {
		return nil, ErrNotFound
	}
	if state, ok := s.states[viewerID]; ok {
		return state, nil
	}
	state := newViewerState()
	s.states[viewerID] = state
	return state, nil
}

func (s *Service) getState(viewerID int64) *viewerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[viewerID]
}

func (s *Service) touch(ctx context.Context, viewerID int64) {
	if _, err := s.db.ExecContext(ctx, `UPDATE viewers SET last_seen_at = ? WHERE id = ?`, time.Now().UTC(), viewerID); err != nil {
		s.log.Debug("touch viewer failed", zap.Int64("viewer_id", viewerID), zap.Error(err))
	}
}

func validatePane(name string) error {
	if name == "" || len(name) > maxPaneName {
		return ErrInvalidPane
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return ErrInvalidPane
		}
	}
	return nil
}
