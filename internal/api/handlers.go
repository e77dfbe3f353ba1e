package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"invoicepreview/internal/auth"
	"invoicepreview/internal/blob"
	"invoicepreview/internal/pattern"
	"invoicepreview/internal/prefetch"
	"invoicepreview/internal/viewer"
)

const maxPrefetchBatch = 50

// Prefetcher queues cache warm-ups for a viewer.
type Prefetcher interface {
	Submit(job prefetch.Job) error
	CancelViewer(viewerID int64) int
	Pending() int
}

// Handler wires HTTP routes to the viewer service and the blob loader.
type Handler struct {
	viewers  *viewer.Service
	auth     *auth.Service
	loader   *blob.Loader
	prefetch Prefetcher
	log      *zap.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(viewers *viewer.Service, authService *auth.Service, loader *blob.Loader, prefetcher Prefetcher, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		viewers:  viewers,
		auth:     authService,
		loader:   loader,
		prefetch: prefetcher,
		log:      log,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.health)

	api := router.Group("/api")
	api.POST("/viewers", h.createViewer)
	// references are capabilities: frames load them without credentials
	api.GET(RefsPath+":ref", h.serveReference)
	api.HEAD(RefsPath+":ref", h.serveReference)

	authMW := h.auth.Middleware()
	viewerRoutes := api.Group("/viewers/:id")
	viewerRoutes.Use(authMW, h.requirePathViewer(), h.auth.CSRFMiddleware())
	viewerRoutes.DELETE("", h.deleteViewer)
	viewerRoutes.POST("/logout", h.logoutViewer)
	viewerRoutes.GET("/panes", h.listPanes)
	viewerRoutes.POST("/panes/:pane/open", h.openPane)
	viewerRoutes.GET("/panes/:pane", h.getPane)
	viewerRoutes.DELETE("/panes/:pane", h.closePane)
	viewerRoutes.POST("/panes/:pane/download", h.downloadPane)
	viewerRoutes.POST("/reset", h.resetViewer)
	viewerRoutes.POST("/prefetch", h.prefetchFiles)

	tools := api.Group("", authMW, h.auth.CSRFMiddleware())
	tools.POST("/patterns/test", h.testPattern)
	tools.POST("/resources/:id/invalidate", h.invalidateResource)
}

// check token viewerID is match with param viewerID
func (h *Handler) requirePathViewer() gin.HandlerFunc {
	return func(c *gin.Context) {
		viewerID, ok := auth.ViewerIDFromContext(c)
		if !ok || viewerID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		paramID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || paramID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid viewer id"})
			return
		}
		if paramID != viewerID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "viewer mismatch"})
			return
		}
		c.Next()
	}
}

func (h *Handler) authorizedViewerID(c *gin.Context) (int64, bool) {
	viewerID, ok := auth.ViewerIDFromContext(c)
	if !ok || viewerID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return viewerID, true
}

func (h *Handler) health(c *gin.Context) {
	created, revoked := h.loader.Registry().Stats()
	body := gin.H{
		"status":       "ok",
		"live_refs":    h.loader.Registry().Live(),
		"refs_created": created,
		"refs_revoked": revoked,
	}
	if h.prefetch != nil {
		body["prefetch_pending"] = h.prefetch.Pending()
	}
	c.JSON(http.StatusOK, body)
}

type createViewerRequest struct {
	Label         string `json:"label"`
	UpstreamToken string `json:"upstream_token"`
}

func (h *Handler) createViewer(c *gin.Context) {
	var req createViewerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	v, err := h.viewers.Create(c.Request.Context(), req.Label, req.UpstreamToken)
	if err != nil {
		if errors.Is(err, viewer.ErrTokenMissing) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.log.Error("create viewer failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create viewer failed"})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), v.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusCreated, gin.H{
		"viewer_id":  v.ID,
		"label":      v.Label,
		"created_at": v.CreatedAt,
		"auth_token": authToken,
	})
}

func (h *Handler) deleteViewer(c *gin.Context) {
	viewerID, ok := h.authorizedViewerID(c)
	if !ok {
		return
	}
	if err := h.auth.RevokeViewerTokens(c.Request.Context(), viewerID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if h.prefetch != nil {
		h.prefetch.CancelViewer(viewerID)
	}
	if err := h.viewers.Delete(c.Request.Context(), viewerID); err != nil {
		if errors.Is(err, viewer.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "viewer not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) logoutViewer(c *gin.Context) {
	viewerID, ok := h.authorizedViewerID(c)
	if !ok {
		return
	}
	h.viewers.Reset(viewerID)
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) resetViewer(c *gin.Context) {
	viewerID, ok := h.authorizedViewerID(c)
	if !ok {
		return
	}
	h.viewers.Reset(viewerID)
	c.Status(http.StatusNoContent)
}

func (h *Handler) listPanes(c *gin.Context) {
	viewerID, ok := h.authorizedViewerID(c)
	if !ok {
		return
	}
	names := h.viewers.Panes(viewerID)
	panes := make([]previewState, 0, len(names))
	for _, name := range names {
		if res, ok := h.viewers.Pane(viewerID, name); ok {
			state := stateFromResult(res)
			state.Pane = name
			panes = append(panes, state)
		}
	}
	c.JSON(http.StatusOK, gin.H{"panes": panes})
}

type openPaneRequest struct {
	SourceID  string `json:"source_id"`
	MediaType string `json:"media_type"`
	FileName  string `json:"file_name"`
	PublicURL string `json:"public_url"`
}

func (h *Handler) openPane(c *gin.Context) {
	viewerID, ok := h.authorizedViewerID(c)
	if !ok {
		return
	}
	var req openPaneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	sourceID := strings.TrimSpace(req.SourceID)
	if sourceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source_id is required"})
		return
	}
	if req.PublicURL != "" && !isHTTPURL(req.PublicURL) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "public_url must be an http(s) url"})
		return
	}
	if req.PublicURL != "" && !h.loader.PublicURLAllowed(req.PublicURL) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "public_url host is not allowed"})
		return
	}
	pane := c.Param("pane")
	res, err := h.viewers.Open(c.Request.Context(), viewerID, pane, blob.Request{
		SourceID:  sourceID,
		MediaType: strings.TrimSpace(req.MediaType),
		FileName:  strings.TrimSpace(req.FileName),
		PublicURL: req.PublicURL,
	})
	if err != nil {
		h.writeViewerError(c, err)
		return
	}
	state := stateFromResult(res)
	state.Pane = pane
	c.JSON(http.StatusOK, state)
}

func (h *Handler) getPane(c *gin.Context) {
	viewerID, ok := h.authorizedViewerID(c)
	if !ok {
		return
	}
	pane := c.Param("pane")
	res, ok := h.viewers.Pane(viewerID, pane)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "pane is empty"})
		return
	}
	state := stateFromResult(res)
	state.Pane = pane
	c.JSON(http.StatusOK, state)
}

func (h *Handler) closePane(c *gin.Context) {
	viewerID, ok := h.authorizedViewerID(c)
	if !ok {
		return
	}
	h.viewers.ClosePane(viewerID, c.Param("pane"))
	c.Status(http.StatusNoContent)
}

func (h *Handler) downloadPane(c *gin.Context) {
	viewerID, ok := h.authorizedViewerID(c)
	if !ok {
		return
	}
	action, ok := h.viewers.Download(viewerID, c.Param("pane"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "nothing loaded"})
		return
	}
	body := gin.H{
		"url":       action.URL,
		"file_name": action.FileName,
		"fallback":  action.Fallback,
	}
	if action.Err != nil {
		body["error"] = action.Err.Error()
	}
	c.JSON(http.StatusOK, body)
}

type prefetchRequest struct {
	SourceIDs []string `json:"source_ids"`
}

func (h *Handler) prefetchFiles(c *gin.Context) {
	viewerID, ok := h.authorizedViewerID(c)
	if !ok {
		return
	}
	if h.prefetch == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "prefetch disabled"})
		return
	}
	var req prefetchRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.SourceIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source_ids is required"})
		return
	}
	if len(req.SourceIDs) > maxPrefetchBatch {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many source_ids"})
		return
	}
	creds, err := h.viewers.Credentials(c.Request.Context(), viewerID)
	if err != nil {
		h.writeViewerError(c, err)
		return
	}
	accepted := 0
	for _, id := range req.SourceIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		err := h.prefetch.Submit(prefetch.Job{
			ViewerID: viewerID,
			Request:  blob.Request{SourceID: id, Credentials: creds},
		})
		if err != nil {
			if accepted == 0 {
				c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
				return
			}
			break
		}
		accepted++
	}
	c.JSON(http.StatusAccepted, gin.H{
		"accepted": accepted,
		"dropped":  len(req.SourceIDs) - accepted,
	})
}

type patternRequest struct {
	Pattern string `json:"pattern"`
	Flags   string `json:"flags"`
	Text    string `json:"text"`
}

func (h *Handler) testPattern(c *gin.Context) {
	var req patternRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	probe, err := pattern.Compile(req.Pattern, req.Flags)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	match, err := probe.Exec(req.Text)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, match)
}

// invalidateResource drops the caller's cached copy of a file. Only entries
// written by this instance are dropped; "invalidated" is false when nothing
// matched, including entries owned by another instance.
func (h *Handler) invalidateResource(c *gin.Context) {
	viewerID, ok := h.authorizedViewerID(c)
	if !ok {
		return
	}
	sourceID := strings.TrimSpace(c.Param("id"))
	if sourceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid resource id"})
		return
	}
	creds, err := h.viewers.Credentials(c.Request.Context(), viewerID)
	if err != nil {
		h.writeViewerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"source_id":   sourceID,
		"invalidated": h.loader.Invalidate(c.Request.Context(), sourceID, creds),
	})
}

func (h *Handler) writeViewerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, viewer.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "viewer not found"})
	case errors.Is(err, viewer.ErrInvalidPane):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, viewer.ErrTooManyPanes), errors.Is(err, blob.ErrSurfaceClosed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.log.Error("viewer request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}

func isHTTPURL(raw string) bool {
	lower := strings.ToLower(raw)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
