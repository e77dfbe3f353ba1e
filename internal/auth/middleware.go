package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	viewerIDContextKey  = "auth_viewer_id"
	authTokenContextKey = "auth_token"
	authSourceKey       = "auth_source"
)

type tokenSource string

const (
	sourceBearer tokenSource = "bearer"
	sourceCookie tokenSource = "cookie"
)

// Middleware resolves the viewer behind a bearer header or the auth cookie.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authToken, source := s.extractToken(c)
		if authToken == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		viewerID, err := s.ValidateToken(c.Request.Context(), authToken)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Set(viewerIDContextKey, viewerID)
		c.Set(authTokenContextKey, authToken)
		c.Set(authSourceKey, source)
		c.Next()
	}
}

// CSRFMiddleware requires the double-submit token on state-changing requests
// that authenticated through the cookie. It must run after Middleware.
func (s *Service) CSRFMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}
		if src, _ := c.Get(authSourceKey); src == sourceBearer {
			c.Next()
			return
		}
		headerToken := c.GetHeader(s.csrfHeaderName)
		cookieToken, err := c.Cookie(s.csrfCookieName)
		if err != nil || headerToken == "" ||
			subtle.ConstantTimeCompare([]byte(headerToken), []byte(cookieToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid csrf token"})
			return
		}
		c.Next()
	}
}

// ViewerIDFromContext returns the viewer resolved by Middleware.
func ViewerIDFromContext(c *gin.Context) (int64, bool) {
	val, ok := c.Get(viewerIDContextKey)
	if !ok {
		return 0, false
	}
	viewerID, ok := val.(int64)
	return viewerID, ok
}

// AuthTokenFromContext returns the token the request authenticated with.
func AuthTokenFromContext(c *gin.Context) (string, bool) {
	token := c.GetString(authTokenContextKey)
	return token, token != ""
}

func (s *Service) extractToken(c *gin.Context) (string, tokenSource) {
	authHeader := c.GetHeader(s.headerName)
	if scheme, token, ok := strings.Cut(authHeader, " "); ok && strings.EqualFold(scheme, "bearer") {
		return strings.TrimSpace(token), sourceBearer
	}
	if token, err := c.Cookie(s.cookieName); err == nil && token != "" {
		return token, sourceCookie
	}
	return "", ""
}
