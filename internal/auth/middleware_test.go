package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newAuthRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	group := r.Group("/", svc.Middleware(), svc.CSRFMiddleware())
	handler := func(c *gin.Context) {
		id, _ := ViewerIDFromContext(c)
		c.JSON(http.StatusOK, gin.H{"viewer_id": id})
	}
	group.GET("/ping", handler)
	group.POST("/ping", handler)
	return r
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	r := newAuthRouter(NewService(db, nil, time.Hour))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestMiddlewareAcceptsBearerAndCookie(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	insertViewer(t, db, 3)
	svc := NewService(db, nil, time.Hour)
	token, err := svc.IssueToken(context.Background(), 3)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	r := newAuthRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/ping", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("bearer request: expected 200, got %d (%s)", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.AddCookie(&http.Cookie{Name: svc.AuthCookieName(), Value: token})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("cookie request: expected 200, got %d", w.Code)
	}
}

func TestCSRFRequiredForCookiePost(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	insertViewer(t, db, 4)
	svc := NewService(db, nil, time.Hour)
	token, err := svc.IssueToken(context.Background(), 4)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	r := newAuthRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/ping", nil)
	req.AddCookie(&http.Cookie{Name: svc.AuthCookieName(), Value: token})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without csrf token, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/ping", nil)
	req.AddCookie(&http.Cookie{Name: svc.AuthCookieName(), Value: token})
	req.AddCookie(&http.Cookie{Name: svc.CSRFCookieName(), Value: "abc"})
	req.Header.Set(svc.CSRFHeaderName(), "abc")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with matching csrf token, got %d", w.Code)
	}
}

func TestBearerHeaderCannotSkipCSRFWithCookieSession(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	insertViewer(t, db, 5)
	svc := NewService(db, nil, time.Hour)
	token, err := svc.IssueToken(context.Background(), 5)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	r := newAuthRouter(svc)

	// a bogus bearer header wins over the cookie and fails authentication
	req := httptest.NewRequest(http.MethodPost, "/ping", nil)
	req.Header.Set("Authorization", "Bearer forged")
	req.AddCookie(&http.Cookie{Name: svc.AuthCookieName(), Value: token})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}
