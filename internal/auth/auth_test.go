package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/alexpierre9/choir-voice-player/internal/config"
)

func newTestRouter(t *testing.T) (*gin.Engine, *Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	cfg := &config.Config{
		AppUsername:     "director",
		AppPasswordHash: string(hash),
		SessionSecret:   "0123456789abcdef0123456789abcdef",
	}
	m := NewManager(cfg, nil)

	r := gin.New()
	r.Use(sessions.Sessions(SessionCookieName, cookie.NewStore([]byte(cfg.SessionSecret))))
	r.POST("/api/auth/login", m.Login)
	r.POST("/api/auth/logout", m.Logout)

	api := r.Group("/api", m.RequireLogin(), m.VerifyCSRF())
	api.GET("/auth/session", m.Session)
	api.GET("/whoami", func(c *gin.Context) { c.String(http.StatusOK, OwnerKey(c)) })
	api.POST("/scores", func(c *gin.Context) { c.Status(http.StatusAccepted) })
	return r, m
}

func doRequest(r http.Handler, method, path, body string, cookies []*http.Cookie, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "192.0.2.10:4321"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, r http.Handler) ([]*http.Cookie, string) {
	t.Helper()
	rec := doRequest(r, http.MethodPost, "/api/auth/login", `{"username":"director","password":"s3cret"}`, nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("login failed: %d %s", rec.Code, rec.Body.String())
	}
	token := rec.Header().Get(CSRFHeader)
	if token == "" {
		t.Fatal("login should return a CSRF token")
	}
	return rec.Result().Cookies(), token
}

func TestLoginResolvesOwnerKey(t *testing.T) {
	r, _ := newTestRouter(t)
	cookies, _ := login(t, r)

	rec := doRequest(r, http.MethodGet, "/api/whoami", "", cookies, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "director" {
		t.Fatalf("unexpected whoami: %d %q", rec.Code, rec.Body.String())
	}
}

func TestRequireLoginRejectsAnonymous(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doRequest(r, http.MethodGet, "/api/whoami", "", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "UNAUTHORIZED") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestVerifyCSRF(t *testing.T) {
	r, _ := newTestRouter(t)
	cookies, token := login(t, r)

	rec := doRequest(r, http.MethodPost, "/api/scores", "", cookies, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("missing token should be rejected, got %d", rec.Code)
	}
	rec = doRequest(r, http.MethodPost, "/api/scores", "", cookies, http.Header{CSRFHeader: {"wrong"}})
	if rec.Code != http.StatusForbidden || !strings.Contains(rec.Body.String(), "CSRF_INVALID") {
		t.Fatalf("wrong token should be rejected, got %d %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(r, http.MethodPost, "/api/scores", "", cookies, http.Header{CSRFHeader: {token}})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("valid token should pass, got %d", rec.Code)
	}
}

func TestSessionReturnsCSRFToken(t *testing.T) {
	r, _ := newTestRouter(t)
	cookies, token := login(t, r)

	rec := doRequest(r, http.MethodGet, "/api/auth/session", "", cookies, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if rec.Header().Get(CSRFHeader) != token {
		t.Fatal("session endpoint should echo the CSRF token")
	}
}

func TestLoginLocksAfterRepeatedFailures(t *testing.T) {
	r, _ := newTestRouter(t)

	for i := 0; i < maxLoginAttempts; i++ {
		rec := doRequest(r, http.MethodPost, "/api/auth/login", `{"username":"director","password":"nope"}`, nil, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, rec.Code)
		}
	}

	rec := doRequest(r, http.MethodPost, "/api/auth/login", `{"username":"director","password":"s3cret"}`, nil, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected lockout, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("lockout should carry Retry-After")
	}
}

func TestLoginRejectsMalformedBody(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doRequest(r, http.MethodPost, "/api/auth/login", `{"username":"director"}`, nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestIdleSessionExpires(t *testing.T) {
	r, m := newTestRouter(t)
	cookies, _ := login(t, r)

	m.now = func() time.Time { return time.Now().Add(idleTimeout + time.Minute) }
	rec := doRequest(r, http.MethodGet, "/api/whoami", "", cookies, nil)
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "SESSION_IDLE_TIMEOUT") {
		t.Fatalf("expected idle timeout, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestLogoutClearsSession(t *testing.T) {
	r, _ := newTestRouter(t)
	cookies, _ := login(t, r)

	rec := doRequest(r, http.MethodPost, "/api/auth/logout", "", cookies, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout failed: %d", rec.Code)
	}
	rec = doRequest(r, http.MethodGet, "/api/whoami", "", rec.Result().Cookies(), nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rec.Code)
	}
}
