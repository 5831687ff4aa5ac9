package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newRouter(j *JWTHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.DELETE("/devices/:uuid", j.RequireRole(RoleAdmin), func(c *gin.Context) {
		c.String(http.StatusOK, Subject(c))
	})
	return r
}

func do(r http.Handler, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodDelete, "/devices/AA:BB", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRequireRole(t *testing.T) {
	j := NewJWTHandler("0123456789abcdef0123456789abcdef", time.Hour)
	r := newRouter(j)

	admin, err := j.GenerateAccessToken("ops", RoleAdmin)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	viewer, _ := j.GenerateAccessToken("wall", RoleViewer)

	if rec := do(r, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing header: expected 401, got %d", rec.Code)
	}
	if rec := do(r, "Token "+admin); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad scheme: expected 401, got %d", rec.Code)
	}
	if rec := do(r, "Bearer "+viewer); rec.Code != http.StatusForbidden {
		t.Fatalf("viewer: expected 403, got %d", rec.Code)
	}

	rec := do(r, "Bearer "+admin)
	if rec.Code != http.StatusOK || rec.Body.String() != "ops" {
		t.Fatalf("admin: expected 200 ops, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestValidateAccessTokenRejectsExpiredAndForeign(t *testing.T) {
	j := NewJWTHandler("0123456789abcdef0123456789abcdef", time.Minute)
	j.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, _ := j.GenerateAccessToken("ops", RoleAdmin)
	j.now = time.Now

	if _, err := j.ValidateAccessToken(expired); err == nil {
		t.Fatal("expected expired token to be rejected")
	}

	other := NewJWTHandler("another-secret-another-secret-xx", time.Hour)
	foreign, _ := other.GenerateAccessToken("ops", RoleAdmin)
	if _, err := j.ValidateAccessToken(foreign); err == nil {
		t.Fatal("expected token signed with another key to be rejected")
	}
}
