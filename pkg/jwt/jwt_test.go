package jwt

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"workspace-im/config"

	"github.com/gin-gonic/gin"
	jwtv5 "github.com/golang-jwt/jwt/v5"
)

func newService() *JWTService {
	return NewJWTService(config.JWTConfig{Secret: "test-secret", Issuer: "test", ExpireTime: time.Hour})
}

func TestGenerateAndValidate(t *testing.T) {
	s := newService()
	token, err := s.GenerateToken(Identity{UserID: "u1", WorkspaceID: "ws-1", Role: "admin", Name: "Alice"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := s.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	id := claims.Identity()
	if id.UserID != "u1" || id.WorkspaceID != "ws-1" || id.Role != "admin" || id.Name != "Alice" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestValidateRejectsForeignIssuerAndSecret(t *testing.T) {
	s := newService()
	other := NewJWTService(config.JWTConfig{Secret: "other", Issuer: "test", ExpireTime: time.Hour})
	token, _ := other.GenerateToken(Identity{UserID: "u1", WorkspaceID: "ws-1"})
	if _, err := s.ValidateToken(token); err == nil {
		t.Fatalf("expected signature failure")
	}

	foreign := NewJWTService(config.JWTConfig{Secret: "test-secret", Issuer: "elsewhere", ExpireTime: time.Hour})
	token, _ = foreign.GenerateToken(Identity{UserID: "u1", WorkspaceID: "ws-1"})
	if _, err := s.ValidateToken(token); err == nil {
		t.Fatalf("expected issuer failure")
	}

	if _, err := s.GenerateToken(Identity{UserID: "u1"}); err == nil {
		t.Fatalf("tokens without a workspace must not be issued")
	}
}

func TestValidateRejectsSeparatorInSubject(t *testing.T) {
	s := newService()
	if _, err := s.GenerateToken(Identity{UserID: "a:b", WorkspaceID: "ws-1"}); err == nil {
		t.Fatalf("user ids with ':' must not be issued")
	}
	if _, err := s.GenerateToken(Identity{UserID: "a", WorkspaceID: "ws|1"}); err == nil {
		t.Fatalf("workspace ids with '|' must not be issued")
	}

	// 外部签发的令牌同样要校验
	now := time.Now()
	claims := &CustomClaims{
		WorkspaceID: "ws-1",
		RegisteredClaims: jwtv5.RegisteredClaims{
			Issuer:    "test",
			Subject:   "b:c",
			IssuedAt:  jwtv5.NewNumericDate(now),
			ExpiresAt: jwtv5.NewNumericDate(now.Add(time.Hour)),
		},
	}
	token, err := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := s.ValidateToken(token); err == nil {
		t.Fatalf("expected subject with ':' to be rejected")
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	if tok, proto := TokenFromRequest(r); tok != "q" || proto != "" {
		t.Fatalf("query token: %q %q", tok, proto)
	}

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "abc")
	if tok, proto := TokenFromRequest(r); tok != "abc" || proto != "abc" {
		t.Fatalf("subprotocol token: %q %q", tok, proto)
	}

	r.Header.Set("Authorization", "Bearer hdr")
	if tok, _ := TokenFromRequest(r); tok != "hdr" {
		t.Fatalf("header token should win, got %q", tok)
	}
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := newService()
	router := gin.New()
	router.GET("/me", s.AuthMiddleware(), func(c *gin.Context) {
		c.String(http.StatusOK, GetWorkspaceID(c)+"/"+GetUserID(c))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer short")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a malformed token, got %d", w.Code)
	}

	token, _ := s.GenerateToken(Identity{UserID: "u1", WorkspaceID: "ws-1"})
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "ws-1/u1" {
		t.Fatalf("unexpected response %d %q", w.Code, w.Body.String())
	}
}
