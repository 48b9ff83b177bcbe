package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"docassist/internal/logging"
	"docassist/internal/redis/redistest"

	"github.com/gin-gonic/gin"
)

func newTestService(ttl time.Duration) *Service {
	return NewService("test-secret", nil, ttl, logging.Discard())
}

func TestAuthIssueValidateRevoke(t *testing.T) {
	svc := newTestService(time.Hour)
	ctx := context.Background()

	token, err := svc.IssueToken(1, "alice")
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	id, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken error: %v", err)
	}
	if id.UserID != 1 || id.Username != "alice" || id.TokenID == "" {
		t.Fatalf("unexpected identity %+v", id)
	}
	if err := svc.RevokeToken(ctx, id); err != nil {
		t.Fatalf("RevokeToken error: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, token); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}

	other, err := svc.IssueToken(1, "alice")
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, other); err != nil {
		t.Fatalf("fresh token should stay valid: %v", err)
	}
}

func TestAuthValidateExpiredToken(t *testing.T) {
	svc := newTestService(time.Minute)
	token, err := svc.IssueToken(2, "bob")
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := svc.ValidateToken(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestAuthRejectsForeignSignature(t *testing.T) {
	svc := newTestService(time.Hour)
	other := NewService("another-secret", nil, time.Hour, nil)
	token, err := other.IssueToken(3, "mallory")
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if _, err := svc.ValidateToken(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := svc.ValidateToken(context.Background(), "garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newTestService(time.Hour)
	r := gin.New()
	r.GET("/me", svc.Middleware(), func(c *gin.Context) {
		id, _ := IdentityFromContext(c)
		uid, _ := UserIDFromContext(c)
		c.JSON(http.StatusOK, gin.H{"username": id.Username, "id": uid})
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	token, _ := svc.IssueToken(9, "carol")
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRevocationSharedThroughRedis(t *testing.T) {
	client := redistest.New(t)
	logger := logging.Discard()
	a := NewService("shared", client, time.Hour, logger)
	b := NewService("shared", client, time.Hour, logger)
	ctx := context.Background()

	token, err := a.IssueToken(4, "dave")
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	id, err := a.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken error: %v", err)
	}
	if err := a.RevokeToken(ctx, id); err != nil {
		t.Fatalf("RevokeToken error: %v", err)
	}
	if _, err := b.ValidateToken(ctx, token); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("replica should see revocation, got %v", err)
	}
}
