package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/social/internal/models"
	jwtpkg "github.com/mx-space/social/internal/pkg/jwt"
	sessionpkg "github.com/mx-space/social/internal/pkg/session"
	"github.com/mx-space/social/internal/testutil"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestNormalizeToken(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"  abc ", "abc"},
		{"Bearer abc", "abc"},
		{"bearer   abc", "abc"},
	}
	for _, tt := range tests {
		if got := NormalizeToken(tt.in); got != tt.want {
			t.Errorf("NormalizeToken(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAuthenticatorValidate(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	jwtpkg.SetSecret("middleware-test")
	sessions := sessionpkg.NewStore(db)

	active, _, err := sessions.Issue(ctx, "user-1", "test", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	revoked, s, err := sessions.Issue(ctx, "user-1", "test", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if err := sessions.Revoke(ctx, "user-1", s.ID); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	past := time.Now().Add(-time.Hour)
	db.Create(&models.APIToken{UserID: "user-2", Token: "txo-live", Name: "ci"})
	db.Create(&models.APIToken{UserID: "user-3", Token: "txo-dead", Name: "old", ExpiredAt: &past})

	authn := NewAuthenticator(db)
	tests := []struct {
		name    string
		token   string
		want    string
		wantErr error
	}{
		{"session jwt", "Bearer " + active, "user-1", nil},
		{"revoked session", revoked, "", ErrSessionRevoked},
		{"api token", "txo-live", "user-2", nil},
		{"expired api token", "txo-dead", "", ErrUnknownToken},
		{"empty", "  ", "", ErrNoToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := authn.Validate(ctx, tt.token)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Validate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	db := testutil.NewDB(t)
	jwtpkg.SetSecret("middleware-test")
	token, _, _ := sessionpkg.NewStore(db).Issue(context.Background(), "user-1", "", time.Hour)

	r := gin.New()
	r.GET("/me", NewAuthenticator(db).Middleware(), func(c *gin.Context) {
		c.String(http.StatusOK, CurrentUserID(c))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", w.Code)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "user-1" {
		t.Errorf("authed = %d %q, want 200 user-1", w.Code, w.Body.String())
	}
}

func TestRequireUsers(t *testing.T) {
	tests := []struct {
		user string
		want int
	}{
		{"admin", http.StatusOK},
		{"someone", http.StatusForbidden},
		{"", http.StatusForbidden},
	}
	for _, tt := range tests {
		r := gin.New()
		r.GET("/ops", func(c *gin.Context) {
			if tt.user != "" {
				c.Set(ContextKeyUserID, tt.user)
			}
		}, RequireUsers([]string{"admin"}), func(c *gin.Context) {
			c.Status(http.StatusOK)
		})
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ops", nil))
		if w.Code != tt.want {
			t.Errorf("RequireUsers(%q) status = %d, want %d", tt.user, w.Code, tt.want)
		}
	}
}

func TestRateLimit(t *testing.T) {
	rc, _ := testutil.NewRedis(t)

	r := gin.New()
	r.Use(RateLimit(rc.Raw(), 2, zap.NewNop()))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	var codes []int
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
		if got := w.Header().Get("X-RateLimit-Limit"); got != "2" {
			t.Errorf("X-RateLimit-Limit = %q, want 2", got)
		}
	}
	// the three requests may straddle a second boundary; the budget must hold per window
	limited := 0
	for _, code := range codes {
		if code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited > 1 {
		t.Errorf("codes = %v, want at most one 429", codes)
	}
}

func TestIdempotence(t *testing.T) {
	rc, _ := testutil.NewRedis(t)

	calls := 0
	r := gin.New()
	r.Use(Idempotence(rc.Raw()))
	r.POST("/send", func(c *gin.Context) {
		calls++
		c.Status(http.StatusCreated)
	})

	send := func() int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/send", strings.NewReader(`{"content":"hi"}`))
		req.Header.Set(idempotenceHeader, "abc")
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := send(); code != http.StatusCreated {
		t.Fatalf("first send = %d, want 201", code)
	}
	if code := send(); code != http.StatusConflict {
		t.Errorf("repeat send = %d, want 409", code)
	}
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
}

func TestLoggerRequestID(t *testing.T) {
	r := gin.New()
	r.Use(Logger(zap.NewNop()))
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(ContextKeyRequestID)) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "rid-1")
	r.ServeHTTP(w, req)
	if got := w.Header().Get(requestIDHeader); got != "rid-1" || w.Body.String() != "rid-1" {
		t.Errorf("request id = %q body %q, want rid-1", got, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if got := w.Header().Get(requestIDHeader); len(got) != 36 {
		t.Errorf("generated request id = %q, want a uuid", got)
	}
}
