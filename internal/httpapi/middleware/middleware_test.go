package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/suPer8Hu/supportbot/internal/auth"
	"github.com/suPer8Hu/supportbot/internal/identity"
)

func init() { gin.SetMode(gin.TestMode) }

func newEngine(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw...)
	r.GET("/who", func(c *gin.Context) { c.String(http.StatusOK, IdentityFrom(c).String()) })
	r.GET("/boom", func(c *gin.Context) { panic("boom") })
	return r
}

func TestIdentity_BearerAndFallback(t *testing.T) {
	r := newEngine(Identity(identity.NewResolver("s3cret")))

	tok, err := auth.SignJWT(42, "s3cret", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/who", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "user:42", w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/who", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	req.RemoteAddr = "203.0.113.8:5555"
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, identity.Anonymous("203.0.113.8").String(), w.Body.String())
}

func TestRateLimiter_PerIdentity(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)
	r := newEngine(Identity(identity.NewResolver("k")), rl.Handler())

	hit := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/who", nil)
		req.RemoteAddr = ip + ":1234"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}
	assert.Equal(t, http.StatusOK, hit("192.0.2.1"))
	assert.Equal(t, http.StatusOK, hit("192.0.2.1"))
	assert.Equal(t, http.StatusTooManyRequests, hit("192.0.2.1"))
	assert.Equal(t, http.StatusOK, hit("192.0.2.2"))
}

func TestRateLimiter_ForgetsIdleVisitors(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("a"))
	now = now.Add(limiterIdleTTL + time.Minute)
	assert.True(t, rl.allow("b"))
	assert.NotContains(t, rl.visitors, "a")
}

func TestRecoveryAndRequestID(t *testing.T) {
	r := newEngine(RequestID(), Recovery(zap.NewNop()), AccessLog(zap.NewNop()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"code":50001,"message":"internal error","data":null}`, w.Body.String())
	assert.Len(t, w.Header().Get(RequestIDHeader), 36)

	req := httptest.NewRequest(http.MethodGet, "/who", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "req-1", w.Header().Get(RequestIDHeader))
}
