package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/config"
)

const secret = "test-secret"

func token(t *testing.T, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func protected() *echo.Echo {
	e := echo.New()
	g := e.Group("", JWTAuth(secret))
	g.GET("/me", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"user": UserID(c), "role": c.Get(ContextRole)})
	})
	g.GET("/admin", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, RequireRole(RoleAdmin))
	return e
}

func call(e *echo.Echo, path, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if bearer != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestJWTAuth(t *testing.T) {
	e := protected()
	exp := time.Now().Add(time.Hour).Unix()

	rec := call(e, "/me", token(t, jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1", "role": RoleUser, "exp": exp}))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user":"u1","role":"USER"}`, rec.Body.String())

	rec = call(e, "/me", token(t, jwt.SigningMethodHS256, jwt.MapClaims{"sub": float64(42), "exp": exp}))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"user":"42"`)

	cases := map[string]string{
		"missing":   "",
		"garbage":   "not-a-token",
		"expired":   token(t, jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(-time.Minute).Unix()}),
		"wrong alg": token(t, jwt.SigningMethodHS512, jwt.MapClaims{"sub": "u1", "exp": exp}),
		"no sub":    token(t, jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp}),
	}
	for name, bearer := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, http.StatusUnauthorized, call(e, "/me", bearer).Code)
		})
	}
}

func TestRequireRole(t *testing.T) {
	e := protected()
	exp := time.Now().Add(time.Hour).Unix()

	rec := call(e, "/admin", token(t, jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1", "role": RoleUser, "exp": exp}))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(e, "/admin", token(t, jwt.SigningMethodHS256, jwt.MapClaims{"sub": "a1", "role": RoleAdmin, "exp": exp}))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger, _ := logtest.NewNullLogger()

	l := NewRateLimiter(config.RateLimitConfig{
		Enabled: true, Capacity: 2, RefillTokens: 1, RefillInterval: time.Minute, TTL: time.Hour,
		KeyStrategy: "ip", Prefix: "rl",
	}, rdb, logrus.NewEntry(logger))
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	e := echo.New()
	e.GET("/x", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, l.Middleware())

	assert.Equal(t, http.StatusOK, call(e, "/x", "").Code)
	assert.Equal(t, http.StatusOK, call(e, "/x", "").Code)
	rec := call(e, "/x", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	now = now.Add(time.Minute)
	assert.Equal(t, http.StatusOK, call(e, "/x", "").Code)
}

func TestRateLimiterFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()
	logger, _ := logtest.NewNullLogger()

	l := NewRateLimiter(config.RateLimitConfig{Enabled: true, Capacity: 1}, rdb, logrus.NewEntry(logger))
	e := echo.New()
	e.GET("/x", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, l.Middleware())
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, call(e, "/x", "").Code)
	}
}

func TestRequestLogger(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	e := protected()
	e.Use(RequestLogger(logrus.NewEntry(logger)))

	exp := time.Now().Add(time.Hour).Unix()
	call(e, "/me", token(t, jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1", "exp": exp}))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "request", entry.Message)
	assert.Equal(t, http.StatusOK, entry.Data["status"])
	assert.Equal(t, "/me", entry.Data["uri"])
	assert.Equal(t, "u1", entry.Data["user_id"])
}
