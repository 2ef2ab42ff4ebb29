package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BaSui01/agentmemory/config"
	"github.com/BaSui01/agentmemory/internal/ctxkeys"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestSecurityHeaders(t *testing.T) {
	w := serve(SecurityHeaders()(okHandler()), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "1; mode=block", w.Header().Get("X-XSS-Protection"))
	assert.Equal(t, "default-src 'self'", w.Header().Get("Content-Security-Policy"))
}

func TestSecurityHeaders_ChainedWithOtherMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	w := serve(Chain(inner, SecurityHeaders(), RequestID()), httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestID_PropagatesToContext(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ctxkeys.RequestID(r.Context())
	})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "req-from-client")
	w := serve(RequestID()(inner), r)
	assert.Equal(t, "req-from-client", seen)
	assert.Equal(t, "req-from-client", w.Header().Get("X-Request-ID"))

	serve(RequestID()(inner), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Regexp(t, `^req-[0-9a-f]{32}$`, seen)
}

func TestRecovery(t *testing.T) {
	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
	w := serve(Recovery(zap.NewNop())(panicking), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"success":false,"error":{"code":"INTERNAL_ERROR","message":"internal server error"}}`, w.Body.String())
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/health", "/health"},
		{"/api/v1/memory/search", "/api/v1/memory/search"},
		{"/api/v1/memory/working", "/api/v1/memory/working"},
		{"/api/v1/memory/working/3f1c2b7e-9a4d-4c1e-8f00-1234567890ab", "/api/v1/memory/working/:id"},
		{"/api/v1/memory/episodic/42/promote", "/api/v1/memory/episodic/:id/promote"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizePath(tt.in), tt.in)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	var subject string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ = ctxkeys.Subject(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	h := APIKeyAuth([]string{"k-one", "k-two"}, []string{"/health"}, zap.NewNop())(inner)

	w := serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"UNAUTHORIZED"`)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	r.Header.Set("X-API-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, serve(h, r).Code)

	r = httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	r.Header.Set("X-API-Key", "k-two")
	assert.Equal(t, http.StatusOK, serve(h, r).Code)
	assert.Regexp(t, `^apikey:[0-9a-f]{8}$`, subject)
	assert.NotContains(t, subject, "k-two")

	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestJWTAuth(t *testing.T) {
	var subject, session string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ = ctxkeys.Subject(r.Context())
		session, _ = ctxkeys.SessionID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	h := JWTAuth("s3cret", "agentmemory", nil, zap.NewNop())(inner)
	exp := time.Now().Add(time.Hour).Unix()

	withToken := func(tok string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
		r.Header.Set("Authorization", "Bearer "+tok)
		return r
	}

	tok := signToken(t, "s3cret", jwt.MapClaims{"sub": "agent-7", "session_id": "conv-1", "iss": "agentmemory", "exp": exp})
	require.Equal(t, http.StatusOK, serve(h, withToken(tok)).Code)
	assert.Equal(t, "agent-7", subject)
	assert.Equal(t, "conv-1", session)

	tests := []struct {
		name string
		req  *http.Request
	}{
		{"no header", httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)},
		{"wrong secret", withToken(signToken(t, "other", jwt.MapClaims{"sub": "x", "iss": "agentmemory", "exp": exp}))},
		{"wrong issuer", withToken(signToken(t, "s3cret", jwt.MapClaims{"sub": "x", "iss": "someone", "exp": exp}))},
		{"expired", withToken(signToken(t, "s3cret", jwt.MapClaims{"sub": "x", "iss": "agentmemory", "exp": time.Now().Add(-time.Minute).Unix()}))},
		{"no expiry", withToken(signToken(t, "s3cret", jwt.MapClaims{"sub": "x", "iss": "agentmemory"}))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusUnauthorized, serve(h, tt.req).Code)
		})
	}
}

func TestAuthenticate_SelectsScheme(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	assert.Equal(t, http.StatusOK, serve(Authenticate(config.AuthConfig{}, nil, zap.NewNop())(okHandler()), r).Code)

	h := Authenticate(config.AuthConfig{JWTSecret: "s3cret", APIKeys: []string{"k"}}, nil, zap.NewNop())(okHandler())
	r = httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	r.Header.Set("X-API-Key", "k")
	assert.Equal(t, http.StatusUnauthorized, serve(h, r).Code, "JWT takes precedence over API keys")
}

func TestAdminOnly(t *testing.T) {
	open := AdminOnly(config.AuthConfig{})(okHandler().ServeHTTP)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/config/reload", nil)
	r.RemoteAddr = "127.0.0.1:5000"
	assert.Equal(t, http.StatusOK, serve(open, r).Code)

	r.RemoteAddr = "10.1.2.3:5000"
	assert.Equal(t, http.StatusForbidden, serve(open, r).Code)

	guarded := AdminOnly(config.AuthConfig{APIKeys: []string{"k"}})(okHandler().ServeHTTP)
	r = httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	assert.Equal(t, http.StatusUnauthorized, serve(guarded, r).Code)
	r = r.WithContext(ctxkeys.WithSubject(r.Context(), "apikey:abcd"))
	assert.Equal(t, http.StatusOK, serve(guarded, r).Code)
}

func TestRateLimiter(t *testing.T) {
	l := NewRateLimiter(0.001, 2, zap.NewNop())
	h := l.Middleware()(okHandler())

	fromIP := func(ip string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
		r.RemoteAddr = ip + ":1234"
		return r
	}

	assert.Equal(t, http.StatusOK, serve(h, fromIP("10.0.0.1")).Code)
	assert.Equal(t, http.StatusOK, serve(h, fromIP("10.0.0.1")).Code)
	w := serve(h, fromIP("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, serve(h, fromIP("10.0.0.2")).Code, "clients are limited separately")

	l.SetLimit(0, 1)
	assert.Equal(t, http.StatusOK, serve(h, fromIP("10.0.0.1")).Code, "rps <= 0 removes the limit")
}

func TestRateLimiter_KeysBySubject(t *testing.T) {
	l := NewRateLimiter(0.001, 1, zap.NewNop())
	h := l.Middleware()(okHandler())

	req := func(sub string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		return r.WithContext(ctxkeys.WithSubject(r.Context(), sub))
	}
	assert.Equal(t, http.StatusOK, serve(h, req("alice")).Code)
	assert.Equal(t, http.StatusOK, serve(h, req("bob")).Code, "same IP, different subject")
	assert.Equal(t, http.StatusTooManyRequests, serve(h, req("alice")).Code)
}

func TestRateLimiter_Evict(t *testing.T) {
	l := NewRateLimiter(1, 1, zap.NewNop())
	l.Allow("ip:10.0.0.1")
	l.evict(time.Now().Add(time.Minute))
	assert.Len(t, l.visitors, 1)
	l.evict(time.Now().Add(4 * time.Minute))
	assert.Empty(t, l.visitors)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example"})(okHandler())

	r := httptest.NewRequest(http.MethodOptions, "/api/v1/stats", nil)
	r.Header.Set("Origin", "https://app.example")
	w := serve(h, r)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example", w.Header().Get("Access-Control-Allow-Origin"))

	r.Header.Set("Origin", "https://evil.example")
	w = serve(h, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	r = httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	assert.Equal(t, http.StatusOK, serve(h, r).Code, "same-origin requests pass")
}
