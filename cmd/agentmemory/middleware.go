package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/agentmemory/api/handlers"
	"github.com/BaSui01/agentmemory/config"
	"github.com/BaSui01/agentmemory/internal/ctxkeys"
	"github.com/BaSui01/agentmemory/internal/metrics"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Middleware 类型定义
type Middleware func(http.Handler) http.Handler

// Chain 将多个中间件串联，第一个在最外层
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Recovery panic 恢复中间件
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						zap.Any("error", err),
						zap.String("path", r.URL.Path),
						zap.Stack("stack"))
					writeJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID 为每个请求分配 X-Request-ID 并写入 context，客户端已提供时沿用
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" || len(id) > 128 {
				id = generateRequestID()
			}
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, r.WithContext(ctxkeys.WithRequestID(r.Context(), id)))
		})
	}
}

func generateRequestID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return "req-" + hex.EncodeToString(b)
}

// SecurityHeaders 添加常用安全响应头
func SecurityHeaders() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("X-XSS-Protection", "1; mode=block")
			w.Header().Set("Content-Security-Policy", "default-src 'self'")
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger 请求日志中间件
func RequestLogger(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.StatusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			}
			if id, ok := ctxkeys.RequestID(r.Context()); ok {
				fields = append(fields, zap.String("request_id", id))
			}
			if sub, ok := ctxkeys.Subject(r.Context()); ok {
				fields = append(fields, zap.String("subject", sub))
			}
			logger.Info("request", fields...)
		})
	}
}

// =============================================================================
// 📊 指标中间件
// =============================================================================

type metricsResponseWriter struct {
	*handlers.ResponseWriter
	bytesWritten int64
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += int64(n)
	return n, err
}

// MetricsMiddleware records request count, duration and response size. Paths
// are normalized to keep label cardinality bounded.
func MetricsMiddleware(collector *metrics.Collector) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			mrw := &metricsResponseWriter{ResponseWriter: handlers.NewResponseWriter(w)}
			next.ServeHTTP(mrw, r)
			collector.RecordHTTPRequest(r.Method, normalizePath(r.URL.Path), mrw.StatusCode,
				time.Since(start), mrw.bytesWritten)
		})
	}
}

// pathSegmentPattern matches UUIDs, long hex strings and numeric ids.
var pathSegmentPattern = regexp.MustCompile(
	`^[0-9a-fA-F]{8,}(-[0-9a-fA-F]{4,}){0,4}$|^[0-9]+$`,
)

// normalizePath replaces dynamic path segments with ":id".
//
//	/api/v1/memory/working/3f1c...  -> /api/v1/memory/working/:id
//	/api/v1/memory/search           -> /api/v1/memory/search (unchanged)
func normalizePath(path string) string {
	switch path {
	case "/health", "/healthz", "/ready", "/readyz", "/version", "/metrics",
		"/api/v1/memory/search", "/api/v1/memory/cleanup", "/api/v1/stats",
		"/api/v1/signals", "/api/v1/monitors", "/api/v1/events", "/api/v1/graph/path",
		"/api/v1/config", "/api/v1/config/reload", "/api/v1/config/history":
		return path
	}

	segments := strings.Split(path, "/")
	normalized := false
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if pathSegmentPattern.MatchString(seg) {
			segments[i] = ":id"
			normalized = true
		}
	}
	if !normalized {
		return path
	}
	return strings.Join(segments, "/")
}

// =============================================================================
// 🔭 OpenTelemetry 追踪
// =============================================================================

// OTelTracing starts a server span per request, continuing any incoming trace
// context, and stores the trace id for the request logger.
func OTelTracing() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			tracer := otel.Tracer("agentmemory/http")
			ctx, span := tracer.Start(ctx, r.Method+" "+normalizePath(r.URL.Path),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			if sc := span.SpanContext(); sc.HasTraceID() {
				ctx = ctxkeys.WithTraceID(ctx, sc.TraceID().String())
			}

			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.response.status_code", rw.StatusCode))
			if rw.StatusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rw.StatusCode))
			}
		})
	}
}

// =============================================================================
// 🔐 认证
// =============================================================================

// Authenticate 按配置选择认证方式：配置了 JWT 密钥时校验 Bearer token，
// 否则校验 X-API-Key；两者都未配置时不做认证。skipPaths 始终放行。
func Authenticate(cfg config.AuthConfig, skipPaths []string, logger *zap.Logger) Middleware {
	switch {
	case cfg.JWTSecret != "":
		return JWTAuth(cfg.JWTSecret, cfg.JWTIssuer, skipPaths, logger)
	case len(cfg.APIKeys) > 0:
		return APIKeyAuth(cfg.APIKeys, skipPaths, logger)
	default:
		return func(next http.Handler) http.Handler { return next }
	}
}

func skipSet(paths []string) map[string]struct{} {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return set
}

// APIKeyAuth API Key 认证中间件。主体标识取 key 的 SHA-256 前缀，不记录原文。
func APIKeyAuth(validKeys []string, skipPaths []string, logger *zap.Logger) Middleware {
	skip := skipSet(skipPaths)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("X-API-Key")
			if key == "" || !matchKey(validKeys, key) {
				logger.Debug("API key rejected", zap.String("path", r.URL.Path))
				writeJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing API key")
				return
			}
			sum := sha256.Sum256([]byte(key))
			ctx := ctxkeys.WithSubject(r.Context(), "apikey:"+hex.EncodeToString(sum[:4]))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func matchKey(valid []string, key string) bool {
	found := false
	for _, k := range valid {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			found = true
		}
	}
	return found
}

// JWTAuth 校验 Authorization: Bearer 中的 HS256 token，把 sub 与 session_id
// 声明写入 context。
func JWTAuth(secret, issuer string, skipPaths []string, logger *zap.Logger) Middleware {
	skip := skipSet(skipPaths)
	hmacSecret := []byte(secret)

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(issuer))
	}
	keyFunc := func(*jwt.Token) (any, error) { return hmacSecret, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or malformed Authorization header")
				return
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(strings.TrimPrefix(authHeader, "Bearer "), claims, keyFunc, parserOpts...)
			if err != nil || !token.Valid {
				logger.Debug("JWT validation failed", zap.Error(err))
				writeJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token")
				return
			}

			ctx := r.Context()
			if sub, err := claims.GetSubject(); err == nil && sub != "" {
				ctx = ctxkeys.WithSubject(ctx, sub)
			}
			if sid, ok := claims["session_id"].(string); ok && sid != "" {
				ctx = ctxkeys.WithSessionID(ctx, sid)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminOnly 保护配置管理路由。认证启用时要求已识别主体；
// 未启用认证时只接受回环地址的请求。
func AdminOnly(cfg config.AuthConfig) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if cfg.Enabled() {
				if _, ok := ctxkeys.Subject(r.Context()); !ok {
					writeJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
					return
				}
				next(w, r)
				return
			}
			if !isLoopback(r.RemoteAddr) {
				writeJSONError(w, http.StatusForbidden, "UNAUTHORIZED", "config API is restricted to localhost when auth is disabled")
				return
			}
			next(w, r)
		}
	}
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// =============================================================================
// 🚦 限流
// =============================================================================

// RateLimiter 按认证主体（无主体时按 IP）限流，速率可在运行时调整
type RateLimiter struct {
	mu       sync.Mutex
	rps      float64
	burst    int
	visitors map[string]*visitor
	ttl      time.Duration
	logger   *zap.Logger
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter 创建限流器。rps <= 0 时不限流。
func NewRateLimiter(rps float64, burst int, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		rps:      rps,
		burst:    normalizeBurst(burst),
		visitors: make(map[string]*visitor),
		ttl:      3 * time.Minute,
		logger:   logger.With(zap.String("component", "rate_limiter")),
	}
}

func normalizeBurst(burst int) int {
	if burst <= 0 {
		return 1
	}
	return burst
}

func limitOf(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

// SetLimit 修改速率，对已有客户端立即生效
func (l *RateLimiter) SetLimit(rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rps, l.burst = rps, normalizeBurst(burst)
	for _, v := range l.visitors {
		v.limiter.SetLimit(limitOf(l.rps))
		v.limiter.SetBurst(l.burst)
	}
	l.logger.Info("rate limit updated", zap.Float64("rps", rps), zap.Int("burst", l.burst))
}

// Run 定期清理不活跃的客户端，直到 ctx 取消
func (l *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.evict(now)
		}
	}
}

func (l *RateLimiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.visitors, key)
		}
	}
}

// Allow 为 key 消耗一个令牌
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(limitOf(l.rps), l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = time.Now()
	l.mu.Unlock()
	return v.limiter.Allow()
}

// Middleware 返回限流中间件
func (l *RateLimiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(clientKey(r)) {
				w.Header().Set("Retry-After", "1")
				writeJSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	if sub, ok := ctxkeys.Subject(r.Context()); ok {
		return "sub:" + sub
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	return "ip:" + ip
}

// =============================================================================
// 🌍 CORS
// =============================================================================

// CORS 跨域中间件。allowedOrigins 为空时不设置任何 CORS 头。
func CORS(allowedOrigins []string) Middleware {
	originSet := skipSet(allowedOrigins)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			_, allowed := originSet[origin]
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, Authorization, X-Request-ID")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
			if r.Method == http.MethodOptions {
				if !allowed {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeJSONError 以统一响应格式写错误
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"success":false,"error":{"code":%q,"message":%q}}`, code, message)
}
