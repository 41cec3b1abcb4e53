// Copyright 2025 James Ross
package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type contextKey string

const (
	contextKeyClaims    contextKey = "claims"
	contextKeyRequestID contextKey = "request_id"
)

type operatorClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// publicPaths are reachable without a bearer token: liveness/readiness
// probes, the metrics scrape, and the login endpoint that mints tokens in
// the first place.
var publicPaths = map[string]struct{}{
	"/healthz":      {},
	"/readyz":       {},
	"/metrics":      {},
	"/api/v1/login": {},
}

// AuthMiddleware validates operator bearer tokens with golang-jwt/jwt/v5.
func AuthMiddleware(secret string, denyByDefault bool, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !denyByDefault {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := publicPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "AUTH_MISSING", "Authorization header required")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeError(w, http.StatusUnauthorized, "AUTH_INVALID", "invalid authorization format")
				return
			}

			claims := &operatorClaims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				logger.Warn("jwt validation failed", zap.Error(err))
				writeError(w, http.StatusUnauthorized, "AUTH_INVALID", "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimitMiddleware implements token bucket rate limiting, keyed by the
// authenticated subject when present and by client IP otherwise.
func RateLimitMiddleware(perMinute int, burst int, logger *zap.Logger) func(http.Handler) http.Handler {
	buckets := &sync.Map{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var key string
			if claims, ok := r.Context().Value(contextKeyClaims).(*operatorClaims); ok {
				key = claims.Subject
			} else {
				key = getClientIP(r)
			}

			val, _ := buckets.LoadOrStore(key, &rateBucket{
				tokens:    float64(burst),
				lastFill:  time.Now(),
				maxTokens: burst,
				fillRate:  float64(perMinute) / 60.0,
			})
			bucket := val.(*rateBucket)

			if !bucket.consume() {
				w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", perMinute))
				w.Header().Set("X-RateLimit-Remaining", "0")
				writeError(w, http.StatusTooManyRequests, "RATE_LIMIT", "rate limit exceeded")
				return
			}

			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", perMinute))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", int(bucket.tokens)))
			next.ServeHTTP(w, r)
		})
	}
}

// AuditMiddleware logs destructive operator actions (job cancellation).
func AuditMiddleware(auditLog *AuditLogger, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			var reason string
			if r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/cancel") {
				bodyBytes, _ := io.ReadAll(r.Body)
				r.Body.Close()
				r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
				var body CancelRequest
				_ = json.Unmarshal(bodyBytes, &body)
				reason = body.Reason
			}

			next.ServeHTTP(rw, r)

			if isDestructiveOperation(r.Method, r.URL.Path) {
				entry := AuditEntry{
					ID:        generateID(),
					Timestamp: start,
					Action:    fmt.Sprintf("%s %s", r.Method, r.URL.Path),
					Result:    fmt.Sprintf("%d", rw.statusCode),
					Reason:    reason,
					IP:        getClientIP(r),
					UserAgent: r.UserAgent(),
				}
				if claims, ok := r.Context().Value(contextKeyClaims).(*operatorClaims); ok {
					entry.User = claims.Subject
				}
				if err := auditLog.Log(entry); err != nil {
					logger.Error("failed to write audit log", zap.Error(err))
				}
			}
		})
	}
}

// CORSMiddleware handles CORS headers for the admin UI origin.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowed := false
			for _, ao := range allowedOrigins {
				if ao == "*" || ao == origin {
					allowed = true
					break
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				w.Header().Set("Access-Control-Max-Age", "3600")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestIDMiddleware adds a unique request ID to every response.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = generateID()
			}
			w.Header().Set("X-Request-ID", requestID)
			ctx := context.WithValue(r.Context(), contextKeyRequestID, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RecoveryMiddleware converts panics into a 500 instead of crashing the
// process.
func RecoveryMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered", zap.Any("error", err), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "an internal error occurred")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func isDestructiveOperation(method, path string) bool {
	return method == http.MethodPost && strings.Contains(path, "/cancel")
}

func getClientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		parts := strings.Split(ip, ",")
		return strings.TrimSpace(parts[0])
	}
	return r.RemoteAddr
}

func generateID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}

type rateBucket struct {
	mu        sync.Mutex
	tokens    float64
	lastFill  time.Time
	maxTokens int
	fillRate  float64
}

func (b *rateBucket) consume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens = minFloat(float64(b.maxTokens), b.tokens+elapsed*b.fillRate)
	b.lastFill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
