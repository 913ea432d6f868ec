// Copyright 2025 James Ross
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

type contextKey string

const contextKeyRequestID contextKey = "request_id"

func requestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// RequestIDMiddleware stamps every request with a unique id, honoring an
// inbound X-Request-ID if the caller already supplied one.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)
			ctx := context.WithValue(r.Context(), contextKeyRequestID, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RecoveryMiddleware converts a panic into a 500 envelope instead of
// crashing the server.
func RecoveryMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeErrorResponse(w, r, http.StatusInternalServerError, "internal error", nil)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORSMiddleware applies the configured allowed-origins policy.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			for _, ao := range allowedOrigins {
				if ao == "*" || ao == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
					break
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type rateBucket struct {
	mu        sync.Mutex
	tokens    float64
	lastFill  time.Time
	maxTokens int
	fillRate  float64 // tokens per second
}

func (b *rateBucket) consume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * b.fillRate
	if b.tokens > float64(b.maxTokens) {
		b.tokens = float64(b.maxTokens)
	}
	b.lastFill = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RateLimitMiddleware applies a per-client-IP token bucket.
func RateLimitMiddleware(perMinute, burst int, log *zap.Logger) func(http.Handler) http.Handler {
	buckets := &sync.Map{}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.RemoteAddr
			val, _ := buckets.LoadOrStore(key, &rateBucket{
				tokens: float64(burst), lastFill: time.Now(),
				maxTokens: burst, fillRate: float64(perMinute) / 60.0,
			})
			bucket := val.(*rateBucket)
			if !bucket.consume() {
				w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", perMinute))
				writeErrorResponse(w, r, http.StatusTooManyRequests, "rate limit exceeded", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AuditMiddleware logs every mutating request to a rotating audit file.
func AuditMiddleware(logPath string, rotateSizeMB, maxBackups int, log *zap.Logger) func(http.Handler) http.Handler {
	if logPath == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	writer := &lumberjack.Logger{Filename: logPath, MaxSize: rotateSizeMB, MaxBackups: maxBackups, Compress: true}

	type entry struct {
		Time      time.Time `json:"time"`
		Method    string    `json:"method"`
		Path      string    `json:"path"`
		Status    int       `json:"status"`
		RequestID string    `json:"requestId"`
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			e := entry{Time: time.Now().UTC(), Method: r.Method, Path: r.URL.Path, Status: rw.status, RequestID: requestIDFromContext(r.Context())}
			if b, err := json.Marshal(e); err == nil {
				_, _ = writer.Write(append(b, '\n'))
			} else {
				log.Warn("audit marshal failed", zap.Error(err))
			}
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
