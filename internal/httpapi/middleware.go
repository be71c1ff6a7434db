package httpapi

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tx/internal/config"
)

// =============================================================================
// MIDDLEWARE
// =============================================================================

const requestIDHeader = "X-Request-Id"

// requestID assigns every request a uuid unless the client supplied one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestLogger emits one structured line per request.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("requestId", w.Header().Get(requestIDHeader)),
			)
		})
	}
}

// recovery converts panics into sanitized 500 responses.
func recovery(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("panic in handler",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path))
					writeJSON(w, http.StatusInternalServerError, errorEnvelope{
						Error: errorBody{Code: "internal", Message: "Internal server error"},
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// apiKeyAuth rejects requests without the configured bearer key. An empty
// configured key disables auth.
func apiKeyAuth(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			supplied := r.Header.Get("Authorization")
			supplied = strings.TrimPrefix(supplied, "Bearer ")
			if supplied == "" {
				supplied = r.Header.Get("X-Api-Key")
			}
			if subtle.ConstantTimeCompare([]byte(supplied), []byte(key)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorEnvelope{
					Error: errorBody{Code: "unauthorized", Message: "missing or invalid API key"},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// SLIDING-WINDOW RATE LIMITER
// =============================================================================

// rateLimiter is an in-memory sliding-window limiter keyed by peer
// identity.
type rateLimiter struct {
	mu      sync.Mutex
	hits    map[string][]time.Time
	limit   int
	window  time.Duration
	message string
	trust   bool // honor X-Forwarded-For
}

func newRateLimiter(cfg config.RateLimitConfig, trustProxy bool) *rateLimiter {
	return &rateLimiter{
		hits:    make(map[string][]time.Time),
		limit:   cfg.Limit,
		window:  cfg.Window,
		message: cfg.Message,
		trust:   trustProxy,
	}
}

// peerKey extracts the client identity, honoring X-Forwarded-For only when
// a trusted proxy fronts the server.
func (l *rateLimiter) peerKey(r *http.Request) string {
	if l.trust {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if idx := strings.IndexByte(fwd, ','); idx > 0 {
				return strings.TrimSpace(fwd[:idx])
			}
			return strings.TrimSpace(fwd)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// allow records a hit and reports whether it fits in the window, plus the
// remaining budget and the window reset time.
func (l *rateLimiter) allow(key string, now time.Time) (ok bool, remaining int, reset time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	kept := l.hits[key][:0]
	for _, t := range l.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.limit {
		l.hits[key] = kept
		return false, 0, kept[0].Add(l.window)
	}
	kept = append(kept, now)
	l.hits[key] = kept
	return true, l.limit - len(kept), now.Add(l.window)
}

// middleware enforces the limit and sets the X-RateLimit-* headers.
func (l *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		ok, remaining, reset := l.allow(l.peerKey(r), now)

		w.Header().Set("X-RateLimit-Limit", fmt.Sprint(l.limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprint(remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprint(reset.Unix()))
		if !ok {
			retry := int(time.Until(reset).Seconds()) + 1
			w.Header().Set("Retry-After", fmt.Sprint(retry))
			msg := l.message
			if msg == "" {
				msg = "rate limit exceeded"
			}
			writeJSON(w, http.StatusTooManyRequests, errorEnvelope{
				Error: errorBody{Code: "rate_limited", Message: msg},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
