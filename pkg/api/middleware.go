package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/formbridge/formbridge/pkg/contracts"
)

// RequestID stamps every response with an X-Request-ID, honoring one the
// caller already set.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// Logging emits one structured access log line per request.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", w.Header().Get("X-Request-ID"))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Limiter admits or rejects a request for a client key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RateLimit enforces a per-client-IP limit. Limiter errors fail open: an
// unreachable limiter backend must not take the API down with it.
func RateLimit(l Limiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, err := l.Allow(r.Context(), clientIP(r))
			if err != nil {
				logger.Warn("rate limiter unavailable, admitting request", "error", err)
				allowed = true
			}
			if !allowed {
				w.Header().Set("Retry-After", "5")
				writeFailure(w, http.StatusTooManyRequests,
					contracts.ErrTypeInvalidRequest, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.Trim(r.RemoteAddr, "[]")
	}
	return ip
}

// IPLimiter is the in-process fallback limiter: one token bucket per client
// IP, with stale entries swept in the background.
type IPLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPLimiter creates a limiter allowing rps sustained requests per second
// per IP with the given burst.
func NewIPLimiter(rps int, burst int) *IPLimiter {
	l := &IPLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go l.sweep()
	return l
}

func (l *IPLimiter) Allow(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	v, seen := l.visitors[key]
	if !seen {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = time.Now()
	l.mu.Unlock()

	return v.limiter.Allow(), nil
}

func (l *IPLimiter) sweep() {
	for {
		time.Sleep(time.Minute)
		l.mu.Lock()
		for key, v := range l.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(l.visitors, key)
			}
		}
		l.mu.Unlock()
	}
}
