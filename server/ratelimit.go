package server

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimit configures per-client throughput for a route group.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

// RateLimiter applies per-client token buckets keyed by route group.
type RateLimiter struct {
	logger   *slog.Logger
	limits   map[string]RateLimit
	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

// NewRateLimiter constructs a RateLimiter. Groups without a configured limit
// pass through untouched.
func NewRateLimiter(limits map[string]RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		logger:   logger,
		limits:   limits,
		visitors: make(map[string]*rate.Limiter),
	}
}

// Middleware enforces the limit configured for the named group.
func (r *RateLimiter) Middleware(group string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[group]
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			limiter := r.obtainLimiter(group+"|"+clientID(req), limit)
			if !limiter.Allow() {
				r.logger.Warn("request throttled", "group", group, "client", clientID(req))
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) obtainLimiter(id string, cfg RateLimit) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	limiter, ok := r.visitors[id]
	if ok {
		return limiter
	}
	perSecond := cfg.RequestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	r.visitors[id] = limiter
	return limiter
}

func clientID(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		if comma := strings.IndexByte(ip, ','); comma > 0 {
			ip = strings.TrimSpace(ip[:comma])
		}
		if parsed := net.ParseIP(ip); parsed != nil {
			return parsed.String()
		}
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
