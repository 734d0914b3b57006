// Package middleware provides the HTTP middleware in front of the API
// server: per-client rate limiting and response hardening headers.
package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"sentinel-core/internal/config"
)

// RateLimiter is a fixed-window per-client-IP limiter. Windows are
// tracked per IP and pruned once they are two windows stale.
type RateLimiter struct {
	cfg    config.RateLimitConfig
	logger *slog.Logger
	exempt map[string]bool

	mu      sync.Mutex
	clients map[string]*clientWindow

	done chan struct{}
}

type clientWindow struct {
	count     int
	windowEnd time.Time
}

// NewRateLimiter starts the limiter and its pruning loop.
func NewRateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.RequestsPerWindow <= 0 {
		cfg.RequestsPerWindow = 600
	}
	exempt := make(map[string]bool, len(cfg.ExemptPaths))
	for _, p := range cfg.ExemptPaths {
		exempt[p] = true
	}
	rl := &RateLimiter{
		cfg:     cfg,
		logger:  logger,
		exempt:  exempt,
		clients: make(map[string]*clientWindow),
		done:    make(chan struct{}),
	}
	go rl.pruneLoop()
	return rl
}

// Allow reports whether a request from ip fits the current window and
// returns the remaining budget and the window reset time.
func (rl *RateLimiter) Allow(ip string) (bool, int, time.Time) {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.clients[ip]
	if !ok || now.After(c.windowEnd) {
		c = &clientWindow{windowEnd: now.Add(rl.cfg.Window)}
		rl.clients[ip] = c
	}

	if c.count >= rl.cfg.RequestsPerWindow {
		return false, 0, c.windowEnd
	}
	c.count++
	return true, rl.cfg.RequestsPerWindow - c.count, c.windowEnd
}

func (rl *RateLimiter) pruneLoop() {
	ticker := time.NewTicker(rl.cfg.Window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.prune(time.Now())
		case <-rl.done:
			return
		}
	}
}

func (rl *RateLimiter) prune(now time.Time) {
	stale := now.Add(-2 * rl.cfg.Window)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, c := range rl.clients {
		if c.windowEnd.Before(stale) {
			delete(rl.clients, ip)
		}
	}
}

// Stop ends the pruning loop.
func (rl *RateLimiter) Stop() { close(rl.done) }

// Wrap applies the limiter to next. Exempt paths pass through so health
// probes and scrapes are never throttled.
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	if !rl.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.exempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		ip := clientIP(r)
		ok, remaining, reset := rl.Allow(ip)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.cfg.RequestsPerWindow))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(reset).Seconds())+1))
			rl.logger.Warn("request rate limited", "client", ip, "path", r.URL.Path)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP strips the port from the remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
