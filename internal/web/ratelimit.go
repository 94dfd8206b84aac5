package web

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ownerLimiter is one user's limiter and when it was last used
type ownerLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// scanLimiter limits scans per owner. Idle entries are dropped in the background.
type scanLimiter struct {
	limit           rate.Limit
	burst           int
	cleanupInterval time.Duration

	mu       sync.Mutex
	limiters map[string]*ownerLimiter

	stopCh   chan struct{}
	stopOnce sync.Once
}

func newScanLimiter(limit rate.Limit, burst int, cleanupInterval time.Duration) *scanLimiter {
	if burst < 1 {
		burst = 1
	}
	l := &scanLimiter{
		limit:           limit,
		burst:           burst,
		cleanupInterval: cleanupInterval,
		limiters:        make(map[string]*ownerLimiter),
		stopCh:          make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Stop ends the cleanup goroutine
func (l *scanLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Allow reports whether ownerID may start another scan now
func (l *scanLimiter) Allow(ownerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	ol, ok := l.limiters[ownerID]
	if !ok {
		ol = &ownerLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[ownerID] = ol
	}
	ol.lastAccess = time.Now()
	return ol.limiter.Allow()
}

// Len returns the number of tracked owners
func (l *scanLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *scanLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

// cleanup drops owners idle for more than two cleanup intervals
func (l *scanLimiter) cleanup(now time.Time) {
	ttl := l.cleanupInterval * 2

	l.mu.Lock()
	defer l.mu.Unlock()
	for owner, ol := range l.limiters {
		if now.Sub(ol.lastAccess) > ttl {
			delete(l.limiters, owner)
		}
	}
}

// retryAfter is the number of seconds until one token is refilled
func (l *scanLimiter) retryAfter() int {
	secs := int(math.Ceil(1.0 / float64(l.limit)))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// limitScans rejects scans beyond the owner's rate with 429
func (s *Server) limitScans(next authedHandler) authedHandler {
	if s.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request, c caller) {
		owner := c.session.OwnerID()
		if !s.limiter.Allow(owner) {
			slog.Warn("Scan rate limit exceeded", "owner", owner)
			w.Header().Set("Retry-After", strconv.Itoa(s.limiter.retryAfter()))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error": "too many scans, please wait before trying again",
			})
			return
		}
		next(w, r, c)
	}
}
