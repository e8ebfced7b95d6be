package gateway

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultPerMinute is the steady per-credential request rate.
	DefaultPerMinute = 100
	// DefaultPerDay caps total daily requests per credential.
	DefaultPerDay = 5000

	limiterBurst = 20
	limiterTTL   = 10 * time.Minute
)

type visitor struct {
	limiter  *rate.Limiter
	day      string
	dayCount int
	lastSeen time.Time
}

// Limiter enforces the per-credential request budget: a token bucket for the
// per-minute rate and a UTC-day counter for the daily cap.
type Limiter struct {
	perMinute int
	perDay    int
	nowFn     func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewLimiter builds a limiter; zero arguments select the defaults.
func NewLimiter(perMinute, perDay int) *Limiter {
	if perMinute <= 0 {
		perMinute = DefaultPerMinute
	}
	if perDay <= 0 {
		perDay = DefaultPerDay
	}
	return &Limiter{
		perMinute: perMinute,
		perDay:    perDay,
		nowFn:     time.Now,
		visitors:  make(map[string]*visitor),
	}
}

// Allow consumes one request for the credential. The returned retryAfter is
// meaningful only when allowed is false.
func (l *Limiter) Allow(credential string) (allowed bool, remainingToday int, retryAfter time.Duration) {
	now := l.nowFn().UTC()
	day := now.Format("2006-01-02")

	l.mu.Lock()
	defer l.mu.Unlock()
	l.evict(now)

	v, ok := l.visitors[credential]
	if !ok {
		v = &visitor{
			limiter: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), limiterBurst),
			day:     day,
		}
		l.visitors[credential] = v
	}
	v.lastSeen = now
	if v.day != day {
		v.day = day
		v.dayCount = 0
	}
	if v.dayCount >= l.perDay {
		midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		return false, 0, midnight.Sub(now)
	}
	if !v.limiter.AllowN(now, 1) {
		return false, l.perDay - v.dayCount, time.Minute
	}
	v.dayCount++
	return true, l.perDay - v.dayCount, 0
}

func (l *Limiter) evict(now time.Time) {
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > limiterTTL {
			delete(l.visitors, key)
		}
	}
}

// Middleware applies the limit keyed on the authenticated credential; it must
// run after authentication.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := principalFrom(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		allowed, remaining, retryAfter := l.Allow(p.Credential)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.perMinute))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter/time.Second)))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
