package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/evidence/config"
	"github.com/use-agent/evidence/models"
	"golang.org/x/time/rate"
)

// idleAfter is how long a caller may go unseen before its state is dropped.
const idleAfter = time.Hour

type caller struct {
	bucket   *rate.Limiter
	inFlight int
	lastSeen time.Time
}

// Limiter throttles callers, identified by key ID or else client IP, in
// two ways: a token bucket over all protected requests, and a cap on the
// captures a caller has running at once. Every capture holds a remote
// browser session for its whole duration, so the second limit is what
// stops one key from occupying the shared session pool.
type Limiter struct {
	cfg config.RateLimitConfig
	now func() time.Time

	mu      sync.Mutex
	callers map[string]*caller

	stop chan struct{}
	once sync.Once
}

// NewLimiter starts a Limiter whose idle callers are swept every five
// minutes. Call Close to stop the sweep.
func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		callers: make(map[string]*caller),
		stop:    make(chan struct{}),
	}
	go l.sweepLoop(5 * time.Minute)
	return l
}

// Close stops the idle sweep.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

// Rate enforces the token bucket. A rejected request learns from
// Retry-After when its next token is due.
func (l *Limiter) Rate() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := identity(c)
		now := l.now()

		l.mu.Lock()
		r := l.get(id, now).bucket.ReserveN(now, 1)
		l.mu.Unlock()

		if !r.OK() {
			abort(c, http.StatusTooManyRequests, models.ErrCodeRateLimited, "rate limit exceeded, please slow down")
			return
		}
		if d := r.DelayFrom(now); d > 0 {
			r.CancelAt(now)
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
			abort(c, http.StatusTooManyRequests, models.ErrCodeRateLimited, "rate limit exceeded, please slow down")
			return
		}
		c.Next()
	}
}

// Captures caps concurrent captures per caller at MaxInFlight. Zero
// disables the cap.
func (l *Limiter) Captures() gin.HandlerFunc {
	if l.cfg.MaxInFlight <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		id := identity(c)

		l.mu.Lock()
		cl := l.get(id, l.now())
		if cl.inFlight >= l.cfg.MaxInFlight {
			l.mu.Unlock()
			c.Header("Retry-After", "1")
			abort(c, http.StatusTooManyRequests, models.ErrCodeRateLimited,
				"too many captures in flight for this key: wait for one to finish")
			return
		}
		cl.inFlight++
		l.mu.Unlock()

		defer func() {
			l.mu.Lock()
			cl.inFlight--
			cl.lastSeen = l.now()
			l.mu.Unlock()
		}()
		c.Next()
	}
}

// InFlight reports the captures id currently has running.
func (l *Limiter) InFlight(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cl, ok := l.callers[id]; ok {
		return cl.inFlight
	}
	return 0
}

// get returns id's state, creating it on first sight. l.mu must be held.
func (l *Limiter) get(id string, now time.Time) *caller {
	cl, ok := l.callers[id]
	if !ok {
		cl = &caller{bucket: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)}
		l.callers[id] = cl
	}
	cl.lastSeen = now
	return cl
}

func (l *Limiter) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweep(l.now())
		}
	}
}

// sweep drops idle callers. A caller with a capture running is never idle.
func (l *Limiter) sweep(now time.Time) {
	cutoff := now.Add(-idleAfter)
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, cl := range l.callers {
		if cl.inFlight == 0 && cl.lastSeen.Before(cutoff) {
			delete(l.callers, id)
		}
	}
}

// identity prefers the key ID set by Auth and falls back to client IP.
func identity(c *gin.Context) string {
	if id := c.GetString(KeyIDContextKey); id != "" {
		return id
	}
	return c.ClientIP()
}
