package httpmw

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/agentmesh/agentmesh/internal/common/apierror"
)

// visitor pairs a token bucket with its last use, for pruning.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// perIPLimiter hands out one token bucket per client IP.
type perIPLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

// pruneAfter is how long an idle bucket survives before eviction.
const pruneAfter = 10 * time.Minute

func newPerIPLimiter(rps float64, burst int) *perIPLimiter {
	return &perIPLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (l *perIPLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	v, ok := l.visitors[ip]
	if !ok {
		if len(l.visitors) > 10000 {
			l.prune(now)
		}
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.Allow()
}

func (l *perIPLimiter) prune(now time.Time) {
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) > pruneAfter {
			delete(l.visitors, ip)
		}
	}
}

// RateLimitOptions tune a rate-limit middleware instance.
type RateLimitOptions struct {
	// RPS is the sustained per-IP request rate.
	RPS float64
	// Burst is the per-IP burst capacity.
	Burst int
	// Code is the error code returned on limit; defaults to
	// RATE_LIMIT_EXCEEDED.
	Code apierror.Code
	// SkipPrivate exempts loopback and private-network clients, for health
	// checks from orchestration probes.
	SkipPrivate bool
}

// RateLimit returns a per-IP token-bucket limiter middleware.
func RateLimit(opts RateLimitOptions) gin.HandlerFunc {
	if opts.Code == "" {
		opts.Code = apierror.CodeRateLimitExceeded
	}
	limiter := newPerIPLimiter(opts.RPS, opts.Burst)

	return func(c *gin.Context) {
		ip := c.ClientIP()
		if opts.SkipPrivate && isPrivateIP(ip) {
			c.Next()
			return
		}
		if !limiter.allow(ip) {
			c.Header("Retry-After", "1")
			apierror.Abort(c, apierror.New(opts.Code, "too many requests"))
			return
		}
		c.Next()
	}
}

// UploadRateLimit is the stricter tier for media uploads.
func UploadRateLimit() gin.HandlerFunc {
	return RateLimit(RateLimitOptions{
		RPS:   1,
		Burst: 5,
		Code:  apierror.CodeUploadRateLimitExceeded,
	})
}

// SuccessSkippingRateLimit counts only failed requests against the limit.
// Used on validation-heavy routes where well-formed traffic should not be
// throttled but guess-and-check probing should.
func SuccessSkippingRateLimit(opts RateLimitOptions) gin.HandlerFunc {
	if opts.Code == "" {
		opts.Code = apierror.CodeRateLimitExceeded
	}
	limiter := newPerIPLimiter(opts.RPS, opts.Burst)

	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !limiter.hasToken(ip) {
			c.Header("Retry-After", "1")
			apierror.Abort(c, apierror.New(opts.Code, "too many requests"))
			return
		}
		c.Next()
		// Only failures consume a token.
		if c.Writer.Status() >= http.StatusBadRequest {
			limiter.allow(ip)
		}
	}
}

// hasToken checks bucket capacity without consuming.
func (l *perIPLimiter) hasToken(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[ip]
	if !ok {
		return true
	}
	v.lastSeen = time.Now()
	return v.limiter.Tokens() >= 1
}

// isPrivateIP reports whether ip is loopback or RFC1918/ULA space.
func isPrivateIP(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return parsed.IsLoopback() || parsed.IsPrivate()
}
