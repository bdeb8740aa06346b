package middleware

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/ksred/brokerx/internal/auth"
	"github.com/ksred/brokerx/pkg/response"
)

// AccountIDKey is the gin context key holding the authenticated account.
const AccountIDKey = "accountID"

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per caller and route prefix.
type RateLimiter struct {
	limits map[string]rate.Limit
	burst  int

	mu       sync.Mutex
	visitors map[string]*visitor
}

// DefaultLimits are requests per second by path prefix.
func DefaultLimits() map[string]rate.Limit {
	return map[string]rate.Limit{
		"/api/v1/auth":     rate.Limit(10.0 / 60.0),
		"/api/v1/orders":   rate.Limit(100.0 / 60.0),
		"/api/v1/accounts": rate.Limit(1000.0 / 60.0),
	}
}

func NewRateLimiter(limits map[string]rate.Limit, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limits:   limits,
		burst:    burst,
		visitors: make(map[string]*visitor),
	}
}

func (r *RateLimiter) limiter(path, caller string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := caller + ":" + path
	v, ok := r.visitors[key]
	if !ok {
		limit := rate.Inf
		for prefix, l := range r.limits {
			if strings.HasPrefix(path, prefix) {
				limit = l
				break
			}
		}
		v = &visitor{limiter: rate.NewLimiter(limit, r.burst)}
		r.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Run evicts idle visitors until ctx is cancelled.
func (r *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			for key, v := range r.visitors {
				if time.Since(v.lastSeen) > 3*time.Minute {
					delete(r.visitors, key)
				}
			}
			r.mu.Unlock()
		}
	}
}

func (r *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetString(AccountIDKey)
		if caller == "" {
			caller = c.ClientIP()
		}

		if !r.limiter(c.FullPath(), caller).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			return
		}
		c.Next()
	}
}

// JWTAuth requires a bearer token and stores its account id in the context.
func JWTAuth(tokens *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		parts := strings.Split(c.GetHeader("Authorization"), " ")
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			response.Unauthorized(c, "Invalid authorization header")
			return
		}

		claims, err := tokens.ValidateToken(parts[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			return
		}

		c.Set(AccountIDKey, claims.AccountID)
		c.Set("claims", claims)
		c.Next()
	}
}

// InternalAuth guards operator routes with a shared key.
func InternalAuth(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" || c.GetHeader("X-Internal-Key") != key {
			response.Unauthorized(c, "Internal key required")
			return
		}
		c.Next()
	}
}

// RequestLogger logs one line per request.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("account_id", c.GetString(AccountIDKey)).
			Msg("request")
	}
}

// AccountID returns the authenticated account set by JWTAuth.
func AccountID(c *gin.Context) string {
	return c.GetString(AccountIDKey)
}
