package middleware

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/ordersync/internal/auth"
	"github.com/ksred/ordersync/pkg/response"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// TokenValidator is satisfied by auth.Service.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client and route.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limits   map[string]rate.Limit // by path prefix
}

// NewRateLimiter returns a limiter with the ops API defaults
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limits: map[string]rate.Limit{
			"/api/v1/auth":     rate.Limit(10.0 / 60.0), // 10 requests per minute
			"/api/v1/internal": rate.Limit(30.0 / 60.0),
			"/api/v1/orders":   rate.Limit(600.0 / 60.0),
		},
	}
}

func (rl *RateLimiter) limiter(path, client string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := client + ":" + path
	v, exists := rl.visitors[key]
	if !exists {
		limit := rate.Inf
		for prefix, l := range rl.limits {
			if strings.HasPrefix(path, prefix) {
				limit = l
				break
			}
		}
		v = &visitor{limiter: rate.NewLimiter(limit, 1)}
		rl.visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

// Cleanup drops visitors idle for longer than maxIdle
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, v := range rl.visitors {
		if time.Since(v.lastSeen) > maxIdle {
			delete(rl.visitors, key)
		}
	}
}

// Handler limits by route and client. The client is the authenticated
// operator when JWTAuth ran earlier in the chain, the client IP otherwise.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		client := c.GetString("operator")
		if client == "" {
			client = c.ClientIP()
		}

		if !rl.limiter(c.FullPath(), client).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth requires a bearer token carrying scope
func JWTAuth(validator TokenValidator, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		parts := strings.Fields(c.GetHeader("Authorization"))
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		claims, err := validator.ValidateToken(parts[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		if !claims.HasScope(scope) {
			response.Forbidden(c, "Token lacks the "+scope+" scope")
			c.Abort()
			return
		}

		c.Set("operator", claims.Operator)
		c.Next()
	}
}

// RequestLogger logs one line per request with zerolog
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := log.Info()
		if c.Writer.Status() >= 500 {
			event = log.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http request")
	}
}
