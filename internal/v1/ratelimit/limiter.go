// Package ratelimit implements per-IP rate limiting for WebSocket upgrades.
package ratelimit

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/cinesala/backend/internal/v1/logging"
	"go.uber.org/zap"
)

// RateLimiter guards the ws upgrade endpoints against connection floods.
type RateLimiter struct {
	wsIP *limiter.Limiter
}

// NewRateLimiter creates a RateLimiter from a formatted rate ("100-M").
func NewRateLimiter(wsIPRate string) (*RateLimiter, error) {
	rate, err := limiter.NewRateFromFormatted(wsIPRate)
	if err != nil {
		return nil, fmt.Errorf("invalid ws ip rate: %w", err)
	}

	store := memory.NewStore()
	return &RateLimiter{
		wsIP: limiter.New(store, rate),
	}, nil
}

// CheckWebSocket enforces the per-IP upgrade limit. It writes the 429
// response itself and returns false when the caller must abort.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	if rl == nil || rl.wsIP == nil {
		return true
	}

	ip := c.ClientIP()
	lctx, err := rl.wsIP.Get(c.Request.Context(), "ws:ip:"+ip)
	if err != nil {
		// Fail open: a broken limiter must not take down connectivity.
		logging.Error(c.Request.Context(), "rate limiter failure", zap.Error(err))
		return true
	}

	if lctx.Reached {
		logging.Warn(c.Request.Context(), "WebSocket upgrade rate limited", zap.String("ip", ip))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
		return false
	}
	return true
}
