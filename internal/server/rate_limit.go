package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creditmeter/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	rateLimitReasonUserRate   = "user-rate"
	rateLimitReasonUsageKey   = "usage-key-in-flight"
	maxRateLimitPeekBodyBytes = 1 << 20
)

type settlementRateLimitKey struct {
	UserID   string `json:"user_id"`
	UsageKey string `json:"usage_key"`
}

// SettlementRateLimit throttles Start/End per user and serializes End calls
// that carry the same usage key. Redis failures fail open.
func (s *Server) SettlementRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		route := normalizeRateLimitRoute(c)
		log := logger.FromContext(ctx)

		key, err := readSettlementRateLimitKey(c)
		if err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
		if key.UserID == "" {
			// the handler rejects it with a validation error
			c.Next()
			return
		}

		res, err := s.limiter.AllowUser(ctx, key.UserID)
		if err != nil {
			log.Warn("settlement rate limit check failed", zap.Error(err))
		} else if !res.Allowed {
			s.denySettlementRateLimit(c, route, rateLimitReasonUserRate, res.RetryAfter)
			return
		}

		if key.UsageKey != "" {
			release, ok, err := s.limiter.LockUsageKey(ctx, key.UserID, key.UsageKey)
			if err != nil {
				log.Warn("usage key lock failed", zap.Error(err))
			} else if !ok {
				s.denySettlementRateLimit(c, route, rateLimitReasonUsageKey, time.Second)
				return
			}
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					log.Warn("usage key unlock failed", zap.Error(err))
				}
			}()
		}

		s.obsMetrics.RecordRateLimit(ctx, route, "allowed", "")
		c.Next()
	}
}

func (s *Server) denySettlementRateLimit(c *gin.Context, route, reason string, retryAfter time.Duration) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("settlement rate limit exceeded",
		zap.String("reason", reason),
		zap.String("route", route),
	)
	s.obsMetrics.RecordRateLimit(ctx, route, "denied", reason)

	seconds := int(retryAfter.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(seconds))
	c.Header("X-Rate-Limited-Reason", reason)
	AbortWithError(c, ErrRateLimited)
}

func readSettlementRateLimitKey(c *gin.Context) (settlementRateLimitKey, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRateLimitPeekBodyBytes))
	if err != nil {
		return settlementRateLimitKey{}, err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))

	var payload settlementRateLimitKey
	if len(body) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		// malformed bodies are rejected by the handler's own binding
		return settlementRateLimitKey{}, nil
	}
	payload.UserID = strings.TrimSpace(payload.UserID)
	payload.UsageKey = strings.TrimSpace(payload.UsageKey)
	return payload, nil
}

func normalizeRateLimitRoute(c *gin.Context) string {
	route := strings.TrimSpace(c.FullPath())
	if route == "" {
		route = strings.TrimSpace(c.Request.URL.Path)
	}
	if route == "" {
		route = "unknown"
	}
	return route
}
