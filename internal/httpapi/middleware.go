package httpapi

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/eventhub/realtime/internal/apperr"
	"github.com/eventhub/realtime/internal/auth"
	"github.com/eventhub/realtime/internal/metrics"
	"github.com/eventhub/realtime/internal/ratelimit"
)

const identityKey = "identity"

// authenticate resolves the bearer token and stores the identity on the
// gin context and the request context.
func (h *Handler) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := h.cfg.Verifier.Verify(auth.BearerToken(c.GetHeader("Authorization")))
		if err != nil {
			h.abort(c, err)
			return
		}
		c.Set(identityKey, id)
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

func identity(c *gin.Context) auth.Identity {
	return c.MustGet(identityKey).(auth.Identity)
}

func byUser(c *gin.Context) string { return identity(c).ID }

func byUserAndEvent(c *gin.Context) string { return identity(c).ID + ":" + c.Param("eventId") }

// rateLimit rejects requests over rule with 429 and a Retry-After header.
// Limiter errors fail open.
func (h *Handler) rateLimit(rule ratelimit.Rule, key func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.cfg.Limiter == nil {
			c.Next()
			return
		}
		d, _ := h.cfg.Limiter.Check(c.Request.Context(), key(c), rule)
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			metrics.RateLimitedTotal.WithLabelValues(rule.Name).Inc()
			secs := int(d.RetryAfter.Round(time.Second).Seconds())
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			h.abort(c, apperr.RateLimited("http."+rule.Name, "rate limit exceeded"))
			return
		}
		c.Next()
	}
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := logger.Debug()
		if status >= 500 {
			ev = logger.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
