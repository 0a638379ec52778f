package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"renung/internal/ratelimit"
	"renung/pkg/types"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// Scopes used to key the HTTP limiter.
const (
	scopeGlobal     = "global"
	scopeCreateRoom = "CREATE_ROOM"
	scopeJoinRoom   = "JOIN_ROOM"
)

// clientIdentifier is the first X-Forwarded-For entry, else X-Real-IP,
// else the peer address, else "unknown".
func clientIdentifier(c *gin.Context) string {
	r := c.Request
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(c.Request.Context(), requestIDKey, reqID)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-Id", reqID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"client", clientIdentifier(c),
			"duration", time.Since(start).Round(time.Microsecond),
			"request_id", c.Writer.Header().Get("X-Request-Id"))
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	allowAny := lo.Contains(s.config.AllowedOrigins, "*")
	allowed := lo.Map(s.config.AllowedOrigins, func(o string, _ int) string {
		return strings.TrimRight(strings.TrimSpace(o), "/")
	})

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case origin == "":
		case allowAny:
			c.Header("Access-Control-Allow-Origin", origin)
		case lo.Contains(allowed, origin):
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-Id")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// globalRateLimitMiddleware applies the global policy to every request.
func (s *Server) globalRateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Limiter == nil {
			c.Next()
			return
		}

		key := ratelimit.Key(scopeGlobal, clientIdentifier(c))
		if !s.deps.Limiter.Allow(key, s.deps.Policies.Global) {
			retry := s.deps.Limiter.ResetTime(key)
			s.tooManyRequests(c, retry, fmt.Sprintf("Too many requests. Try again in %d seconds.", retry))
			return
		}
		c.Next()
	}
}

// admit applies an endpoint policy and writes the 429 itself when refused.
func (s *Server) admit(c *gin.Context, scope string, p ratelimit.Policy, message string) bool {
	if s.deps.Limiter == nil {
		return true
	}
	key := ratelimit.Key(scope, clientIdentifier(c))
	if s.deps.Limiter.Allow(key, p) {
		return true
	}
	s.tooManyRequests(c, s.deps.Limiter.ResetTime(key), message)
	return false
}

func (s *Server) tooManyRequests(c *gin.Context, retryAfter int, message string) {
	s.logger.Info("request rate limited",
		"path", c.Request.URL.Path,
		"client", clientIdentifier(c),
		"retry_after", retryAfter)

	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, types.FailureResponse{
		Status:     false,
		Error:      http.StatusText(http.StatusTooManyRequests),
		Message:    message,
		RetryAfter: retryAfter,
	})
}
