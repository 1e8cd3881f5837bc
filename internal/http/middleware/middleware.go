package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"astralcore.app/crisis/common/logger"
)

const userIDKey = "crisis.user_id"

// Recovery turns a panic into a 500 without leaking its value to the client.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(c.Request.Context(), "panic recovered in http handler",
					"panic", r,
					"path", c.FullPath(),
					"stack", string(debug.Stack()))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}

// Logger logs one line per request with the trace context of the request.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		slog.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", c.Writer.Size())
	}
}

// UserID reads the caller's opaque user id from header, set by the trusted
// gateway in front of this service. Requests without it are rejected.
func UserID(header string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !setUserID(c, header) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
			return
		}
		c.Next()
	}
}

// OptionalUserID records the user id when the header is present.
func OptionalUserID(header string) gin.HandlerFunc {
	return func(c *gin.Context) {
		setUserID(c, header)
		c.Next()
	}
}

func setUserID(c *gin.Context, header string) bool {
	userID := strings.TrimSpace(c.GetHeader(header))
	if userID == "" {
		return false
	}
	c.Set(userIDKey, userID)
	ctx := logger.WithLogFields(c.Request.Context(), logger.LogFields{UserID: &userID})
	c.Request = c.Request.WithContext(ctx)
	return true
}

// GetUserID returns the id stored by UserID.
func GetUserID(c *gin.Context) (string, bool) {
	v, ok := c.Get(userIDKey)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}
