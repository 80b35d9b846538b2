package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const requestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// requestID tags every request with an ID, reusing the caller's when sent.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), requestIDKey{}, id))
		c.Next()
	}
}

// accessLog writes one log line per request.
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		}
		e := entry(c).WithFields(fields)
		switch {
		case c.Writer.Status() >= 500:
			e.Error("request")
		case c.Writer.Status() >= 400:
			e.Warn("request")
		default:
			e.Info("request")
		}
	}
}

func requestIDFrom(c *gin.Context) string {
	id, _ := c.Request.Context().Value(requestIDKey{}).(string)
	return id
}

func entry(c *gin.Context) *log.Entry {
	return entryFromContext(c.Request.Context())
}

func entryFromContext(ctx context.Context) *log.Entry {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return log.WithField("request_id", id)
	}
	return log.NewEntry(log.StandardLogger())
}
