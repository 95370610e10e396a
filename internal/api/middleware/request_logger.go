package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const requestIDHeader = "X-Request-Id"

// RequestLogger logs one line per HTTP request. Upgraded websocket requests
// are logged when the socket ends, with the connection lifetime.
func RequestLogger(l *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header(requestIDHeader, reqID)
		c.Set("request_id", reqID)

		upgrade := websocket.IsWebSocketUpgrade(c.Request)
		c.Next()

		fields := logrus.Fields{
			"request_id": reqID,
			"method":     c.Request.Method,
			"route":      c.FullPath(),
			"status":     c.Writer.Status(),
			"ip":         c.ClientIP(),
		}
		if uid, ok := c.Get("user_id"); ok {
			fields["user_id"] = uid
		}
		if m := c.Param("meeting_id"); m != "" {
			fields["meeting_id"] = m
		}
		if src := c.Query("source"); src != "" && upgrade {
			fields["source"] = src
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
		}

		msg := "request"
		if upgrade {
			msg = "websocket closed"
			fields["duration_ms"] = time.Since(start).Milliseconds()
		} else {
			fields["latency_ms"] = time.Since(start).Milliseconds()
		}

		entry := l.WithFields(fields)
		switch status := c.Writer.Status(); {
		case status >= 500:
			entry.Error(msg)
		case status >= 400:
			entry.Warn(msg)
		case c.FullPath() == "/ping":
			entry.Debug(msg)
		default:
			entry.Info(msg)
		}
	}
}
