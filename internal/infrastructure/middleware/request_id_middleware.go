package middleware

import (
	"time"

	"mediarelay/pkg/logger"
	"mediarelay/pkg/utils"

	"github.com/gin-gonic/gin"
)

const (
	// RequestIDHeader is echoed back on every response.
	RequestIDHeader = "X-Request-ID"

	requestIDKey = "request_id"
)

// RequestIDMiddleware tags the request with an id, stores it in the request
// context for log enrichment and writes one access log line per request.
func RequestIDMiddleware(log *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 64 {
			id = utils.GenerateRequestID()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))

		start := time.Now()
		c.Next()

		if log != nil {
			log.LogRequest(c.Request.Context(), c.Request.Method, c.Request.URL.Path,
				c.Writer.Status(), time.Since(start).Milliseconds())
		}
	}
}
