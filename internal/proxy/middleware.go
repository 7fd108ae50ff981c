package proxy

import (
	"github.com/gin-gonic/gin"

	"github.com/vllm-studio/reason-proxy/internal/logger"
)

// RequestID tags every request with an id for log correlation. A client-sent
// X-Request-Id is honored so ids stay stable across hops; otherwise one is
// generated. The id is echoed on the response and stored in the request
// context, where WithContext picks it up.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = logger.GenerateRequestID()
		}

		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))
		c.Writer.Header().Set("X-Request-Id", id)
		c.Next()
	}
}
