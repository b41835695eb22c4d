package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// TraceIDKey is the gin context key the trace id is stored under.
const TraceIDKey = "trace_id"

// TraceIDHeader carries the trace id on requests and responses. A client
// value is honored so upstream proxies can stitch their own traces through.
const TraceIDHeader = "X-Trace-ID"

// TraceID tags every request with a trace id and echoes it back in the
// response header.
func TraceID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(TraceIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(TraceIDKey, id)
		c.Header(TraceIDHeader, id)
		c.Next()
	}
}

// GetTraceID returns the request's trace id, or "" outside a traced request.
func GetTraceID(c *gin.Context) string {
	v, ok := c.Get(TraceIDKey)
	if !ok {
		return ""
	}
	return v.(string)
}
