package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"
)

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(loggerMiddleware())
}

// loggerMiddleware logs every request at V(3), and failed ones always.
func loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		status := c.Writer.Status()
		if status >= 500 {
			klog.ErrorS(nil, "API request failed", "status", status, "method", c.Request.Method, "path", path,
				"ip", c.ClientIP(), "latency", time.Since(start), "error", c.Errors.ByType(gin.ErrorTypePrivate).String())
			return
		}
		klog.V(3).InfoS("API request", "status", status, "method", c.Request.Method, "path", path,
			"ip", c.ClientIP(), "latency", time.Since(start))
	}
}
