package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"PPChat/global"
	"PPChat/logger"
)

// Origin rejects browser requests whose Origin header is not listed. An
// empty list, or a request without Origin (non-browser clients), passes.
func Origin(allowed []string) gin.HandlerFunc {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = struct{}{}
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if len(set) == 0 || origin == "" {
			c.Next()
			return
		}
		if _, ok := set[strings.TrimRight(strings.ToLower(origin), "/")]; !ok {
			logger.Warn("origin rejected", zap.String("origin", origin), zap.String("path", c.Request.URL.Path))
			c.AbortWithStatusJSON(http.StatusForbidden, global.Fail(http.StatusForbidden, "origin not allowed"))
			return
		}
		c.Next()
	}
}
