package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const monitorIDKey = "monitorID"

// MonitorVerifier validates a bearer token and returns the monitor it was
// issued to.
type MonitorVerifier interface {
	Subject(token string) (string, error)
}

// RequireMonitor guards the monitor API. The bearer token's subject becomes
// the acting monitor id for the rest of the chain.
func RequireMonitor(v MonitorVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearer(c.GetHeader("Authorization"))
		mid, err := v.Subject(token)
		if err != nil || mid == "" {
			c.Header("WWW-Authenticate", `Bearer realm="monitor"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": RequestIDFrom(c),
				"code":       "unauthorized",
				"message":    "monitor authentication required",
			})
			return
		}
		c.Set(monitorIDKey, mid)
		c.Next()
	}
}

// MonitorIDFrom returns the id set by RequireMonitor, or "".
func MonitorIDFrom(c *gin.Context) string { return c.GetString(monitorIDKey) }

func bearer(h string) string {
	const prefix = "bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}
