package middlewares

import (
	"strings"

	"github.com/Dm1tryAndreev1ch/apperate/utils"
	"github.com/gin-gonic/gin"
)

const CorrelationHeader = "x-correlation-id"

// CorrelationMiddleware attaches the caller's correlation id to the request
// context, generating one when absent, and echoes it back.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if cid := strings.TrimSpace(c.GetHeader(CorrelationHeader)); cid != "" {
			ctx = utils.SetCorrelationIdInContext(ctx, cid)
		}
		ctx, cid := utils.EnsureCorrelationId(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Header(CorrelationHeader, cid)
		c.Next()
	}
}
