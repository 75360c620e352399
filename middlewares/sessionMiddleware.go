package middlewares

import (
	"strings"

	"github.com/Dm1tryAndreev1ch/apperate/utils"
	"github.com/gin-gonic/gin"
)

const UserHeader = "x-user-id"

// SessionMiddleware records who asked for a report. The id comes from the
// fronting gateway and is stored as the report's generator.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId := strings.TrimSpace(c.GetHeader(UserHeader))
		if userId == "" {
			c.Next()
			return
		}
		c.Request = c.Request.WithContext(utils.SetUserIdInContext(c.Request.Context(), userId))
		c.Next()
	}
}
