package middleware

import (
	"github.com/gin-gonic/gin"
)

// Authentication is a placeholder global middleware. It currently allows all requests.
// Operator endpoints will gate on deploy tokens once the token service lands.
func Authentication(c *gin.Context) {
	c.Next()
}
