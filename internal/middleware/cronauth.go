package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"
	"github.com/reflectapp/insightd/pkg/response"
)

const cronTokenHeader = "X-Cron-Token"

// CronAuth authenticates batch trigger requests with a static shared token.
// An empty configured token fails closed: every request is rejected rather
// than leaving the endpoints open.
func CronAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			response.Unauthorized(c, "cron endpoints are disabled")
			c.Abort()
			return
		}
		got := c.GetHeader(cronTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			response.Unauthorized(c, "invalid cron token")
			c.Abort()
			return
		}
		c.Next()
	}
}
