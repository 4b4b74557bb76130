package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// corsMiddleware allows any origin. The server binds loopback for a single
// local user; the permissive policy exists so a UI dev server on another
// port can reach the API and the WebSocket endpoint.
func corsMiddleware() gin.HandlerFunc {
	const allowHeaders = "Origin, Content-Type, Authorization, Upgrade, Connection, " +
		"Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol"

	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", allowHeaders)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
