package gateway

import (
	"github.com/gin-gonic/gin"
	"github.com/mx-space/social/internal/pkg/response"
)

// RegisterRoutes mounts socket.io and the stats endpoint.
func RegisterRoutes(rg *gin.RouterGroup, hub *Hub, gw *Gateway, nodeID string) {
	handler := gin.WrapH(hub.Handler())
	rg.Any("/socket.io", handler)
	rg.Any("/socket.io/*any", handler)

	rg.GET("/gateway/stats", func(c *gin.Context) {
		response.OK(c, gin.H{
			"node":        nodeID,
			"connections": gw.ConnectionCount(),
		})
	})
}
