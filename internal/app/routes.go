package app

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/social/internal/middleware"
	"github.com/mx-space/social/internal/modules/auth"
	"github.com/mx-space/social/internal/modules/chat"
	"github.com/mx-space/social/internal/modules/device"
	"github.com/mx-space/social/internal/modules/follow"
	"github.com/mx-space/social/internal/modules/gateway"
	"github.com/mx-space/social/internal/modules/notification"
	"github.com/mx-space/social/internal/modules/presence"
	"github.com/mx-space/social/internal/modules/push"
	"github.com/mx-space/social/internal/modules/tasks/crontask"
	"github.com/mx-space/social/internal/pkg/metrics"
	"github.com/mx-space/social/internal/pkg/response"
)

const (
	apiPrefix         = "/api/v1"
	requestsPerSecond = 20
)

func (a *App) registerRoutes() {
	r := a.router
	db := a.db
	rdb := a.rc.Raw()
	authMW := a.authn.Middleware()

	r.NoRoute(func(c *gin.Context) {
		response.NotFound(c)
	})
	r.NoMethod(func(c *gin.Context) {
		response.MethodNotAllowed(c)
	})

	// Socket.IO polling posts repeat identical bodies, so the transport stays
	// outside the idempotence and rate limit middleware.
	root := r.Group("")
	gateway.RegisterRoutes(root, a.hub, a.gw, a.broadcaster.NodeID())
	root.GET("/metrics", gin.WrapH(metrics.Handler()))
	root.GET("/health", a.health)

	api := r.Group(apiPrefix)
	api.Use(middleware.RateLimit(rdb, requestsPerSecond, a.logger.Named("RateLimit")))
	api.Use(middleware.Idempotence(rdb))

	api.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"data": "pong"}) })
	api.GET("/uptime", func(c *gin.Context) {
		uptime := time.Since(a.cfgStartTime())
		c.JSON(http.StatusOK, gin.H{
			"timestamp": uptime.Milliseconds(),
			"humanize":  humanizeDuration(uptime),
		})
	})

	auth.NewHandler(auth.NewService(db)).RegisterRoutes(api, authMW)
	presence.NewHandler(a.registry, a.gw).RegisterRoutes(api, authMW)
	notification.NewHandler(a.notifications).RegisterRoutes(api, authMW)
	device.NewHandler(a.devices).RegisterRoutes(api, authMW)
	chat.NewHandler(a.chat).RegisterRoutes(api, authMW)
	follow.NewHandler(a.follows).RegisterRoutes(api, authMW)
	push.NewHandler(a.pushQueue).RegisterRoutes(api, authMW)

	ops := api.Group("", authMW)
	crontask.NewHandler(a.sched, a.queue).RegisterRoutes(ops, middleware.RequireUsers(a.cfg.Admins))
}

// health reports store reachability and queue depth. Any store failure is a 503.
func (a *App) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{"database": "ok", "redis": "ok"}

	if sqlDB, err := a.db.DB(); err != nil {
		status, checks["database"] = http.StatusServiceUnavailable, err.Error()
	} else if err := sqlDB.PingContext(ctx); err != nil {
		status, checks["database"] = http.StatusServiceUnavailable, err.Error()
	}
	if err := a.rc.Ping(ctx); err != nil {
		status, checks["redis"] = http.StatusServiceUnavailable, err.Error()
	}

	body := gin.H{
		"status":      http.StatusText(status),
		"checks":      checks,
		"node":        a.broadcaster.NodeID(),
		"connections": a.gw.ConnectionCount(),
	}
	if waiting, active, err := a.queue.Counts(ctx); err == nil {
		body["queue"] = gin.H{"waiting": waiting, "active": active}
	}
	c.JSON(status, body)
}
