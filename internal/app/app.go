package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mx-space/social/internal/config"
	"github.com/mx-space/social/internal/database"
	"github.com/mx-space/social/internal/middleware"
	"github.com/mx-space/social/internal/modules/chat"
	"github.com/mx-space/social/internal/modules/device"
	"github.com/mx-space/social/internal/modules/follow"
	"github.com/mx-space/social/internal/modules/gateway"
	"github.com/mx-space/social/internal/modules/notification"
	"github.com/mx-space/social/internal/modules/presence"
	"github.com/mx-space/social/internal/modules/push"
	pkgcron "github.com/mx-space/social/internal/pkg/cron"
	jwtpkg "github.com/mx-space/social/internal/pkg/jwt"
	"github.com/mx-space/social/internal/pkg/metrics"
	provider "github.com/mx-space/social/internal/pkg/push"
	pkgredis "github.com/mx-space/social/internal/pkg/redis"
	"github.com/mx-space/social/internal/pkg/taskqueue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// App holds all application dependencies.
type App struct {
	cfg    *config.AppConfig
	router *gin.Engine
	db     *gorm.DB
	rc     *pkgredis.Client
	jwks   *keyfunc.JWKS
	authn  *middleware.Authenticator
	logger *zap.Logger

	hub         *gateway.Hub
	gw          *gateway.Gateway
	broadcaster *gateway.Broadcaster
	registry    *presence.Registry

	queue       *taskqueue.Queue
	pushQueue   *push.Queue
	worker      *taskqueue.Worker
	maintenance *push.Maintenance
	sched       *pkgcron.Scheduler

	devices       *device.Service
	notifications *notification.Service
	chat          *chat.Service
	follows       *follow.Service

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New initializes the application: config → DB → Redis → services → gateway →
// background workers → routes.
func New(logger *zap.Logger, cfg *config.AppConfig) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if err := applyRuntimeSettings(cfg, logger); err != nil {
		return nil, err
	}

	db, err := database.Connect(cfg, logger.Named("DB"))
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	rc, err := pkgredis.Connect(context.Background(), cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	a := &App{cfg: cfg, db: db, rc: rc, logger: logger, authn: middleware.NewAuthenticator(db)}

	if url := strings.TrimSpace(cfg.JWKSURL); url != "" {
		jwks, err := jwtpkg.NewJWKS(url)
		if err != nil {
			return nil, fmt.Errorf("jwks: %w", err)
		}
		jwtpkg.SetKeySet(jwks)
		a.jwks = jwks
	}

	a.buildServices()
	a.buildGateway()
	a.buildWorker()
	a.router = a.buildRouter()
	a.registerRoutes()

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.start(ctx)

	return a, nil
}

func (a *App) buildServices() {
	cfg := a.cfg

	a.queue = taskqueue.New(a.rc, push.QueueName, taskqueue.Options{Lease: cfg.Push.LeaseTimeout})
	a.pushQueue = push.NewQueue(a.queue, cfg.Push.MaxAttempts, cfg.Push.Backoff)

	a.registry = presence.NewRegistry(a.rc, presence.Config{
		SocketTTL:   cfg.Presence.SocketTTL,
		LastSeenTTL: cfg.Presence.LastSeenTTL,
		TypingTTL:   cfg.Presence.TypingTTL,
	}, presence.WithLogger(a.logger.Named("Presence")))

	a.devices = device.NewService(a.db)
	a.notifications = notification.NewService(a.db, a.pushQueue,
		notification.WithLogger(a.logger.Named("Notification")))
	a.chat = chat.NewService(a.db)
	a.follows = follow.NewService(a.db, a.notifications, a.logger.Named("Follow"))
}

// buildGateway wires the live transport. The hub and the gateway refer to each
// other, so the hub is attached after the gateway exists; the notification service
// only gains its live path once the gateway is up.
func (a *App) buildGateway() {
	gwLogger := a.logger.Named("Gateway")

	a.hub = gateway.NewHub(gwLogger)
	a.broadcaster = gateway.NewBroadcaster(a.rc, gwLogger)
	a.gw = gateway.New(gateway.Deps{
		Auth:      a.authn.Validate,
		Registry:  a.registry,
		Chat:      a.chat,
		Audience:  a.follows,
		Router:    a.notifications,
		Emitter:   a.hub,
		Publisher: a.broadcaster,
		Logger:    gwLogger,
	})
	a.hub.Attach(a.gw)
	a.notifications.SetLive(a.gw)
}

func (a *App) buildWorker() {
	cfg := a.cfg
	workerLogger := a.logger.Named("PushWorker")

	client := provider.NewClient(provider.Config{
		Endpoint:      cfg.Push.Endpoint,
		AccessToken:   cfg.Push.AccessToken,
		RatePerSecond: cfg.Push.RatePerSecond,
	})
	processor := push.NewProcessor(a.devices, client, workerLogger)

	a.worker = taskqueue.NewWorker(a.queue, taskqueue.WorkerOptions{
		Concurrency:  cfg.Push.Concurrency,
		PollInterval: cfg.Push.PollInterval,
		Logger:       workerLogger,
	})
	a.worker.Handle(push.JobSend, processor.Handle)

	day := 24 * time.Hour
	a.maintenance = push.NewMaintenance(a.queue, a.notifications, a.devices, a.gw, push.Retention{
		Notifications:  time.Duration(cfg.Retention.NotificationsDays) * day,
		InactiveTokens: time.Duration(cfg.Retention.InactiveTokensDays) * day,
		FinishedJobs:   time.Duration(cfg.Retention.FinishedJobsDays) * day,
	}, workerLogger)
	a.maintenance.Register(a.worker)

	a.sched = pkgcron.New(a.logger.Named("CronService"))
}

func (a *App) buildRouter() *gin.Engine {
	cfg := a.cfg
	if cfg.IsDev() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(a.logger.Named("HTTP")))
	router.Use(metrics.GinMiddleware())

	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "x-idempotence"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}
	if len(cfg.AllowedOrigins) > 0 && !cfg.IsDev() {
		patterns := cfg.AllowedOrigins
		corsConfig.AllowOriginFunc = func(origin string) bool {
			host := extractOriginHost(origin)
			for _, pattern := range patterns {
				if matchOriginPattern(pattern, host) {
					return true
				}
			}
			return false
		}
	} else {
		corsConfig.AllowOriginFunc = func(origin string) bool { return true }
	}
	router.Use(cors.New(corsConfig))
	return router
}

// start launches the background loops. Scheduling failures are logged and never
// block startup.
func (a *App) start(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	a.group = g

	g.Go(func() error {
		if err := a.broadcaster.Run(gctx, a.hub); err != nil && gctx.Err() == nil {
			a.logger.Error("gateway broadcast loop stopped", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		return a.worker.Run(gctx)
	})
	g.Go(func() error {
		a.gw.RunHeartbeat(gctx, a.registry.HeartbeatInterval())
		return nil
	})

	if a.cfg.Cron.Enable {
		if err := registerCronJobs(ctx, a.sched, a.maintenance, a.logger.Named("CronService")); err != nil {
			a.logger.Warn("scheduling error, maintenance jobs disabled", zap.Error(err))
		} else {
			a.sched.Start(gctx)
		}
	}
}

// Addr returns the listen address.
func (a *App) Addr() string { return fmt.Sprintf(":%d", a.cfg.Port) }

// Router returns the HTTP handler.
func (a *App) Router() http.Handler { return a.router }

// Shutdown disconnects local sockets, stops the background loops and closes the
// shared store.
func (a *App) Shutdown() {
	a.hub.Close()
	a.cancel()
	if err := a.group.Wait(); err != nil {
		a.logger.Warn("background loop exited with error", zap.Error(err))
	}
	if a.jwks != nil {
		a.jwks.EndBackground()
	}
	if err := a.rc.Close(); err != nil {
		a.logger.Warn("close redis", zap.Error(err))
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// cfgStartTime keeps runtime uptime stable across hot paths without extra globals.
func (a *App) cfgStartTime() time.Time {
	return processStart
}

var processStart = time.Now()
