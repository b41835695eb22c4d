package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	apirest "github.com/tomonet/server/api/rest"
	"github.com/tomonet/server/api/sse"
	apows "github.com/tomonet/server/api/ws"
	"github.com/tomonet/server/audit"
	"github.com/tomonet/server/cache"
	"github.com/tomonet/server/config"
	dbadapter "github.com/tomonet/server/db"
	"github.com/tomonet/server/feed"
	mw "github.com/tomonet/server/middleware"
	"github.com/tomonet/server/model"
	"github.com/tomonet/server/notify"
	"github.com/tomonet/server/presence"
	"github.com/tomonet/server/realtime"
	"github.com/tomonet/server/scheduler"
	"github.com/tomonet/server/social"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	cfgPath := "config/config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- Logger ----
	var logger *zap.Logger
	var logErr error
	if cfg.Server.Debug {
		logger, logErr = zap.NewDevelopment()
	} else {
		logger, logErr = zap.NewProduction()
	}
	if logErr != nil {
		log.Fatalf("logger: %v", logErr)
	}
	defer logger.Sync()

	// Warn loudly if admin endpoints will be disabled.
	if cfg.Server.AdminKey == "" {
		logger.Warn("server.admin_key is not set; admin endpoints are disabled")
	}

	// ---- Database ----
	db, err := dbadapter.Open(cfg.Database)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	logger.Info("DB initialized")

	// ---- Audit ----
	auditSvc := audit.New(db, logger)
	defer auditSvc.Stop(nil)

	// ---- Cache / PubSub ----
	cacheConfig := cache.Config{
		RedisAddr:       cfg.Cache.RedisAddr,
		RedisPassword:   cfg.Cache.RedisPassword,
		RedisDB:         cfg.Cache.RedisDB,
		LocalGCInterval: cfg.Cache.LocalGCInterval,
		LocalPubSubBuf:  cfg.Cache.LocalPubSubBuf,
	}
	c, err := cache.New(cacheConfig)
	if err != nil {
		log.Fatalf("cache: %v", err)
	}
	pubsub, err := cache.NewPubSub(cacheConfig)
	if err != nil {
		log.Fatalf("pubsub: %v", err)
	}
	logger.Info("Cache initialized")

	// ---- Scheduler ----
	sched := scheduler.New(logger)
	defer sched.Stop()

	// ---- Core services ----
	registry := realtime.NewRegistry(db, cfg.Realtime, logger)
	graph := social.NewGraph(db, logger)

	dispatcher := notify.NewDispatcher(db, registry, graph, cfg.Notify, logger)
	dispatcher.Start()
	defer dispatcher.Stop()

	feedAgg := feed.NewAggregator(db, registry, graph, cfg.Feed, logger)
	presenceEng := presence.NewEngine(db, registry, graph, dispatcher, feedAgg, pubsub, cfg.Presence, logger)
	socialSvc := social.NewService(db, graph, dispatcher, feedAgg, logger)

	// ---- Periodic Scheduler Tasks ----
	sched.AddTicker("idle_connection_sweep", cfg.Realtime.IdleSweepEvery, func() {
		registry.IdleSweep()
	})
	sched.AddTicker("presence_reconcile", cfg.Presence.ReconcileEvery, func() {
		presenceEng.Reconcile(context.Background())
	})
	sched.AddTicker("request_expiry", time.Hour, func() {
		socialSvc.ExpireSweep(context.Background())
	})
	sched.AddTicker("feed_prune", cfg.Feed.PruneEvery, func() {
		feedAgg.PruneOld(context.Background())
	})
	sched.AddTicker("socket_session_prune", 24*time.Hour, func() {
		registry.PruneSessions(7 * 24 * time.Hour)
	})

	// ---- WS Router ----
	wsRouter := apows.NewRouter(logger)
	apows.RegisterSocialHandlers(wsRouter, presenceEng, graph, registry)

	// ---- Gin HTTP Server ----
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst))

	// Health check
	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ---- REST API routes ----
	authH := apirest.NewAuthHandler(db, c, cfg.Security, auditSvc)
	friendsH := apirest.NewFriendsHandler(socialSvc, auditSvc)
	presenceH := apirest.NewPresenceHandler(presenceEng)
	notifH := apirest.NewNotificationsHandler(dispatcher)
	feedH := apirest.NewFeedHandler(feedAgg)
	usersH := apirest.NewUsersHandler(db, feedAgg, logger)
	sseH := sse.NewHandler(pubsub, c, cfg.Security, graph, logger)
	adminH := apirest.NewAdminHandler(db, registry, sched, sseH, logger)

	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.POST("/login", authH.Login)
		authG.POST("/logout", mw.Auth(cfg.Security, c), authH.Logout)
		authG.POST("/refresh", mw.Auth(cfg.Security, c), authH.Refresh)

		usersG := api.Group("/users")
		usersG.Use(mw.Auth(cfg.Security, c))
		usersG.GET("/me", usersH.Me)
		usersG.PUT("/me", usersH.UpdateMe)

		friendsG := api.Group("/friends")
		friendsG.Use(mw.Auth(cfg.Security, c))
		friendsG.GET("", friendsH.ListFriends)
		friendsG.DELETE("/:id", friendsH.RemoveFriend)
		friendsG.POST("/requests", friendsH.SendRequest)
		friendsG.GET("/requests/received", friendsH.ListReceived)
		friendsG.GET("/requests/sent", friendsH.ListSent)
		friendsG.POST("/requests/:id/accept", friendsH.Accept)
		friendsG.POST("/requests/:id/decline", friendsH.Decline)
		friendsG.POST("/requests/:id/cancel", friendsH.Cancel)

		blocksG := api.Group("/blocks")
		blocksG.Use(mw.Auth(cfg.Security, c))
		blocksG.GET("", friendsH.ListBlocked)
		blocksG.POST("", friendsH.Block)
		blocksG.DELETE("/:id", friendsH.Unblock)

		presenceG := api.Group("/presence")
		presenceG.Use(mw.Auth(cfg.Security, c))
		presenceG.PUT("/status", presenceH.SetStatus)
		presenceG.GET("/friends", presenceH.FriendsPresence)
		presenceG.GET("/settings", presenceH.GetSettings)
		presenceG.PUT("/settings", presenceH.UpdateSettings)

		notifG := api.Group("/notifications")
		notifG.Use(mw.Auth(cfg.Security, c))
		notifG.GET("/unread", notifH.ListUnread)
		notifG.POST("/:id/read", notifH.MarkRead)
		notifG.POST("/read-all", notifH.MarkAllRead)
		notifG.DELETE("/:id", notifH.Delete)
		notifG.POST("/bulk-delete", notifH.BulkDelete)

		feedG := api.Group("/feed")
		feedG.Use(mw.Auth(cfg.Security, c))
		feedG.GET("", feedH.GetFeed)
		feedG.POST("/:id/hide", feedH.HideEntry)

		adminG := api.Group("/admin")
		adminG.Use(apirest.AdminAuth(cfg.Server.AdminKey))
		adminG.GET("/stats", adminH.Stats)
		adminG.GET("/online", adminH.OnlineUsers)
		adminG.POST("/kick/:id", adminH.KickUser)
		adminG.POST("/users/:id/ban", adminH.BanUser)
		adminG.GET("/scheduler", adminH.ListSchedulerTasks)
		adminG.POST("/scheduler/:name/run", adminH.RunTask)
		adminG.POST("/announce", adminH.Announce)
	}

	// ---- WebSocket ----
	wsH := apows.NewHandler(c, cfg.Security, registry, wsRouter, logger)
	r.GET("/ws", wsH.ServeWS)

	// ---- SSE ----
	r.GET("/sse", sseH.ServeSSE)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	logger.Info("Server listening", zap.String("addr", addr))
	if err := r.Run(addr); err != nil {
		log.Fatalf("server: %v", err)
	}
}
