package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/KodaTao/daily-assistant/server/config"
	"github.com/KodaTao/daily-assistant/server/handler"
	"github.com/KodaTao/daily-assistant/server/logging"
	"github.com/KodaTao/daily-assistant/server/model"
	"github.com/KodaTao/daily-assistant/server/notify"
	"github.com/KodaTao/daily-assistant/server/upstream"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		logrus.Debug("no .env file loaded")
	}

	// 加载配置，文件缺失时使用默认值
	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logrus.Fatalf("failed to load config: %v", err)
		}
		logrus.Warnf("config file %s not found, using defaults", *configPath)
		cfg = config.Default()
	}
	config.ApplyEnv(cfg)

	log, err := logging.New(cfg.Log)
	if err != nil {
		logrus.Fatalf("failed to init logger: %v", err)
	}
	if cfg.Auth.JWTSecret == "" {
		log.Fatal("JWT secret is not set")
	}
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	log.WithFields(logrus.Fields{
		"port":   cfg.Server.Port,
		"driver": cfg.Database.Driver,
	}).Info("config loaded")

	// 初始化数据库
	db, err := model.InitDB(cfg.Database)
	if err != nil {
		log.Fatalf("failed to init database: %v", err)
	}
	log.Info("database initialized")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	// 会话变更通知：配置了 redis 则跨实例广播
	hub := handler.NewHub(&cfg.WebSocket, log)
	var broadcaster notify.Broadcaster = notify.NewLocal(hub)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		rn := notify.NewRedis(rdb, cfg.Redis.Channel, hub, log)
		broadcaster = rn
		g.Go(func() error { return rn.Run(ctx) })
		log.WithField("addr", cfg.Redis.Addr).Info("redis notifications enabled")
	}

	up := upstream.New(cfg.Upstream, upstream.WithQualityModels(cfg.Images.QualityModels))
	chatHandler := handler.NewChatHandler(up, upstream.NewModelTable(cfg.Models), cfg.Upstream.APIKey, log)
	imageHandler := handler.NewImageHandler(up, cfg.Images, cfg.Upstream.APIKey, log)
	convHandler := handler.NewConversationHandler(model.NewConversationRepo(db), broadcaster, log)
	profileHandler := handler.NewProfileHandler(model.NewProfileRepo(db), log)

	// 设置路由
	r := gin.New()
	r.Use(gin.Recovery(), handler.CORS(cfg.Server.AllowOrigin), handler.RequestID(), handler.AccessLog(log))

	api := r.Group("/api")
	api.POST("/chat", chatHandler.Handle)
	api.POST("/images", imageHandler.Handle)

	authed := api.Group("", handler.Auth(cfg.Auth.JWTSecret))
	authed.GET("/conversations", convHandler.List)
	authed.PUT("/conversations/:id", convHandler.Upsert)
	authed.DELETE("/conversations/:id", convHandler.Delete)
	authed.PATCH("/conversations/:id", convHandler.UpdateTitle)
	authed.GET("/profile", profileHandler.Get)
	authed.PUT("/profile", profileHandler.Put)
	authed.GET("/ws", hub.HandleWS)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}
	g.Go(func() error {
		log.Infof("server starting on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
	log.Info("server stopped")
}
