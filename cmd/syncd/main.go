package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"listsync/internal/client/letterboxd"
	"listsync/internal/config"
	cronrunner "listsync/internal/cron"
	"listsync/internal/db"
	"listsync/internal/handler"
	"listsync/internal/logger"
	gormrepository "listsync/internal/repository/gorm"
	"listsync/internal/service"
	"listsync/internal/vault"
)

func main() {
	cfgPath := os.Getenv("LS_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("LS_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DBPath(), cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}

	credVault, err := vault.Open(cfg.VaultKeyPath())
	if err != nil {
		logger.Fatal("vault open failed", zap.Error(err))
	}

	store := gormrepository.New(dbConn.Gorm, credVault, cfg.DB.LockRetries)

	factory := func(username, password string) (service.RemoteClient, error) {
		return letterboxd.New(username, password, letterboxd.Options{
			BaseURL:      cfg.Letterboxd.BaseURL,
			HTTPClient:   &http.Client{Timeout: cfg.Letterboxd.Timeout},
			UserAgent:    cfg.Letterboxd.UserAgent,
			PageDelay:    cfg.Letterboxd.PageDelay,
			LoginRetries: cfg.Letterboxd.LoginRetries,
			LoginBackoff: cfg.Letterboxd.LoginBackoff,
		})
	}
	sessions := service.NewSessionCache(factory)

	reconciler := &service.Reconciler{
		Store:    store,
		Sessions: sessions,
		Logger:   logger,
	}
	orchestrator := &service.Orchestrator{
		Store:      store,
		Reconciler: reconciler,
		Factory:    factory,
		Logger:     logger,
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	healthHandler := &handler.HealthHandler{DB: dbConn}
	healthHandler.Register(engine)
	groupHandler := &handler.GroupHandler{Svc: orchestrator}
	groupHandler.Register(engine)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cronRunner := cronrunner.New(logger, ctx)
	if cfg.Sync.CronEnabled {
		_, err := cronRunner.Add(cfg.Sync.CronSpec, "sync_all", func(ctx context.Context) {
			out, err := orchestrator.SyncAll(ctx)
			if err != nil {
				logger.Warn("scheduled sync failed", zap.Error(err))
				return
			}
			logger.Info("scheduled sync complete", zap.Int("groups", out.GroupsProcessed))
		})
		if err != nil {
			logger.Warn("cron register sync failed", zap.Error(err))
		}
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
