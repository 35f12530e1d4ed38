// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/alexpierre9/choir-voice-player/internal/auth"
	"github.com/alexpierre9/choir-voice-player/internal/config"
	"github.com/alexpierre9/choir-voice-player/internal/logger"
	"github.com/alexpierre9/choir-voice-player/internal/observability"
	"github.com/alexpierre9/choir-voice-player/internal/score"
)

const (
	serviceName     = "choir-voice-player-api"
	serviceVersion  = "0.1.0"
	shutdownTimeout = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("api: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	appLog, err := logger.New(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer appLog.Sync()
	appLog = appLog.WithHashSalt(cfg.SessionSecret)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Init(ctx, appLog, observability.Config{
		Enabled:     cfg.OtelEnabled,
		ServiceName: serviceName,
		Environment: cfg.GinMode,
		Endpoint:    cfg.OtelEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}

	stack, err := setupJobs(ctx, cfg, appLog)
	if err != nil {
		return fmt.Errorf("failed to set up jobs: %w", err)
	}
	if err := stack.start(); err != nil {
		_ = stack.shutdown(context.Background())
		return fmt.Errorf("failed to start workers: %w", err)
	}

	gin.SetMode(cfg.GinMode)
	router := newRouter(cfg, appLog, stack)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		appLog.Info("starting API server", "addr", srv.Addr, "mode", cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return stack.sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		appLog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := stack.shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("job shutdown: %w", err))
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func newRouter(cfg *config.Config, appLog *logger.Logger, stack *jobStack) *gin.Engine {
	router := gin.New()
	router.MaxMultipartMemory = cfg.MaxFileSize
	router.Use(gin.Recovery(), requestLogger(appLog))
	if cfg.OtelEnabled {
		router.Use(otelgin.Middleware(serviceName))
	}

	// セッションストアの設定（クッキー署名鍵は必須）
	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = splitOrigins(cfg.CORSAllowedOrigins)
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", auth.CSRFHeader}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{auth.CSRFHeader, "Content-Disposition"}
	router.Use(cors.New(corsConfig))

	setupRoutes(router, cfg, appLog, stack)
	return router
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, appLog *logger.Logger, stack *jobStack) {
	router.GET("/health", healthHandler(stack))

	authManager := auth.NewManager(cfg, appLog)
	inspector := &score.Inspector{MaxFileSize: cfg.MaxFileSize, MaxPages: cfg.MaxPages}
	scores := score.NewHandler(stack.manager, inspector, appLog)

	api := router.Group("/api")
	{
		// ログイン時はセッション未生成なので CSRF 検証は不要
		api.POST("/auth/login", authManager.Login)

		protected := api.Group("", authManager.RequireLogin(), authManager.VerifyCSRF())
		protected.POST("/auth/logout", authManager.Logout)
		protected.GET("/auth/session", authManager.Session)
		scores.Register(protected)
	}
}

// healthHandler は API 自体の稼働状況と処理サービスの状態を返します。
// 処理サービスが落ちていても API は 200 を返します。
func healthHandler(stack *jobStack) gin.HandlerFunc {
	return func(c *gin.Context) {
		processingStatus := "healthy"
		if _, err := stack.processing.Health(c.Request.Context()); err != nil {
			processingStatus = "unavailable"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"service":    serviceName,
			"version":    serviceVersion,
			"processing": processingStatus,
		})
	}
}

func requestLogger(appLog *logger.Logger) gin.HandlerFunc {
	reqLog := appLog.With("component", "http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.FullPath() == "/health" {
			return
		}
		reqLog.Info("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"owner", auth.OwnerKey(c),
		)
	}
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
