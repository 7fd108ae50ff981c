package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vllm-studio/reason-proxy/internal/config"
	"github.com/vllm-studio/reason-proxy/internal/dialect"
	"github.com/vllm-studio/reason-proxy/internal/logger"
	"github.com/vllm-studio/reason-proxy/internal/proxy"
	"github.com/vllm-studio/reason-proxy/internal/streaming"
)

func main() {
	cfg := config.Load()

	bootLog := log.NewWithOptions(os.Stdout, log.Options{
		ReportCaller:    true,
		ReportTimestamp: true,
		Level:           log.InfoLevel,
		TimeFormat:      time.Kitchen,
	})

	appLog := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	bootLog.Info("Setting Gin mode", "mode", cfg.GinMode)
	gin.SetMode(cfg.GinMode)

	target, err := url.Parse(cfg.UpstreamBaseURL)
	if err != nil {
		bootLog.Fatal("Invalid upstream base URL", "url", cfg.UpstreamBaseURL, "error", err)
	}

	profiles := dialect.DefaultProfiles()
	if cfg.ProfilesFile != "" {
		loaded, err := config.LoadProfiles(cfg.ProfilesFile)
		if err != nil {
			bootLog.Fatal("Failed to load dialect profiles", "path", cfg.ProfilesFile, "error", err)
		}
		profiles = loaded.Profiles
	}
	dialectRouter := dialect.NewRouter(profiles, appLog)

	registry := streaming.NewRegistry(streaming.RegistryOptions{
		TTL:            cfg.SessionTTL,
		SweepInterval:  cfg.SessionSweepInterval,
		MaxBufferBytes: cfg.SessionMaxBufferBytes,
		MaxTotalBytes:  cfg.SessionMaxTotalBytes,
	}, appLog)

	router := gin.Default()
	router.Use(proxy.RequestID())

	router.GET("/health", proxy.HealthHandler(cfg))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	chat := proxy.ChatCompletionsHandler(target, cfg, appLog, dialectRouter, registry)
	router.POST("/v1/chat/completions", chat)
	router.POST("/chat/completions", chat)

	// Everything else the backend serves relays untouched.
	router.NoRoute(proxy.PassthroughHandler(target, cfg, appLog))

	port := ":" + cfg.Port
	bootLog.Info("🔁  transform proxy listening on "+port, "upstream", cfg.UpstreamBaseURL)
	bootLog.Info("✅  dialect profiles", "profiles", dialectRouter.Profiles())

	srv := &http.Server{
		Addr:    port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			bootLog.Fatal("Failed to start server", "error", err)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	bootLog.Info("🛑 Shutting down server...")

	registry.Shutdown()
	bootLog.Info("✅ Session registry shutdown complete")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		bootLog.Fatal("Server forced to shutdown", "error", err)
	}

	bootLog.Info("✅ Server exited")
}
