package api

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"coffer/internal/server/config"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization", HeaderWorkspaceID, HeaderUserID},
	}))
	e.Use(RequestLogger())

	// Rate limiter on upload endpoint only
	uploadLimiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	// Health & metrics
	e.GET("/health", handler.HandleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Files (all workspace-scoped via X-Workspace-ID)
	e.POST("/api/files", handler.HandleUpload, uploadLimiter.Middleware())
	e.GET("/api/files", handler.HandleList)
	e.GET("/api/files/:id", handler.HandleInfo)
	e.GET("/api/files/:id/download", handler.HandleDownload)
	e.GET("/api/files/:id/signed-url", handler.HandleSignedURL)
	e.POST("/api/files/:id/restore", handler.HandleRestore)
	e.DELETE("/api/files/:id", handler.HandleDelete)

	// Workspace stats
	e.GET("/api/stats", handler.HandleStats)

	// Admin
	e.POST("/api/admin/cleanup", handler.HandleCleanup)
	e.GET("/api/admin/storage-stats", handler.HandleStorageStats)

	return e
}
