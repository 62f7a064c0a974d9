package main

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/casbridge/internal/handlers"
	"github.com/huangang/casbridge/internal/middleware"
	"github.com/huangang/casbridge/pkg/logger"
)

// registerRoutes sets up all HTTP routes on the given Gin engine.
func registerRoutes(r *gin.Engine, svc *appServices) *middleware.RateLimiter {
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.Use(middleware.CORS(svc.cfg.Server.AllowOrigins...))

	// Password login and ticket exchange are unauthenticated
	loginLimiter := middleware.NewRateLimiter(5, 20)

	r.GET("/health", svc.healthHandler.CheckHealth)
	r.GET("/metrics", handlers.Metrics(svc.registry))

	api := r.Group("/api")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/login", loginLimiter.Middleware(), svc.authHandler.Login)
			auth.POST("/refresh", svc.authHandler.Refresh)

			auth.GET("/cas/settings", svc.casHandler.GetPublicSettings)
			auth.GET("/cas/login-url", svc.casHandler.GetLoginURL)
			auth.GET("/cas/callback", loginLimiter.Middleware(), svc.casHandler.Callback)
			auth.POST("/cas/callback", loginLimiter.Middleware(), svc.casHandler.Callback)
		}

		protected := api.Group("")
		protected.Use(middleware.AuthRequired())
		{
			protected.GET("/auth/me", svc.authHandler.GetCurrentUser)
			protected.POST("/auth/logout", svc.authHandler.Logout)
			protected.POST("/auth/change-password", svc.authHandler.ChangePassword)
			protected.POST("/auth/cas/logout", svc.casHandler.Logout)
		}

		admin := api.Group("")
		admin.Use(middleware.AuthRequired(), middleware.AdminRequired(), middleware.AuditLog())
		{
			admin.GET("/users", svc.userHandler.List)
			admin.GET("/users/:id", svc.userHandler.Get)
			admin.POST("/users", svc.userHandler.Create)
			admin.PUT("/users/:id", svc.userHandler.Update)
			admin.DELETE("/users/:id", svc.userHandler.Delete)

			admin.GET("/system-config/cas", svc.casHandler.GetConfig)
			admin.PUT("/system-config/cas", svc.casHandler.UpdateConfig)
			admin.POST("/system-config/cas/test", svc.casHandler.TestConnection)
			admin.GET("/system-config", svc.configHandler.GetByGroup)
			admin.PUT("/system-config", svc.configHandler.Update)

			admin.GET("/system-logs", svc.systemLogHandler.List)
			admin.GET("/system-logs/modules", svc.systemLogHandler.GetModules)
		}
	}
	return loginLimiter
}
