package server

import (
	"github.com/abduss/driveup/internal/auth"
	"github.com/abduss/driveup/internal/config"
	"github.com/abduss/driveup/internal/file"
	"github.com/abduss/driveup/internal/intent"
	"github.com/abduss/driveup/internal/logger"
	"github.com/abduss/driveup/internal/metrics"
	"github.com/abduss/driveup/internal/objstore"
	"github.com/abduss/driveup/internal/session"
	"github.com/gin-gonic/gin"
)

// Dependencies groups the services required by the HTTP router.
type Dependencies struct {
	Config         config.Config
	DB             Pinger
	ObjectStore    objstore.Store
	AuthService    *auth.Service
	SessionService *session.Service
	IntentManager  *intent.Manager
	FileService    *file.Service
}

// NewRouter builds a Gin engine with foundational middleware and routes.
func NewRouter(deps Dependencies) *gin.Engine {
	metrics.InitMetrics()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logger.Middleware())
	router.Use(metrics.Middleware())

	registerHealthRoutes(router, deps)
	metrics.Register(router, deps.Config.Metrics.PrometheusPath)

	api := router.Group("/v1")
	if deps.AuthService != nil {
		auth.RegisterRoutes(api, deps.AuthService)

		protected := api.Group("/")
		protected.Use(auth.AuthMiddleware(deps.AuthService))

		bucket := deps.Config.ObjectStore.DefaultBucket
		if deps.SessionService != nil {
			session.RegisterRoutes(protected, deps.SessionService, deps.Config.Upload.MaxChunkSize, bucket)
		}
		if deps.IntentManager != nil {
			intent.RegisterRoutes(protected, deps.IntentManager, bucket)
		}
		if deps.FileService != nil {
			file.RegisterRoutes(protected, deps.FileService, bucket)
		}
	}

	return router
}
