package bootstrap

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-admission-api/internal/handler"
	"github.com/noah-isme/sma-admission-api/internal/middleware"
	"github.com/noah-isme/sma-admission-api/internal/models"
	"github.com/noah-isme/sma-admission-api/internal/service"
	"github.com/noah-isme/sma-admission-api/pkg/config"
	"github.com/noah-isme/sma-admission-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-admission-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sma-admission-api/pkg/middleware/requestid"
)

// Handlers groups the HTTP handlers mounted by NewRouter.
type Handlers struct {
	Applications *handler.ApplicationHandler
	Outbox       *handler.OutboxAdminHandler
	Metrics      *handler.MetricsHandler
}

// RouterDeps are the pieces NewRouter needs besides the handlers.
type RouterDeps struct {
	Config  *config.Config
	Logger  *zap.Logger
	Tokens  middleware.TokenValidator
	Metrics *service.MetricsService
}

// HandlersFor builds the handler set from a wired container.
func HandlersFor(c *Container) Handlers {
	return Handlers{
		Applications: handler.NewApplicationHandler(c.Admissions),
		Outbox:       handler.NewOutboxAdminHandler(c.Dispatcher, c.Metrics),
		Metrics: handler.NewMetricsHandler(c.Metrics, map[string]handler.PingFunc{
			"postgres": c.PingPostgres,
			"redis":    c.PingRedis,
		}),
	}
}

// NewRouter mounts every route on a fresh gin engine.
func NewRouter(deps RouterDeps, h Handlers) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(deps.Logger))
	r.Use(middleware.Metrics(deps.Metrics))
	r.Use(corsmiddleware.New(deps.Config.CORS.AllowedOrigins))

	r.GET("/health", h.Metrics.Health)
	r.GET("/ready", h.Metrics.Ready)
	r.GET("/metrics", h.Metrics.Prometheus)

	if deps.Config.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(deps.Config.APIPrefix)
	api.Use(middleware.JWT(deps.Tokens))

	apps := api.Group("/applications")
	apps.POST("", h.Applications.Create)
	apps.GET("", h.Applications.List)
	apps.GET("/:id", h.Applications.Get)
	apps.POST("/:id/transitions", h.Applications.Transition)
	apps.GET("/:id/transitions", h.Applications.History)
	apps.GET("/:id/transitions/options", h.Applications.Options)
	apps.GET("/:id/transitions/export", h.Applications.Export)

	admin := api.Group("/admin", middleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin))
	admin.GET("/metrics", h.Outbox.Metrics)
	outbox := admin.Group("/outbox")
	outbox.GET("/stats", h.Outbox.Stats)
	outbox.GET("/status", h.Outbox.Status)
	outbox.GET("/failed", h.Outbox.Failed)
	outbox.POST("/reprocess", h.Outbox.Reprocess)
	outbox.DELETE("/processed", h.Outbox.Purge)
	outbox.POST("/enable", h.Outbox.Enable)
	outbox.POST("/disable", h.Outbox.Disable)
	outbox.PUT("/batch-size", h.Outbox.SetBatchSize)

	return r
}
