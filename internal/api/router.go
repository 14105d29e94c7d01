package api

import (
	"context"
	"net/http"

	"mallflow/internal/config"
	"mallflow/internal/metrics"
	"mallflow/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// HealthFunc reports whether the backing stores are reachable.
type HealthFunc func(ctx context.Context) error

type Handlers struct {
	Export *ExportHandler
	Query  *QueryHandler
	Stream *StreamHandler
	Health HealthFunc
}

func RegisterRoutes(h Handlers, rdb *redis.Client, cfg *config.Config) *gin.Engine {
	r := gin.New()

	r.Use(
		middleware.CorsMiddleware(),
		middleware.RequestID(),
		middleware.GinZapLogger(),
		middleware.GinZapRecovery(),
		middleware.HttpMiddleware(),
		middleware.TraceMiddleware(),
	)
	r.SetTrustedProxies(nil)

	r.GET("/health", func(c *gin.Context) {
		if err := h.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	protected := r.Group("/v1")
	protected.Use(middleware.JWTMiddleware([]byte(cfg.Auth.JWTSecret), cfg.Auth.DevMode))
	{
		protected.POST("/exports/:biz",
			middleware.RateLimitMiddleware(rdb, cfg.RateLimit.RequestsPerSecond),
			middleware.IdempotencyMiddleware(rdb, cfg.Idempotency),
			h.Export.Submit,
		)
		protected.GET("/tasks/:id", h.Query.GetTask)
		protected.GET("/notifications", h.Query.ListNotifications)
		protected.POST("/notifications/read-all", h.Query.MarkAllRead)
		protected.POST("/notifications/:id/read", h.Query.MarkRead)
		protected.GET("/notifications/stream", h.Stream.Watch)
	}
	return r
}
