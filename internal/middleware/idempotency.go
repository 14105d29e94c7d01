package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"mallflow/internal/config"
	"mallflow/internal/service"
	"mallflow/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// IdempotencyMiddleware rejects a repeated idempotency key from the same
// caller within the configured window. Requests without the header pass, and
// so does everything while redis is unreachable; the task gate still dedups
// by fingerprint behind it.
func IdempotencyMiddleware(rdb redis.Cmdable, cfg config.IdempotencyConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(cfg.Header)
		if key == "" {
			c.Next()
			return
		}

		var uid int64
		if op := service.GetOperatorInfo(c.Request.Context()); op != nil {
			uid = op.UserID
		}
		redisKey := fmt.Sprintf("%s%d:%s", cfg.Prefix, uid, key)

		ctx, cancel := context.WithTimeout(c.Request.Context(), 100*time.Millisecond)
		defer cancel()

		ok, err := rdb.SetNX(ctx, redisKey, time.Now().Unix(), cfg.TTL).Result()
		if err != nil {
			logger.Warn("idempotency check unavailable, letting request through",
				zap.String("key", redisKey),
				zap.Error(err))
			c.Next()
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "duplicate request"})
			return
		}
		c.Next()
	}
}
