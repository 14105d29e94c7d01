package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"mallflow/internal/dto/req"
	"mallflow/internal/dto/resp"
	"mallflow/internal/model"
	"mallflow/internal/service"
	"mallflow/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type ExportSubmitter interface {
	Submit(ctx context.Context, actor model.Actor, biz model.BizType, params string, idemKey string) (*service.SubmitReceipt, error)
}

type ExportHandler struct {
	gate       ExportSubmitter
	idemHeader string
}

func NewExportHandler(gate ExportSubmitter, idemHeader string) *ExportHandler {
	return &ExportHandler{gate: gate, idemHeader: idemHeader}
}

// parseBiz accepts a business type by name or by numeric code.
func parseBiz(raw string) (model.BizType, bool) {
	if biz, ok := model.ParseBizType(raw); ok {
		return biz, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return model.BizType(n), true
}

func (h *ExportHandler) Submit(c *gin.Context) {
	biz, ok := parseBiz(c.Param("biz"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown business type"})
		return
	}

	var body req.SubmitExportRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "JSON format error"})
			return
		}
	}

	actor := service.ActorFromContext(c.Request.Context())
	receipt, err := h.gate.Submit(c.Request.Context(), actor, biz, string(body.Params), c.GetHeader(h.idemHeader))
	switch {
	case errors.Is(err, service.ErrUnknownBizType):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown business type"})
		return
	case errors.Is(err, service.ErrInvalidParams):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		logger.Error("submit export failed", zap.Int64("user_id", actor.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "submit failed"})
		return
	}

	c.JSON(http.StatusAccepted, resp.SubmitExportResponse{
		RequestKey:  receipt.RequestKey,
		Fingerprint: receipt.Fingerprint,
	})
}
