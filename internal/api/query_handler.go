package api

import (
	"context"
	"errors"
	"net/http"

	"mallflow/internal/dto/req"
	"mallflow/internal/dto/resp"
	"mallflow/internal/model"
	"mallflow/internal/repository"
	"mallflow/internal/service"
	"mallflow/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type QueryProvider interface {
	GetTask(ctx context.Context, actor model.Actor, id int64) (*model.Task, error)
	ListNotifications(ctx context.Context, actor model.Actor, unreadOnly bool, limit int) ([]model.Notification, error)
	MarkRead(ctx context.Context, actor model.Actor, id int64) error
	MarkAllRead(ctx context.Context, actor model.Actor) (int64, error)
}

type QueryHandler struct {
	service QueryProvider
}

func NewQueryHandler(service QueryProvider) *QueryHandler {
	return &QueryHandler{service: service}
}

func (h *QueryHandler) GetTask(c *gin.Context) {
	var uri req.IDUri
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	task, err := h.service.GetTask(c.Request.Context(), service.ActorFromContext(c.Request.Context()), uri.ID)
	if errors.Is(err, service.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		logger.Error("get task failed", zap.Int64("task_id", uri.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, resp.NewTaskItem(task))
}

func (h *QueryHandler) ListNotifications(c *gin.Context) {
	var q req.ListNotificationsRequest
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid params"})
		return
	}

	list, err := h.service.ListNotifications(c.Request.Context(), service.ActorFromContext(c.Request.Context()), q.Unread, q.Limit)
	if err != nil {
		logger.Error("list notifications failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, resp.NewNotificationList(list))
}

func (h *QueryHandler) MarkRead(c *gin.Context) {
	var uri req.IDUri
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	err := h.service.MarkRead(c.Request.Context(), service.ActorFromContext(c.Request.Context()), uri.ID)
	if errors.Is(err, repository.ErrNotificationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
		return
	}
	if err != nil {
		logger.Error("mark read failed", zap.Int64("notification_id", uri.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *QueryHandler) MarkAllRead(c *gin.Context) {
	n, err := h.service.MarkAllRead(c.Request.Context(), service.ActorFromContext(c.Request.Context()))
	if err != nil {
		logger.Error("mark all read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	c.JSON(http.StatusOK, resp.MarkAllReadResponse{Updated: n})
}
