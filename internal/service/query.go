package service

import (
	"context"
	"errors"

	"mallflow/internal/model"
	"mallflow/internal/repository"
)

var ErrTaskNotFound = errors.New("task not found")

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// QueryService serves a user's own tasks and notifications.
type QueryService struct {
	taskRepo  repository.TaskInterface
	notifRepo repository.NotificationInterface
}

func NewQueryService(taskRepo repository.TaskInterface, notifRepo repository.NotificationInterface) *QueryService {
	return &QueryService{taskRepo: taskRepo, notifRepo: notifRepo}
}

// GetTask hides tasks of other users behind ErrTaskNotFound.
func (s *QueryService) GetTask(ctx context.Context, actor model.Actor, id int64) (*model.Task, error) {
	task, err := s.taskRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil || task.CreateUserID != actor.UserID {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

func (s *QueryService) ListNotifications(ctx context.Context, actor model.Actor, unreadOnly bool, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.notifRepo.ListByUser(ctx, actor.UserID, unreadOnly, limit)
}

func (s *QueryService) MarkRead(ctx context.Context, actor model.Actor, id int64) error {
	return s.notifRepo.MarkRead(ctx, actor.UserID, id)
}

func (s *QueryService) MarkAllRead(ctx context.Context, actor model.Actor) (int64, error) {
	return s.notifRepo.MarkAllRead(ctx, actor.UserID)
}
