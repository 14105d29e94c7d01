package repository

import (
	"context"
	"errors"
	"maps"
	"time"

	"mallflow/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type TaskInterface interface {
	Create(ctx context.Context, task *model.Task) (bool, error)
	GetByID(ctx context.Context, id int64) (*model.Task, error)
	FindInFlightByFingerprint(ctx context.Context, fingerprint string) (*model.Task, error)
	CASUpdate(ctx context.Context, id int64, expectedVersion int, fields map[string]any) (int64, error)
	ExtendLease(ctx context.Context, id int64, version int, until time.Time) (int64, error)
	SelectWaiting(ctx context.Context, limit int, updatedBefore time.Time) ([]model.Task, error)
	SelectExpiredRunning(ctx context.Context, now time.Time, limit int) ([]model.Task, error)
	ReclaimExpired(ctx context.Context, id int64, expectedVersion int, now time.Time, fields map[string]any) (int64, error)
	WithTx(tx *gorm.DB) TaskInterface
}

type TaskRepository struct {
	db *gorm.DB
}

func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Create inserts the task unless a live task already holds its fingerprint,
// in which case it reports false and leaves the table untouched.
func (r *TaskRepository) Create(ctx context.Context, task *model.Task) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(task)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *TaskRepository) GetByID(ctx context.Context, id int64) (*model.Task, error) {
	var task model.Task
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *TaskRepository) FindInFlightByFingerprint(ctx context.Context, fingerprint string) (*model.Task, error) {
	var task model.Task
	err := r.db.WithContext(ctx).
		Where("inflight_fingerprint = ?", fingerprint).
		Take(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// CASUpdate applies fields and bumps the version only if the stored version
// still equals expectedVersion. It returns the number of rows changed.
func (r *TaskRepository) CASUpdate(ctx context.Context, id int64, expectedVersion int, fields map[string]any) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(withVersionBump(fields))
	return res.RowsAffected, res.Error
}

// ExtendLease pushes the lease of a RUNNING task forward. It is not a status
// transition and leaves the version alone.
func (r *TaskRepository) ExtendLease(ctx context.Context, id int64, version int, until time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ? AND version = ? AND status = ?", id, version, model.TaskRunning).
		Update("lease_expires_at", until)
	return res.RowsAffected, res.Error
}

func (r *TaskRepository) SelectWaiting(ctx context.Context, limit int, updatedBefore time.Time) ([]model.Task, error) {
	var tasks []model.Task
	q := r.db.WithContext(ctx).Where("status = ?", model.TaskWaiting)
	if !updatedBefore.IsZero() {
		q = q.Where("updated_at <= ?", updatedBefore)
	}
	if err := q.Order("id ASC").Limit(limit).Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *TaskRepository) SelectExpiredRunning(ctx context.Context, now time.Time, limit int) ([]model.Task, error) {
	var tasks []model.Task
	err := r.db.WithContext(ctx).
		Where("status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?", model.TaskRunning, now).
		Order("id ASC").Limit(limit).Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// ReclaimExpired is CASUpdate restricted to a RUNNING task whose lease has
// already lapsed, so a live heartbeat always beats the reaper.
func (r *TaskRepository) ReclaimExpired(ctx context.Context, id int64, expectedVersion int, now time.Time, fields map[string]any) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ? AND version = ? AND status = ? AND lease_expires_at < ?", id, expectedVersion, model.TaskRunning, now).
		Updates(withVersionBump(fields))
	return res.RowsAffected, res.Error
}

func (r *TaskRepository) WithTx(tx *gorm.DB) TaskInterface {
	return &TaskRepository{db: tx}
}

func withVersionBump(fields map[string]any) map[string]any {
	updates := make(map[string]any, len(fields)+1)
	maps.Copy(updates, fields)
	updates["version"] = gorm.Expr("version + 1")
	return updates
}
