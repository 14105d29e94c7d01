package repository

import (
	"context"
	"errors"
	"time"

	"mallflow/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type OutboxInterface interface {
	InsertDedup(ctx context.Context, entry *model.OutboxEntry) (id int64, existed bool, err error)
	GetByID(ctx context.Context, id int64) (*model.OutboxEntry, error)
	FetchPending(ctx context.Context, limit int, now time.Time) ([]model.OutboxEntry, error)
	TryLockForSend(ctx context.Context, id int64, now time.Time) (LockResult, error)
	MarkSent(ctx context.Context, id int64) error
	MarkRetry(ctx context.Context, id int64, errMsg string, next time.Time) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
	RequeueStaleSending(ctx context.Context, lockedBefore time.Time) (int64, error)
	DeleteSentBefore(ctx context.Context, before time.Time) (int64, error)
	WithTx(tx *gorm.DB) OutboxInterface
}

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// InsertDedup stores the entry unless (topic, tag, msg_key) already exists, in
// which case it returns the id of the stored row.
func (r *OutboxRepository) InsertDedup(ctx context.Context, entry *model.OutboxEntry) (int64, bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(entry)
	if res.Error != nil {
		return 0, false, res.Error
	}
	if res.RowsAffected > 0 {
		return entry.ID, false, nil
	}

	var existing model.OutboxEntry
	err := r.db.WithContext(ctx).Select("id").
		Where("topic = ? AND tag = ? AND msg_key = ?", entry.Topic, entry.Tag, entry.MsgKey).
		Take(&existing).Error
	if err != nil {
		return 0, true, err
	}
	return existing.ID, true, nil
}

func (r *OutboxRepository) GetByID(ctx context.Context, id int64) (*model.OutboxEntry, error) {
	var entry model.OutboxEntry
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// FetchPending returns NEW rows that are due at now, oldest first.
func (r *OutboxRepository) FetchPending(ctx context.Context, limit int, now time.Time) ([]model.OutboxEntry, error) {
	var entries []model.OutboxEntry
	err := r.db.WithContext(ctx).
		Where("status = ? AND (next_retry_time IS NULL OR next_retry_time <= ?)", model.OutboxNew, now).
		Order("id ASC").Limit(limit).Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// TryLockForSend moves a due NEW row to SENDING. Exactly one of several
// concurrent callers acquires it.
func (r *OutboxRepository) TryLockForSend(ctx context.Context, id int64, now time.Time) (LockResult, error) {
	res := r.db.WithContext(ctx).Model(&model.OutboxEntry{}).
		Where("id = ? AND status = ? AND (next_retry_time IS NULL OR next_retry_time <= ?)", id, model.OutboxNew, now).
		Updates(map[string]any{
			"status":    model.OutboxSending,
			"locked_at": now,
		})
	if res.Error != nil {
		return LockAlreadyHeld, res.Error
	}
	return lockResult(res.RowsAffected), nil
}

func (r *OutboxRepository) MarkSent(ctx context.Context, id int64) error {
	return r.fromSending(ctx, id, map[string]any{
		"status":          model.OutboxSent,
		"next_retry_time": nil,
		"locked_at":       nil,
	})
}

// MarkRetry returns the row to NEW, counts the failed attempt and defers the
// next pickup to next.
func (r *OutboxRepository) MarkRetry(ctx context.Context, id int64, errMsg string, next time.Time) error {
	return r.fromSending(ctx, id, map[string]any{
		"status":          model.OutboxNew,
		"retry_count":     gorm.Expr("retry_count + 1"),
		"next_retry_time": next,
		"last_error":      TruncateError(errMsg),
		"locked_at":       nil,
	})
}

// MarkFailed counts the final attempt and parks the row in FAILED for good.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	return r.fromSending(ctx, id, map[string]any{
		"status":          model.OutboxFailed,
		"retry_count":     gorm.Expr("retry_count + 1"),
		"next_retry_time": nil,
		"last_error":      TruncateError(errMsg),
		"locked_at":       nil,
	})
}

func (r *OutboxRepository) fromSending(ctx context.Context, id int64, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&model.OutboxEntry{}).
		Where("id = ? AND status = ?", id, model.OutboxSending).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLockLost
	}
	return nil
}

// RequeueStaleSending releases rows whose sender vanished while holding them.
func (r *OutboxRepository) RequeueStaleSending(ctx context.Context, lockedBefore time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.OutboxEntry{}).
		Where("status = ? AND locked_at < ?", model.OutboxSending, lockedBefore).
		Updates(map[string]any{
			"status":    model.OutboxNew,
			"locked_at": nil,
		})
	return res.RowsAffected, res.Error
}

func (r *OutboxRepository) DeleteSentBefore(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.OutboxSent, before).
		Delete(&model.OutboxEntry{})
	return res.RowsAffected, res.Error
}

func (r *OutboxRepository) WithTx(tx *gorm.DB) OutboxInterface {
	return &OutboxRepository{db: tx}
}
