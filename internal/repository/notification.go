package repository

import (
	"context"
	"errors"
	"time"

	"mallflow/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotificationNotFound = errors.New("notification not found")

type NotificationInterface interface {
	Create(ctx context.Context, n *model.Notification) (bool, error)
	GetByBusinessKey(ctx context.Context, businessKey string) (*model.Notification, error)
	TryLockForPush(ctx context.Context, businessKey string, now time.Time) (LockResult, error)
	MarkPushSent(ctx context.Context, businessKey string) error
	MarkPushRetry(ctx context.Context, businessKey string, errMsg string, next time.Time) error
	MarkPushDead(ctx context.Context, businessKey string, errMsg string) error
	SelectRetryable(ctx context.Context, now time.Time, orphanBefore time.Time, limit int) ([]model.Notification, error)
	RequeueStaleProcessing(ctx context.Context, lockedBefore time.Time) (int64, error)
	ListByUser(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]model.Notification, error)
	MarkRead(ctx context.Context, userID int64, id int64) error
	MarkAllRead(ctx context.Context, userID int64) (int64, error)
	WithTx(tx *gorm.DB) NotificationInterface
}

type NotificationRepository struct {
	db *gorm.DB
}

func NewNotificationRepository(db *gorm.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create inserts the notification; a second insert for the same business key
// is a no-op reported as false.
func (r *NotificationRepository) Create(ctx context.Context, n *model.Notification) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(n)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *NotificationRepository) GetByBusinessKey(ctx context.Context, businessKey string) (*model.Notification, error) {
	var n model.Notification
	err := r.db.WithContext(ctx).Where("business_key = ?", businessKey).Take(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// TryLockForPush moves a due NEW notification to PROCESSING. Redelivered
// broker messages lose here and are dropped by the caller.
func (r *NotificationRepository) TryLockForPush(ctx context.Context, businessKey string, now time.Time) (LockResult, error) {
	res := r.db.WithContext(ctx).Model(&model.Notification{}).
		Where("business_key = ? AND push_status = ? AND (next_retry_time IS NULL OR next_retry_time <= ?)",
			businessKey, model.PushNew, now).
		Updates(map[string]any{
			"push_status": model.PushProcessing,
			"locked_at":   now,
		})
	if res.Error != nil {
		return LockAlreadyHeld, res.Error
	}
	return lockResult(res.RowsAffected), nil
}

func (r *NotificationRepository) MarkPushSent(ctx context.Context, businessKey string) error {
	return r.fromProcessing(ctx, businessKey, map[string]any{
		"push_status":     model.PushSent,
		"next_retry_time": nil,
		"locked_at":       nil,
	})
}

func (r *NotificationRepository) MarkPushRetry(ctx context.Context, businessKey string, errMsg string, next time.Time) error {
	return r.fromProcessing(ctx, businessKey, map[string]any{
		"push_status":      model.PushNew,
		"push_retry_count": gorm.Expr("push_retry_count + 1"),
		"next_retry_time":  next,
		"last_error":       TruncateError(errMsg),
		"locked_at":        nil,
	})
}

func (r *NotificationRepository) MarkPushDead(ctx context.Context, businessKey string, errMsg string) error {
	return r.fromProcessing(ctx, businessKey, map[string]any{
		"push_status":      model.PushDead,
		"push_retry_count": gorm.Expr("push_retry_count + 1"),
		"next_retry_time":  nil,
		"last_error":       TruncateError(errMsg),
		"locked_at":        nil,
	})
}

func (r *NotificationRepository) fromProcessing(ctx context.Context, businessKey string, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&model.Notification{}).
		Where("business_key = ? AND push_status = ?", businessKey, model.PushProcessing).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLockLost
	}
	return nil
}

// SelectRetryable returns NEW notifications that need a push attempt without
// a broker message: retries that are now due, and first attempts older than
// orphanBefore whose message never arrived.
func (r *NotificationRepository) SelectRetryable(ctx context.Context, now time.Time, orphanBefore time.Time, limit int) ([]model.Notification, error) {
	var list []model.Notification
	err := r.db.WithContext(ctx).
		Where("push_status = ?", model.PushNew).
		Where(r.db.Where("push_retry_count > 0 AND next_retry_time <= ?", now).
			Or("push_retry_count = 0 AND created_at < ?", orphanBefore)).
		Order("id ASC").Limit(limit).Find(&list).Error
	if err != nil {
		return nil, err
	}
	return list, nil
}

func (r *NotificationRepository) RequeueStaleProcessing(ctx context.Context, lockedBefore time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.Notification{}).
		Where("push_status = ? AND locked_at < ?", model.PushProcessing, lockedBefore).
		Updates(map[string]any{
			"push_status": model.PushNew,
			"locked_at":   nil,
		})
	return res.RowsAffected, res.Error
}

func (r *NotificationRepository) ListByUser(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]model.Notification, error) {
	var list []model.Notification
	q := r.db.WithContext(ctx).Where("to_user_id = ?", userID)
	if unreadOnly {
		q = q.Where("read_status = ?", model.Unread)
	}
	if err := q.Order("id DESC").Limit(limit).Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

// MarkRead flags one of the recipient's notifications as read. Marking an
// already read notification succeeds.
func (r *NotificationRepository) MarkRead(ctx context.Context, userID int64, id int64) error {
	res := r.db.WithContext(ctx).Model(&model.Notification{}).
		Where("id = ? AND to_user_id = ? AND read_status = ?", id, userID, model.Unread).
		Update("read_status", model.Read)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	err := r.db.WithContext(ctx).Model(&model.Notification{}).
		Where("id = ? AND to_user_id = ?", id, userID).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

func (r *NotificationRepository) MarkAllRead(ctx context.Context, userID int64) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.Notification{}).
		Where("to_user_id = ? AND read_status = ?", userID, model.Unread).
		Update("read_status", model.Read)
	return res.RowsAffected, res.Error
}

func (r *NotificationRepository) WithTx(tx *gorm.DB) NotificationInterface {
	return &NotificationRepository{db: tx}
}
