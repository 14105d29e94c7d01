package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"mallflow/internal/export"
	"mallflow/internal/model"
	"mallflow/internal/repository"
	v1 "mallflow/pkg/api/v1"
	"mallflow/pkg/constraints"
	"mallflow/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrUnknownBizType = errors.New("unknown business type")
	ErrInvalidParams  = errors.New("params must be valid JSON")
	ErrMalformedEvent = errors.New("malformed event")
)

type RunnerRegistry interface {
	Lookup(biz model.BizType) (export.TaskRunner, bool)
	Supports(biz model.BizType) bool
}

type SubmitReceipt struct {
	RequestKey  string `json:"request_key"`
	Fingerprint string `json:"fingerprint"`
}

// TaskGate turns export requests into tasks. The request path only enqueues a
// create request; the row is inserted later by CreateFromRequest, which
// collapses requests sharing a fingerprint onto the live task.
type TaskGate struct {
	db         *gorm.DB
	taskRepo   repository.TaskInterface
	outboxRepo repository.OutboxInterface
	producer   *OutboxProducer
	runners    RunnerRegistry
	newID      func() string
}

func NewTaskGate(db *gorm.DB, taskRepo repository.TaskInterface, outboxRepo repository.OutboxInterface, producer *OutboxProducer, runners RunnerRegistry) *TaskGate {
	return &TaskGate{
		db:         db,
		taskRepo:   taskRepo,
		outboxRepo: outboxRepo,
		producer:   producer,
		runners:    runners,
		newID:      func() string { return uuid.New().String() },
	}
}

// Fingerprint identifies a request for dedup. A client idempotency key takes
// precedence over the (user, business type, params) tuple.
func Fingerprint(userID int64, biz model.BizType, params string, idemKey string) (string, error) {
	var src string
	if idemKey = strings.TrimSpace(idemKey); idemKey != "" {
		src = fmt.Sprintf("idem:%d:%s", userID, idemKey)
	} else {
		normalized, err := NormalizeParams(params)
		if err != nil {
			return "", err
		}
		src = fmt.Sprintf("%d:%d:%s", userID, biz, normalized)
	}
	sum := sha256.Sum256([]byte(src))
	return hex.EncodeToString(sum[:]), nil
}

// NormalizeParams re-encodes JSON params with sorted object keys so that
// equivalent requests hash alike.
func NormalizeParams(params string) (string, error) {
	params = strings.TrimSpace(params)
	if params == "" || params == "null" {
		return "", nil
	}
	dec := json.NewDecoder(strings.NewReader(params))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if dec.More() {
		return "", ErrInvalidParams
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// Submit enqueues a create request and returns without touching the task
// table.
func (g *TaskGate) Submit(ctx context.Context, actor model.Actor, biz model.BizType, params string, idemKey string) (*SubmitReceipt, error) {
	if !g.runners.Supports(biz) {
		return nil, ErrUnknownBizType
	}
	normalized, err := NormalizeParams(params)
	if err != nil {
		return nil, err
	}
	fp, err := Fingerprint(actor.UserID, biz, normalized, idemKey)
	if err != nil {
		return nil, err
	}

	requestKey := fmt.Sprintf("task:%s:%s", fp, g.newID())
	req := v1.TaskCreateRequest{
		DedupKey:    requestKey,
		Fingerprint: fp,
		BizType:     int(biz),
		ParamJSON:   normalized,
		UserID:      actor.UserID,
		UserName:    actor.Name,
	}
	if _, err := g.producer.Enqueue(ctx, g.outboxRepo, actor, constraints.TopicTaskCreate, constraints.TagExportCreate, requestKey, req); err != nil {
		return nil, err
	}

	logger.Info("export request accepted",
		zap.String("request_key", requestKey),
		zap.Int64("user_id", actor.UserID),
		zap.Stringer("biz_type", biz))
	return &SubmitReceipt{RequestKey: requestKey, Fingerprint: fp}, nil
}

// CreateFromRequest inserts a WAITING task and its task event in one
// transaction, unless a non-terminal task with the same fingerprint exists,
// in which case that task is returned with created=false.
func (g *TaskGate) CreateFromRequest(ctx context.Context, req v1.TaskCreateRequest) (*model.Task, bool, error) {
	if req.Fingerprint == "" {
		return nil, false, fmt.Errorf("%w: create request %q without fingerprint", ErrMalformedEvent, req.DedupKey)
	}
	biz := model.BizType(req.BizType)
	actor := model.Actor{UserID: req.UserID, Name: req.UserName}

	var task *model.Task
	created := false
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txTask := g.taskRepo.WithTx(tx)
		txOutbox := g.outboxRepo.WithTx(tx)

		existing, err := txTask.FindInFlightByFingerprint(ctx, req.Fingerprint)
		if err != nil {
			return err
		}
		if existing != nil {
			task = existing
			return nil
		}

		fp := req.Fingerprint
		t := &model.Task{
			BizKey:              g.newID(),
			DedupKey:            req.DedupKey,
			Fingerprint:         fp,
			InflightFingerprint: &fp,
			Name:                "export " + biz.String(),
			Type:                model.TaskTypeExportExcel,
			BizType:             biz,
			RequestParam:        req.ParamJSON,
			Status:              model.TaskWaiting,
			CreateUserID:        actor.UserID,
			CreateUserName:      actor.Name,
			UpdateUserID:        actor.UserID,
			UpdateUserName:      actor.Name,
		}
		ok, err := txTask.Create(ctx, t)
		if err != nil {
			return err
		}
		if !ok {
			// Lost the insert race to another gate instance.
			existing, err := txTask.FindInFlightByFingerprint(ctx, req.Fingerprint)
			if err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("task for fingerprint %s vanished after conflict", fp)
			}
			task = existing
			return nil
		}

		task = t
		created = true
		_, err = g.producer.Enqueue(ctx, txOutbox, actor, constraints.TopicTask, constraints.TagExport,
			strconv.FormatInt(t.ID, 10), v1.TaskEvent{TaskID: t.ID, BizKey: t.BizKey})
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("create task from %s: %w", req.DedupKey, err)
	}

	if created {
		logger.Info("task created", zap.Int64("task_id", task.ID), zap.String("request_key", req.DedupKey))
	} else {
		logger.Info("duplicate export request collapsed",
			zap.Int64("task_id", task.ID),
			zap.String("request_key", req.DedupKey))
	}
	return task, created, nil
}
