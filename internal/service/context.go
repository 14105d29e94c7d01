package service

import (
	"context"

	"mallflow/internal/model"
)

type contextKey string

const operatorKey contextKey = "operator"

// OperatorInfo defines the structured identity of a user
type OperatorInfo struct {
	UserID int64
	Name   string
	Role   string
}

// WithOperator injects the operator info into the context
func WithOperator(ctx context.Context, op *OperatorInfo) context.Context {
	return context.WithValue(ctx, operatorKey, op)
}

// GetOperatorInfo retrieves the operator info from the context
func GetOperatorInfo(ctx context.Context) *OperatorInfo {
	val, ok := ctx.Value(operatorKey).(*OperatorInfo)
	if !ok {
		return nil
	}
	return val
}

// ActorFromContext resolves the request operator into the actor passed to
// store mutations. Requests without an operator act as the system.
func ActorFromContext(ctx context.Context) model.Actor {
	op := GetOperatorInfo(ctx)
	if op == nil {
		return model.SystemActor
	}
	return model.Actor{UserID: op.UserID, Name: op.Name}
}

const traceKey contextKey = "trace_id"

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	traceID, _ := ctx.Value(traceKey).(string)
	return traceID
}
