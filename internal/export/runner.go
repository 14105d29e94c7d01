// Package export holds the runners that execute tasks by business type.
package export

import (
	"context"
	"errors"
	"sort"

	"mallflow/internal/model"
)

// TaskRunner executes one task and returns a reference to its result.
type TaskRunner interface {
	Run(ctx context.Context, task *model.Task) (resultRef string, err error)
}

type RunnerFunc func(ctx context.Context, task *model.Task) (string, error)

func (f RunnerFunc) Run(ctx context.Context, task *model.Task) (string, error) {
	return f(ctx, task)
}

// Registry maps a business type to its runner. It is filled at startup and
// read-only afterwards.
type Registry struct {
	runners map[model.BizType]TaskRunner
}

func NewRegistry() *Registry {
	return &Registry{runners: make(map[model.BizType]TaskRunner)}
}

func (r *Registry) Register(biz model.BizType, runner TaskRunner) {
	r.runners[biz] = runner
}

func (r *Registry) Lookup(biz model.BizType) (TaskRunner, bool) {
	runner, ok := r.runners[biz]
	return runner, ok
}

func (r *Registry) Supports(biz model.BizType) bool {
	_, ok := r.runners[biz]
	return ok
}

func (r *Registry) BizTypes() []model.BizType {
	out := make([]model.BizType, 0, len(r.runners))
	for b := range r.runners {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as one that retrying cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
