package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Stage is a named pipeline step. A stage mutates the shared Context and may
// abort the run; returning an error aborts it with the error message.
type Stage struct {
	Name string
	Run  func(ctx context.Context, pc *Context) error
}

// Hooks observe stage execution. A panicking hook never aborts the pipeline.
type Hooks struct {
	BeforeStage func(name string, pc *Context)
	AfterStage  func(name string, pc *Context, elapsed time.Duration)
	OnError     func(name string, err error, pc *Context)
}

// Runner executes stages in declared order against a shared Context. The
// runner holds no state between runs, so a single Runner may serve many
// concurrent pipelines as long as the stage list is not mutated mid-run.
type Runner struct {
	stages []Stage
	hooks  Hooks
	logger *zap.Logger
}

// NewRunner creates a runner. A nil logger is replaced with a no-op logger.
func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{logger: logger}
}

// WithHooks sets the observability hooks. Chainable.
func (r *Runner) WithHooks(h Hooks) *Runner {
	r.hooks = h
	return r
}

// Use appends a stage. Chainable.
func (r *Runner) Use(s Stage) *Runner {
	r.stages = append(r.stages, s)
	return r
}

// Remove drops the named stage; a no-op when absent. Chainable.
func (r *Runner) Remove(name string) *Runner {
	out := r.stages[:0]
	for _, s := range r.stages {
		if s.Name != name {
			out = append(out, s)
		}
	}
	r.stages = out
	return r
}

// Stages lists the registered stage names in execution order.
func (r *Runner) Stages() []string {
	names := make([]string, len(r.stages))
	for i, s := range r.stages {
		names[i] = s.Name
	}
	return names
}

// Run executes the stages in order. A stage is skipped once the context is
// aborted; a stage error (or panic) aborts the run with the stage name in
// the reason and fires OnError.
func (r *Runner) Run(ctx context.Context, pc *Context) *Context {
	for _, s := range r.stages {
		if pc.Aborted {
			break
		}
		r.fireBefore(s.Name, pc)
		start := time.Now()
		err := r.runStage(ctx, s, pc)
		elapsed := time.Since(start)
		if err != nil {
			r.logger.Warn("Pipeline stage failed",
				zap.String("stage", s.Name),
				zap.Error(err))
			r.fireError(s.Name, err, pc)
			pc.Aborted = true
			pc.AbortReason = fmt.Sprintf("%s: %s", s.Name, err.Error())
			break
		}
		r.fireAfter(s.Name, pc, elapsed)
	}
	return pc
}

func (r *Runner) runStage(ctx context.Context, s Stage, pc *Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return s.Run(ctx, pc)
}

func (r *Runner) fireBefore(name string, pc *Context) {
	if r.hooks.BeforeStage == nil {
		return
	}
	defer r.recoverHook("beforeStage", name)
	r.hooks.BeforeStage(name, pc)
}

func (r *Runner) fireAfter(name string, pc *Context, elapsed time.Duration) {
	if r.hooks.AfterStage == nil {
		return
	}
	defer r.recoverHook("afterStage", name)
	r.hooks.AfterStage(name, pc, elapsed)
}

func (r *Runner) fireError(name string, err error, pc *Context) {
	if r.hooks.OnError == nil {
		return
	}
	defer r.recoverHook("onError", name)
	r.hooks.OnError(name, err, pc)
}

func (r *Runner) recoverHook(hook, stage string) {
	if rec := recover(); rec != nil {
		r.logger.Debug("Pipeline hook panicked",
			zap.String("hook", hook),
			zap.String("stage", stage),
			zap.Any("panic", rec))
	}
}
