package workflow

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/hupe1980/spellbridge/config"
	"github.com/hupe1980/spellbridge/core"
	"github.com/hupe1980/spellbridge/hook"
	"github.com/hupe1980/spellbridge/logging"
)

// Bridge is the part of the execution bridge a workflow drives.
type Bridge interface {
	InvokeAsync(ctx context.Context, engine core.EngineHandle, desc core.OperationDescriptor) (core.Value, error)
}

// Step is one unit of bridged work.
type Step struct {
	Name       string
	Descriptor core.OperationDescriptor
	// Input derives the step's args from the previous step's output. When
	// nil, the descriptor's own Args are used, or the previous output if
	// the descriptor has none.
	Input     func(prev core.Value) (core.Value, error)
	OnFailure FailurePolicy
	// Retry overrides the workflow's retry policy for this step.
	Retry *RetryPolicy
}

// StepStatus is the final status of a step in a run.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult records one executed step.
type StepResult struct {
	Name     string
	Index    int
	Status   StepStatus
	Attempts int
	Output   core.Value
	Err      error
	Duration time.Duration
}

// Result is the record of one run.
type Result struct {
	RunID    string
	Output   core.Value
	Steps    []StepResult
	Duration time.Duration
}

// Options configures a Workflow.
type Options struct {
	// Retry is the default policy of steps using Retry without their own.
	Retry      RetryPolicy
	Dispatcher *hook.Dispatcher
	Logger     logging.Logger
}

// Workflow runs its steps sequentially on one engine. The engine handle is
// thread-confined, so steps never overlap.
type Workflow struct {
	id    string
	name  string
	steps []Step
	b     Bridge
	opts  Options
}

// New validates steps and builds a workflow.
func New(name string, b Bridge, steps []Step, optFns ...func(o *Options)) (*Workflow, error) {
	if len(steps) == 0 {
		return nil, core.NewInvalidOperationError(name, "workflow has no steps")
	}
	seen := make(map[string]bool, len(steps))
	for i, s := range steps {
		if strings.TrimSpace(s.Name) == "" {
			return nil, core.NewInvalidOperationError(name, "step %d has no name", i)
		}
		if seen[s.Name] {
			return nil, core.NewInvalidOperationError(name, "duplicate step name %q", s.Name)
		}
		seen[s.Name] = true
		if d := s.Descriptor; strings.TrimSpace(d.Target) == "" || !d.Kind.Valid() || d.Deadline < 0 {
			return nil, core.NewInvalidOperationError(name, "step %q has an invalid descriptor", s.Name)
		}
	}

	opts := Options{
		Retry:  RetryPolicyFromConfig(config.Default().Workflow),
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	return &Workflow{
		id:    core.NewID(),
		name:  name,
		steps: append([]Step(nil), steps...),
		b:     b,
		opts:  opts,
	}, nil
}

// ID returns the workflow id, the entity id of its events.
func (w *Workflow) ID() string { return w.id }

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.name }

// Run executes every step in order, feeding each output to the next step.
// The returned Result is non-nil even on failure and lists the steps that
// ran.
func (w *Workflow) Run(ctx context.Context, engine core.EngineHandle, input core.Value) (*Result, error) {
	start := time.Now()
	res := &Result{RunID: core.NewID()}
	ctx = core.WithEntity(ctx, w.id)
	base := map[string]string{"workflow": w.name, "run_id": res.RunID}

	startAttrs := withAttrs(base, "steps", strconv.Itoa(len(w.steps)))
	if veto := w.dispatch(ctx, hook.WorkflowStart, input, startAttrs); veto != nil {
		err := core.NewCancelledError(w.id, "vetoed by workflow_start hook", veto)
		return w.fail(ctx, res, start, base, err)
	}

	prev := input
	for i, step := range w.steps {
		if err := ctx.Err(); err != nil {
			return w.fail(ctx, res, start, base, core.NewCancelledError(w.id, "workflow aborted", context.Cause(ctx)))
		}

		sr, err := w.runStep(ctx, engine, i, step, prev, base)
		res.Steps = append(res.Steps, sr)
		if err == nil {
			prev = sr.Output
			continue
		}
		if sr.Status == StepSkipped {
			continue
		}
		return w.fail(ctx, res, start, base, err)
	}

	res.Output = prev
	res.Duration = time.Since(start)
	w.dispatch(ctx, hook.WorkflowComplete, prev, withAttrs(base, "duration", res.Duration.Round(time.Millisecond).String()))
	w.opts.Logger.Info("workflow.complete", "workflow", w.name, "run_id", res.RunID, "step_count", len(res.Steps), "duration_ms", res.Duration.Milliseconds())
	return res, nil
}

// runStep executes one step including its retries. A skipped step returns
// its error with Status StepSkipped.
func (w *Workflow) runStep(ctx context.Context, engine core.EngineHandle, idx int, step Step, prev core.Value, base map[string]string) (StepResult, error) {
	sr := StepResult{Name: step.Name, Index: idx}
	start := time.Now()
	attrs := withAttrs(base, "step", step.Name, "index", strconv.Itoa(idx), "policy", step.OnFailure.String())

	finish := func(status StepStatus, out core.Value, err error) (StepResult, error) {
		sr.Status, sr.Output, sr.Err, sr.Duration = status, out, err, time.Since(start)
		endAttrs := withAttrs(attrs, "status", string(status), "attempts", strconv.Itoa(sr.Attempts))
		if err != nil {
			endAttrs["error"] = err.Error()
			endAttrs["error_code"] = string(core.CodeOf(err))
		}
		w.dispatch(ctx, hook.WorkflowStepEnd, out, endAttrs)
		return sr, err
	}

	desc, err := w.descriptor(step, prev)
	if err != nil {
		if step.OnFailure == SkipAndContinue {
			return finish(StepSkipped, core.Nil(), err)
		}
		return finish(StepFailed, core.Nil(), err)
	}

	if veto := w.dispatch(ctx, hook.WorkflowStepStart, desc.Args, attrs); veto != nil {
		return finish(StepFailed, core.Nil(), core.NewCancelledError(w.id, "vetoed by workflow_step_start hook", veto))
	}

	policy := w.opts.Retry
	if step.Retry != nil {
		policy = *step.Retry
	}
	maxAttempts := 1
	if step.OnFailure == Retry {
		maxAttempts = policy.attempts()
	}

	for {
		sr.Attempts++
		out, err := w.b.InvokeAsync(ctx, engine, desc)
		if err == nil {
			return finish(StepSucceeded, out, nil)
		}
		w.opts.Logger.Warn("workflow.step.failed", "workflow", w.name, "step", step.Name, "attempt", sr.Attempts, "error", err.Error())

		if ctx.Err() != nil || !retryable(err) || sr.Attempts >= maxAttempts {
			if step.OnFailure == SkipAndContinue && ctx.Err() == nil && core.CodeOf(err) != core.CodeCancelled {
				return finish(StepSkipped, core.Nil(), err)
			}
			return finish(StepFailed, core.Nil(), err)
		}

		backoff := policy.Backoff(sr.Attempts)
		retryAttrs := withAttrs(attrs, "attempt", strconv.Itoa(sr.Attempts+1), "backoff", backoff.String(), "error", err.Error())
		if veto := w.dispatch(ctx, hook.BeforeRetry, desc.Args, retryAttrs); veto != nil {
			w.opts.Logger.Info("workflow.retry.vetoed", "workflow", w.name, "step", step.Name, "error", veto.Error())
			return finish(StepFailed, core.Nil(), err)
		}
		if err := sleep(ctx, backoff); err != nil {
			return finish(StepFailed, core.Nil(), core.NewCancelledError(w.id, "workflow aborted during backoff", err))
		}
	}
}

func (w *Workflow) descriptor(step Step, prev core.Value) (core.OperationDescriptor, error) {
	desc := step.Descriptor
	switch {
	case step.Input != nil:
		args, err := step.Input(prev)
		if err != nil {
			return desc, &core.Error{Code: core.CodeInvalidOperation, Op: step.Name, Message: "step input: " + err.Error(), Err: err}
		}
		desc.Args = args
	case desc.Args.IsNil():
		desc.Args = prev
	}
	if desc.EntityID == "" {
		desc.EntityID = w.id
	}
	if err := desc.Validate(); err != nil {
		return desc, err
	}
	return desc, nil
}

func (w *Workflow) fail(ctx context.Context, res *Result, start time.Time, base map[string]string, err error) (*Result, error) {
	res.Duration = time.Since(start)
	w.dispatch(context.WithoutCancel(ctx), hook.WorkflowError, core.NewString(err.Error()),
		withAttrs(base, "error", err.Error(), "error_code", string(core.CodeOf(err))))
	w.opts.Logger.Error("workflow.failed", "workflow", w.name, "run_id", res.RunID, "step_count", len(res.Steps), "duration_ms", res.Duration.Milliseconds(), "error", err.Error())
	return res, err
}

func (w *Workflow) dispatch(ctx context.Context, point hook.Point, data core.Value, attrs map[string]string) error {
	if w.opts.Dispatcher == nil {
		return nil
	}
	return w.opts.Dispatcher.Dispatch(ctx, point, hook.Payload{
		EntityID:   w.id,
		Data:       data,
		Attributes: attrs,
	}).Veto
}

// retryable excludes failures a retry cannot fix.
func retryable(err error) bool {
	switch core.CodeOf(err) {
	case core.CodeInvalidOperation, core.CodeCancelled, core.CodeReentrantInvocation, core.CodeStateTransition:
		return false
	}
	return !errors.Is(err, context.Canceled)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

func withAttrs(base map[string]string, kv ...string) map[string]string {
	out := make(map[string]string, len(base)+len(kv)/2)
	for k, v := range base {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = kv[i+1]
	}
	return out
}
