package eventsaga

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/qmuntal/stateless"
	"github.com/sethvargo/go-retry"
)

var (
	ErrStepTimeout          = errors.New("step timed out")
	ErrStepExecution        = errors.New("step execution failed")
	ErrSagaDeadlineExceeded = errors.New("saga deadline exceeded")
)

const defaultRetryInterval = 100 * time.Millisecond

// configureLifecycle wires the per-instance state machine. Entry callbacks
// run synchronously inside Fire and expect the instance lock to be held by
// the firing goroutine.
func (e *Engine) configureLifecycle(inst *SagaInstance, def *SagaDefinition) {
	fsm := stateless.NewStateMachine(stateRunning)

	fsm.Configure(stateRunning).
		Permit(triggerComplete, stateCompleted).
		Permit(triggerCompensate, stateCompensations)

	fsm.Configure(stateCompensations).
		OnEntry(func(_ context.Context, args ...interface{}) error {
			return e.enterCompensating(inst, def, args...)
		}).
		Permit(triggerFail, stateFailed)

	fsm.Configure(stateCompleted).
		OnEntry(func(_ context.Context, _ ...interface{}) error {
			return e.enterCompleted(inst)
		})

	fsm.Configure(stateFailed).
		OnEntry(func(_ context.Context, args ...interface{}) error {
			return e.enterFailed(inst, args...)
		})

	inst.fsm = fsm
}

// runStep executes one step activation for one instance. It owns the
// instance lock for the whole step so that step execution for a single
// instance is strictly sequential.
func (e *Engine) runStep(ctx context.Context, task *actionTask) error {
	inst, err := e.instances.Get(task.instanceID)
	if err != nil {
		e.logger.Error(ctx, "step activation lost its instance", "instance_id", task.instanceID, "error", err)
		return nil
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.Status != StatusRunning {
		e.logger.Debug(ctx, "skipping step for non-running instance", "instance_id", inst.ID, "status", inst.Status)
		return nil
	}
	if inst.CurrentStepIndex != task.stepIndex {
		e.logger.Debug(ctx, "skipping stale step activation", "instance_id", inst.ID, "current_step", inst.CurrentStepIndex, "task_step", task.stepIndex)
		return nil
	}

	step := task.definition.Steps[task.stepIndex]

	if d := task.definition.Deadline; d > 0 && time.Since(inst.StartedAt) > d {
		err := errors.Join(ErrSagaDeadlineExceeded, fmt.Errorf("saga %s instance %s exceeded deadline %s", task.definition.Name, inst.ID, d))
		e.logger.Warn(ctx, "saga deadline exceeded", "instance_id", inst.ID, "saga", task.definition.Name, "deadline", d)
		e.failStep(ctx, inst, err)
		return err
	}

	e.logger.Debug(ctx, "running step", "instance_id", inst.ID, "saga", task.definition.Name, "step", step.Name, "step_index", task.stepIndex, "event_type", task.event.EventType)

	output, err := e.executeAction(ctx, step, task.event)
	if err != nil {
		if !errors.Is(err, ErrStepTimeout) && !errors.Is(err, ErrStepExecution) {
			err = errors.Join(ErrStepExecution, err)
		}
		e.logger.Warn(ctx, "step failed", "instance_id", inst.ID, "saga", task.definition.Name, "step", step.Name, "error", err)
		e.failStep(ctx, inst, err)
		return err
	}

	if output != nil {
		if encoded, encErr := encodeStepOutput(output); encErr != nil {
			e.logger.Warn(ctx, "could not archive step output", "instance_id", inst.ID, "step", step.Name, "error", encErr)
		} else {
			inst.StepOutputs[step.Name] = encoded
		}
	}

	if step.Compensation != nil {
		inst.CompensationStack = append(inst.CompensationStack, step.Name)
	}

	if task.stepIndex == len(task.definition.Steps)-1 {
		if ferr := inst.fsm.Fire(triggerComplete); ferr != nil {
			e.logger.Error(ctx, "could not complete instance", "instance_id", inst.ID, "error", ferr)
		}
		return nil
	}

	inst.CurrentStepIndex++
	e.logger.Debug(ctx, "step completed", "instance_id", inst.ID, "saga", task.definition.Name, "step", step.Name, "next_step", inst.CurrentStepIndex)
	return nil
}

// failStep records the failure and hands the instance to the compensation
// path. Caller holds the instance lock.
func (e *Engine) failStep(ctx context.Context, inst *SagaInstance, stepErr error) {
	inst.LastError = stepErr.Error()
	if ferr := inst.fsm.Fire(triggerCompensate, stepErr); ferr != nil {
		e.logger.Error(ctx, "could not start compensation", "instance_id", inst.ID, "error", ferr)
	}
}

type actionResult struct {
	output interface{}
	err    error
}

// executeAction races the step's action, including its retry attempts,
// against the step's time budget. On timeout the action context is cancelled
// and the result is discarded; the action goroutine is not waited for.
func (e *Engine) executeAction(ctx context.Context, step Step, event DomainEvent) (interface{}, error) {
	actx, cancel := context.WithTimeout(ctx, step.TimeBudget)
	defer cancel()

	results := make(chan actionResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				e.logger.Error(actx, "step action panicked", "step", step.Name, "panic", r, "stack_trace", string(buf[:n]))
				results <- actionResult{err: fmt.Errorf("step %s panicked: %v", step.Name, r)}
			}
		}()

		var maxRetries uint64
		interval := defaultRetryInterval
		if step.RetryPolicy != nil {
			maxRetries = uint64(step.RetryPolicy.MaxAttempts - 1)
			if step.RetryPolicy.Interval > 0 {
				interval = step.RetryPolicy.Interval
			}
		}

		var output interface{}
		err := retry.Do(actx, retry.WithMaxRetries(maxRetries, retry.NewConstant(interval)), func(ctx context.Context) error {
			var actionErr error
			output, actionErr = step.Action(ctx, event)
			if actionErr != nil {
				return retry.RetryableError(actionErr)
			}
			return nil
		})
		results <- actionResult{output: output, err: err}
	}()

	select {
	case res := <-results:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) {
			return nil, errors.Join(ErrStepTimeout, fmt.Errorf("step %s exceeded its %s budget", step.Name, step.TimeBudget))
		}
		return res.output, res.err
	case <-actx.Done():
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, errors.Join(ErrStepTimeout, fmt.Errorf("step %s exceeded its %s budget", step.Name, step.TimeBudget))
		}
		return nil, actx.Err()
	}
}

// enterCompleted finalizes a successful instance. Caller holds the instance
// lock.
func (e *Engine) enterCompleted(inst *SagaInstance) error {
	now := time.Now()
	inst.CompletedAt = &now
	inst.Status = StatusCompleted
	e.instances.touch(inst)
	e.logger.Info(e.ctx, "saga instance completed", "instance_id", inst.ID, "saga", inst.DefinitionName, "aggregate_id", inst.OwnerAggregateID)
	return nil
}
