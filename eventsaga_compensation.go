package eventsaga

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"
)

var ErrCompensation = errors.New("compensation failed")

// enterCompensating flips the instance into its unwind phase and enqueues the
// compensation walk. Caller holds the instance lock; the walk itself runs on
// the compensation pool once the lock is released.
func (e *Engine) enterCompensating(inst *SagaInstance, def *SagaDefinition, args ...interface{}) error {
	var reason error
	if len(args) > 0 {
		if err, ok := args[0].(error); ok {
			reason = err
		}
	}
	if reason == nil {
		reason = errors.New("unknown step failure")
	}

	inst.Status = StatusCompensating
	inst.LastError = reason.Error()
	e.instances.touch(inst)

	e.logger.Info(e.ctx, "saga instance compensating", "instance_id", inst.ID, "saga", inst.DefinitionName, "stacked_steps", len(inst.CompensationStack), "reason", reason)

	if err := e.compensationPool.Submit(&compensationTask{
		instanceID: inst.ID,
		definition: def,
		reason:     reason,
	}); err != nil {
		e.logger.Error(e.ctx, "could not dispatch compensation task", "instance_id", inst.ID, "error", err)
		return err
	}
	return nil
}

// runCompensation walks the compensation stack from most-recently-pushed to
// least-recently-pushed, undoing later side effects before the earlier ones
// they may depend on. A failed undo is recorded on the trail and never halts
// the walk; after the walk the instance always lands in Failed.
func (e *Engine) runCompensation(ctx context.Context, task *compensationTask) error {
	inst, err := e.instances.Get(task.instanceID)
	if err != nil {
		e.logger.Error(ctx, "compensation lost its instance", "instance_id", task.instanceID, "error", err)
		return nil
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	// Terminal instances are immutable; a duplicate unwind request is a no-op.
	if inst.terminal() {
		e.logger.Debug(ctx, "ignoring compensation for terminal instance", "instance_id", inst.ID, "status", inst.Status)
		return nil
	}
	if inst.Status != StatusCompensating {
		e.logger.Warn(ctx, "compensation task found unexpected status", "instance_id", inst.ID, "status", inst.Status)
		return nil
	}

	compensationEvent := CompensationEvent{
		InstanceID:    inst.ID,
		AggregateID:   inst.OwnerAggregateID,
		FailureReason: task.reason.Error(),
	}

	var trailErr error
	for len(inst.CompensationStack) > 0 {
		top := len(inst.CompensationStack) - 1
		stepName := inst.CompensationStack[top]
		inst.CompensationStack = inst.CompensationStack[:top]

		step, ok := task.definition.stepByName(stepName)
		if !ok || step.Compensation == nil {
			// Only compensable steps are pushed; a miss means the definition
			// changed underneath the instance, which the catalog forbids.
			e.logger.Error(ctx, "stacked step has no compensation", "instance_id", inst.ID, "step", stepName)
			continue
		}

		e.logger.Debug(ctx, "compensating step", "instance_id", inst.ID, "step", stepName)

		compErr := e.invokeCompensation(ctx, step, compensationEvent)
		record := CompensationRecord{
			StepName:      stepName,
			CompensatedAt: time.Now(),
		}
		if compErr != nil {
			record.Error = compErr.Error()
			trailErr = errors.Join(trailErr, fmt.Errorf("step %s: %w", stepName, compErr))
			e.logger.Error(ctx, "compensation step failed", "instance_id", inst.ID, "step", stepName, "error", compErr)
		}
		inst.CompensationTrail = append(inst.CompensationTrail, record)
	}

	terminalErr := task.reason
	if trailErr != nil {
		terminalErr = errors.Join(task.reason, ErrCompensation, trailErr)
	}

	if ferr := inst.fsm.Fire(triggerFail, terminalErr); ferr != nil {
		e.logger.Error(ctx, "could not finalize failed instance", "instance_id", inst.ID, "error", ferr)
	}
	return nil
}

func (e *Engine) invokeCompensation(ctx context.Context, step Step, event CompensationEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			e.logger.Error(ctx, "compensation panicked", "step", step.Name, "panic", r, "stack_trace", string(buf[:n]))
			err = fmt.Errorf("compensation for step %s panicked: %v", step.Name, r)
		}
	}()
	return step.Compensation(ctx, event)
}

// enterFailed finalizes a failed instance after its unwind. Caller holds the
// instance lock. Operators are expected to inspect failed instances whose
// trail records undo failures.
func (e *Engine) enterFailed(inst *SagaInstance, args ...interface{}) error {
	if len(args) > 0 {
		if err, ok := args[0].(error); ok && err != nil {
			inst.LastError = err.Error()
		}
	}
	now := time.Now()
	inst.FailedAt = &now
	inst.Status = StatusFailed
	e.instances.touch(inst)

	incomplete := 0
	for _, record := range inst.CompensationTrail {
		if record.Error != "" {
			incomplete++
		}
	}
	e.logger.Error(context.Background(), "saga instance failed", "instance_id", inst.ID, "saga", inst.DefinitionName, "aggregate_id", inst.OwnerAggregateID, "failed_compensations", incomplete, "error", inst.LastError)
	return nil
}
