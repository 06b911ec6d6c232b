package eventsaga

import (
	"context"
	"time"

	"github.com/davidroman0O/retrypool"
)

// actionTask carries one step activation to the action pool. The step index
// is re-validated against the instance under its lock before anything runs,
// so stale or duplicate activations become no-ops.
type actionTask struct {
	instanceID InstanceID
	definition *SagaDefinition
	stepIndex  int
	event      DomainEvent
}

func (e *Engine) createActionPool(workers int) *retrypool.Pool[*actionTask] {
	opts := []retrypool.Option[*actionTask]{
		retrypool.WithAttempts[*actionTask](1),
		retrypool.WithOnTaskSuccess[*actionTask](e.actionOnSuccess),
		retrypool.WithOnTaskFailure[*actionTask](e.actionOnFailure),
		retrypool.WithPanicHandler[*actionTask](e.actionOnPanic),
	}

	pool := []retrypool.Worker[*actionTask]{}
	for i := 0; i < workers; i++ {
		pool = append(pool, actionWorker{id: i, engine: e})
	}

	return retrypool.New(e.ctx, pool, opts...)
}

func (e *Engine) actionOnSuccess(controller retrypool.WorkerController[*actionTask], workerID int, worker retrypool.Worker[*actionTask], data *actionTask, retries int, totalDuration time.Duration, timeLimit time.Duration, maxDuration time.Duration, scheduledTime time.Time, triedWorkers map[int]bool, taskErrors []error, durations []time.Duration, queuedAt []time.Time, processedAt []time.Time) {
	e.logger.Debug(e.ctx, "action task done", "worker_id", workerID, "instance_id", data.instanceID, "saga", data.definition.Name, "step_index", data.stepIndex)
}

func (e *Engine) actionOnFailure(controller retrypool.WorkerController[*actionTask], workerID int, worker retrypool.Worker[*actionTask], data *actionTask, retries int, totalDuration time.Duration, timeLimit time.Duration, maxDuration time.Duration, scheduledTime time.Time, triedWorkers map[int]bool, taskErrors []error, durations []time.Duration, queuedAt []time.Time, processedAt []time.Time, err error) retrypool.DeadTaskAction {
	// The step failure is already recorded on the instance and handed to the
	// compensation path; nothing to salvage at the pool level.
	e.logger.Debug(e.ctx, "action task failed", "worker_id", workerID, "instance_id", data.instanceID, "step_index", data.stepIndex, "error", err)
	return retrypool.DeadTaskActionDoNothing
}

func (e *Engine) actionOnPanic(task *actionTask, v interface{}, stackTrace string) {
	e.logger.Error(e.ctx, "action task panicked", "instance_id", task.instanceID, "step_index", task.stepIndex, "panic", v, "stack_trace", stackTrace)
}

type actionWorker struct {
	id     int
	engine *Engine
}

func (w actionWorker) Run(ctx context.Context, data *actionTask) error {
	return w.engine.runStep(ctx, data)
}

// compensationTask carries one full unwind to the compensation pool. The
// whole reverse walk of an instance runs inside a single task so the
// strict reverse order is preserved regardless of worker count.
type compensationTask struct {
	instanceID InstanceID
	definition *SagaDefinition
	reason     error
}

func (e *Engine) createCompensationPool(workers int) *retrypool.Pool[*compensationTask] {
	opts := []retrypool.Option[*compensationTask]{
		retrypool.WithAttempts[*compensationTask](1),
		retrypool.WithOnTaskSuccess[*compensationTask](e.compensationOnSuccess),
		retrypool.WithOnTaskFailure[*compensationTask](e.compensationOnFailure),
		retrypool.WithPanicHandler[*compensationTask](e.compensationOnPanic),
	}

	pool := []retrypool.Worker[*compensationTask]{}
	for i := 0; i < workers; i++ {
		pool = append(pool, compensationWorker{id: i, engine: e})
	}

	return retrypool.New(e.ctx, pool, opts...)
}

func (e *Engine) compensationOnSuccess(controller retrypool.WorkerController[*compensationTask], workerID int, worker retrypool.Worker[*compensationTask], data *compensationTask, retries int, totalDuration time.Duration, timeLimit time.Duration, maxDuration time.Duration, scheduledTime time.Time, triedWorkers map[int]bool, taskErrors []error, durations []time.Duration, queuedAt []time.Time, processedAt []time.Time) {
	e.logger.Debug(e.ctx, "compensation task done", "worker_id", workerID, "instance_id", data.instanceID, "saga", data.definition.Name)
}

func (e *Engine) compensationOnFailure(controller retrypool.WorkerController[*compensationTask], workerID int, worker retrypool.Worker[*compensationTask], data *compensationTask, retries int, totalDuration time.Duration, timeLimit time.Duration, maxDuration time.Duration, scheduledTime time.Time, triedWorkers map[int]bool, taskErrors []error, durations []time.Duration, queuedAt []time.Time, processedAt []time.Time, err error) retrypool.DeadTaskAction {
	e.logger.Error(e.ctx, "compensation task failed", "worker_id", workerID, "instance_id", data.instanceID, "error", err)
	return retrypool.DeadTaskActionDoNothing
}

func (e *Engine) compensationOnPanic(task *compensationTask, v interface{}, stackTrace string) {
	e.logger.Error(e.ctx, "compensation task panicked", "instance_id", task.instanceID, "panic", v, "stack_trace", stackTrace)
}

type compensationWorker struct {
	id     int
	engine *Engine
}

func (w compensationWorker) Run(ctx context.Context, data *compensationTask) error {
	return w.engine.runCompensation(ctx, data)
}
