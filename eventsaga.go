package eventsaga

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"time"

	"github.com/davidroman0O/retrypool"
	"github.com/sasha-s/go-deadlock"
	"github.com/tidwall/gjson"
	"go.uber.org/automaxprocs/maxprocs"
)

/// The engine coordinates event-driven sagas: an inbound domain event either
/// spawns a new instance (trigger type) or advances the instances currently
/// waiting on it (activating type). Step actions run on a worker pool; a
/// failed step hands its instance to the compensation pool, which unwinds the
/// completed compensable steps in strict reverse order.
///
/// One active engine per deployment. Instances live in memory only; the
/// durable event log and its at-least-once delivery are the caller's concern,
/// so step actions should be idempotent.

var watchdogLogger Logger = NewDefaultLogger(slog.LevelInfo, TextFormat)

func init() {
	maxprocs.Set()
	// Holding an instance lock for a step's whole time budget is legitimate
	// here, so the watchdog must only report, never abort the process.
	deadlock.Opts.DeadlockTimeout = time.Second * 2
	deadlock.Opts.OnPotentialDeadlock = func() {
		watchdogLogger.Error(context.Background(), "POTENTIAL DEADLOCK DETECTED!")
		buf := make([]byte, 1<<16)
		runtime.Stack(buf, true)
	}
}

type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	catalog    *Catalog
	dispatcher *Dispatcher
	instances  *InstanceTable

	actionPool       *retrypool.Pool[*actionTask]
	compensationPool *retrypool.Pool[*compensationTask]

	logger Logger
}

func New(ctx context.Context, opts ...Option) (*Engine, error) {
	cfg := engineConfig{
		logLevel:            slog.LevelInfo,
		logFormat:           TextFormat,
		actionWorkers:       5,
		compensationWorkers: 5,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.logger == nil {
		cfg.logger = NewDefaultLogger(cfg.logLevel, cfg.logFormat)
	}

	ctx, cancel := context.WithCancel(ctx)

	e := &Engine{
		ctx:    ctx,
		cancel: cancel,
		logger: cfg.logger,
	}

	var err error
	if e.instances, err = NewInstanceTable(cfg.logger); err != nil {
		cancel()
		return nil, err
	}
	e.catalog = NewCatalog(cfg.logger)
	e.dispatcher = NewDispatcher(cfg.logger)
	e.actionPool = e.createActionPool(cfg.actionWorkers)
	e.compensationPool = e.createCompensationPool(cfg.compensationWorkers)

	e.logger.Debug(ctx, "engine created", "action_workers", cfg.actionWorkers, "compensation_workers", cfg.compensationWorkers)
	return e, nil
}

// RegisterSaga stores the definition in the catalog and subscribes the
// dispatcher to its trigger type and to every step's activating type.
// Intended to be called once per saga type at process startup.
func (e *Engine) RegisterSaga(def *SagaDefinition) error {
	if def == nil {
		return errors.Join(ErrSagaDefinition, errors.New("nil definition"))
	}
	if err := def.validate(); err != nil {
		return err
	}
	if err := e.catalog.Register(def); err != nil {
		return err
	}

	e.dispatcher.Subscribe(def.TriggerEventType, e.triggerHandler(def))
	for _, eventType := range def.activatingEventTypes() {
		e.dispatcher.Subscribe(eventType, e.stepHandler(def))
	}

	e.logger.Info(e.ctx, "saga registered", "saga", def.Name, "trigger", def.TriggerEventType, "steps", len(def.Steps))
	return nil
}

// ProcessEvent is the sole ingress for domain events. It never reports step
// failures to the caller; those are recorded on the affected instances.
func (e *Engine) ProcessEvent(event DomainEvent) {
	e.dispatcher.Publish(e.ctx, event)
}

// triggerHandler spawns a fresh instance and runs its first step with the
// trigger event.
func (e *Engine) triggerHandler(def *SagaDefinition) EventHandler {
	return func(ctx context.Context, event DomainEvent) error {
		correlationKey := ""
		if def.Match.Mode == MatchCorrelation {
			correlationKey = gjson.GetBytes(event.Payload, def.Match.Path).String()
		}

		inst, err := e.instances.Create(def.Name, event.AggregateID, correlationKey)
		if err != nil {
			return err
		}
		e.configureLifecycle(inst, def)

		e.logger.Info(ctx, "saga instance started", "instance_id", inst.ID, "saga", def.Name, "aggregate_id", event.AggregateID, "event_id", event.EventID)

		return e.actionPool.Submit(&actionTask{
			instanceID: inst.ID,
			definition: def,
			stepIndex:  0,
			event:      event,
		})
	}
}

// stepHandler activates the current step of every matching running instance
// owned by the event's aggregate.
func (e *Engine) stepHandler(def *SagaDefinition) EventHandler {
	return func(ctx context.Context, event DomainEvent) error {
		active, err := e.instances.FindActive(event.AggregateID)
		if err != nil {
			return err
		}

		var dispatchErr error
		for _, inst := range active {
			if inst.DefinitionName != def.Name {
				continue
			}

			inst.mu.Lock()
			stepIndex := inst.CurrentStepIndex
			running := inst.Status == StatusRunning
			correlationKey := inst.CorrelationKey
			inst.mu.Unlock()

			if !running || stepIndex >= len(def.Steps) {
				continue
			}
			if def.Steps[stepIndex].ActivatingEventType != event.EventType {
				continue
			}
			if def.Match.Mode == MatchCorrelation {
				if gjson.GetBytes(event.Payload, def.Match.Path).String() != correlationKey {
					e.logger.Debug(ctx, "event correlation key does not match instance", "instance_id", inst.ID, "event_id", event.EventID)
					continue
				}
			}

			if err := e.actionPool.Submit(&actionTask{
				instanceID: inst.ID,
				definition: def,
				stepIndex:  stepIndex,
				event:      event,
			}); err != nil {
				dispatchErr = errors.Join(dispatchErr, err)
			}
		}
		return dispatchErr
	}
}

// Wait blocks until both pools are idle. Useful as a synchronization point in
// tests and batch-style callers; a long-lived service normally never calls
// it. The action pool drains first: a failing step enqueues its unwind
// before the action task finishes, and compensations never enqueue actions,
// so once both pools report idle in this order nothing is in flight.
func (e *Engine) Wait(ctx context.Context) error {
	if err := e.actionPool.WaitWithCallback(ctx, func(queueSize, processingCount, deadTaskCount int) bool {
		return queueSize > 0 || processingCount > 0
	}, 50*time.Millisecond); err != nil {
		return err
	}

	return e.compensationPool.WaitWithCallback(ctx, func(queueSize, processingCount, deadTaskCount int) bool {
		return queueSize > 0 || processingCount > 0
	}, 50*time.Millisecond)
}

func (e *Engine) Close() {
	e.logger.Debug(e.ctx, "closing engine")
	e.cancel()
	if err := e.actionPool.Close(); err != nil {
		e.logger.Error(e.ctx, "failed to close action pool", "error", err)
	}
	if err := e.compensationPool.Close(); err != nil {
		e.logger.Error(e.ctx, "failed to close compensation pool", "error", err)
	}
}
