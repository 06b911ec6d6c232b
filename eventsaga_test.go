package eventsaga

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := New(context.Background(), WithLogLevel(slog.LevelError))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

func domainEvent(aggregate AggregateID, eventType EventType) DomainEvent {
	return DomainEvent{
		AggregateID:  aggregate,
		EventID:      uuid.NewString(),
		EventType:    eventType,
		EventVersion: 1,
		OccurredAt:   time.Now(),
	}
}

func publishAndWait(t *testing.T, engine *Engine, events ...DomainEvent) {
	t.Helper()
	for _, event := range events {
		engine.ProcessEvent(event)
	}
	if err := engine.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}

func activeInstance(t *testing.T, engine *Engine, owner AggregateID) *InstanceInfo {
	t.Helper()
	active, err := engine.FindActiveInstances(owner)
	if err != nil {
		t.Fatalf("FindActiveInstances failed: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected exactly one active instance for %s, got %d", owner, len(active))
	}
	return active[0]
}

// compensationRecorder captures the order in which undo actions actually ran.
type compensationRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *compensationRecorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *compensationRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	calls := make([]string, len(r.calls))
	copy(calls, r.calls)
	return calls
}

type checkoutFailures struct {
	charge  bool
	ship    bool
	release bool
}

// buildCheckout is the reference scenario: Reserve (undo Release), Charge
// (undo Refund), Ship (no undo).
func buildCheckout(t *testing.T, recorder *compensationRecorder, failures checkoutFailures) *SagaDefinition {
	t.Helper()
	def, err := NewSaga("Checkout", "OrderPlaced").
		Step(Step{
			Name:                "Reserve",
			ActivatingEventType: "ReserveRequested",
			Action: func(ctx context.Context, event DomainEvent) (interface{}, error) {
				return "reserved:" + string(event.AggregateID), nil
			},
			Compensation: func(ctx context.Context, event CompensationEvent) error {
				recorder.record("Release")
				if failures.release {
					return fmt.Errorf("release rejected upstream")
				}
				return nil
			},
		}).
		Step(Step{
			Name:                "Charge",
			ActivatingEventType: "ReservationConfirmed",
			Action: func(ctx context.Context, event DomainEvent) (interface{}, error) {
				if failures.charge {
					return nil, fmt.Errorf("card declined")
				}
				return "charged:" + string(event.AggregateID), nil
			},
			Compensation: func(ctx context.Context, event CompensationEvent) error {
				recorder.record("Refund")
				return nil
			},
		}).
		Step(Step{
			Name:                "Ship",
			ActivatingEventType: "PaymentCaptured",
			Action: func(ctx context.Context, event DomainEvent) (interface{}, error) {
				if failures.ship {
					return nil, fmt.Errorf("no carrier available")
				}
				return "shipped:" + string(event.AggregateID), nil
			},
		}).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return def
}

func TestTriggerCreatesInstanceAndRunsFirstStep(t *testing.T) {
	engine := newTestEngine(t)
	recorder := &compensationRecorder{}

	if err := engine.RegisterSaga(buildCheckout(t, recorder, checkoutFailures{})); err != nil {
		t.Fatalf("RegisterSaga failed: %v", err)
	}

	publishAndWait(t, engine, domainEvent("order-1", "OrderPlaced"))

	info := activeInstance(t, engine, "order-1")
	if info.Status != StatusRunning {
		t.Fatalf("status: %s", info.Status)
	}
	if info.CurrentStepIndex != 1 {
		t.Fatalf("expected Reserve to have advanced the instance, index: %d", info.CurrentStepIndex)
	}
	if len(info.CompensationStack) != 1 || info.CompensationStack[0] != "Reserve" {
		t.Fatalf("compensation stack: %v", info.CompensationStack)
	}

	var reserved string
	if err := DecodeStepOutput(info.StepOutputs["Reserve"], &reserved); err != nil {
		t.Fatalf("DecodeStepOutput failed: %v", err)
	}
	if reserved != "reserved:order-1" {
		t.Fatalf("archived output: %q", reserved)
	}
}

func TestUnrelatedEventsAreIgnored(t *testing.T) {
	engine := newTestEngine(t)
	recorder := &compensationRecorder{}

	if err := engine.RegisterSaga(buildCheckout(t, recorder, checkoutFailures{})); err != nil {
		t.Fatalf("RegisterSaga failed: %v", err)
	}

	publishAndWait(t, engine, domainEvent("order-1", "InvoicePrinted"))

	active, err := engine.ListActiveInstances()
	if err != nil {
		t.Fatalf("ListActiveInstances failed: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("unrelated event spawned %d instances", len(active))
	}
}

func TestChargeFailureCompensatesReserve(t *testing.T) {
	engine := newTestEngine(t)
	recorder := &compensationRecorder{}

	if err := engine.RegisterSaga(buildCheckout(t, recorder, checkoutFailures{charge: true})); err != nil {
		t.Fatalf("RegisterSaga failed: %v", err)
	}

	publishAndWait(t, engine, domainEvent("order-1", "OrderPlaced"))
	instanceID := activeInstance(t, engine, "order-1").ID

	publishAndWait(t, engine, domainEvent("order-1", "ReservationConfirmed"))

	info, err := engine.GetInstance(instanceID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if info.Status != StatusFailed {
		t.Fatalf("status: %s", info.Status)
	}
	if info.FailedAt == nil {
		t.Fatal("FailedAt not set")
	}
	if len(info.CompensationStack) != 0 {
		t.Fatalf("stack not drained: %v", info.CompensationStack)
	}
	if calls := recorder.snapshot(); len(calls) != 1 || calls[0] != "Release" {
		t.Fatalf("compensations: %v", calls)
	}
	if len(info.CompensationTrail) != 1 {
		t.Fatalf("trail: %+v", info.CompensationTrail)
	}
	if record := info.CompensationTrail[0]; record.StepName != "Reserve" || record.Error != "" {
		t.Fatalf("trail record: %+v", record)
	}
	if !strings.Contains(info.LastError, "card declined") {
		t.Fatalf("last error: %q", info.LastError)
	}
}

func TestShipFailureCompensatesInReverseOrder(t *testing.T) {
	engine := newTestEngine(t)
	recorder := &compensationRecorder{}

	if err := engine.RegisterSaga(buildCheckout(t, recorder, checkoutFailures{ship: true})); err != nil {
		t.Fatalf("RegisterSaga failed: %v", err)
	}

	publishAndWait(t, engine, domainEvent("order-1", "OrderPlaced"))
	instanceID := activeInstance(t, engine, "order-1").ID

	publishAndWait(t, engine,
		domainEvent("order-1", "ReservationConfirmed"))
	publishAndWait(t, engine,
		domainEvent("order-1", "PaymentCaptured"))

	info, err := engine.GetInstance(instanceID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if info.Status != StatusFailed {
		t.Fatalf("status: %s", info.Status)
	}

	// Charge completed after Reserve, so Refund must undo before Release.
	calls := recorder.snapshot()
	if len(calls) != 2 || calls[0] != "Refund" || calls[1] != "Release" {
		t.Fatalf("compensation order: %v", calls)
	}
	if len(info.CompensationTrail) != 2 || info.CompensationTrail[0].StepName != "Charge" || info.CompensationTrail[1].StepName != "Reserve" {
		t.Fatalf("trail: %+v", info.CompensationTrail)
	}
}

func TestCheckoutCompletes(t *testing.T) {
	engine := newTestEngine(t)
	recorder := &compensationRecorder{}

	if err := engine.RegisterSaga(buildCheckout(t, recorder, checkoutFailures{})); err != nil {
		t.Fatalf("RegisterSaga failed: %v", err)
	}

	publishAndWait(t, engine, domainEvent("order-1", "OrderPlaced"))
	instanceID := activeInstance(t, engine, "order-1").ID

	publishAndWait(t, engine, domainEvent("order-1", "ReservationConfirmed"))
	publishAndWait(t, engine, domainEvent("order-1", "PaymentCaptured"))

	info, err := engine.GetInstance(instanceID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if info.Status != StatusCompleted {
		t.Fatalf("status: %s", info.Status)
	}
	if info.CompletedAt == nil {
		t.Fatal("CompletedAt not set")
	}
	if calls := recorder.snapshot(); len(calls) != 0 {
		t.Fatalf("completed saga ran compensations: %v", calls)
	}

	active, err := engine.ListActiveInstances()
	if err != nil {
		t.Fatalf("ListActiveInstances failed: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("completed instance still listed active")
	}
}

func TestStepTimeoutTriggersCompensation(t *testing.T) {
	engine := newTestEngine(t)
	recorder := &compensationRecorder{}

	def, err := NewSaga("SlowJob", "JobRequested").
		Step(Step{
			Name:                "Prepare",
			ActivatingEventType: "PrepareRequested",
			Action: func(ctx context.Context, event DomainEvent) (interface{}, error) {
				return nil, nil
			},
			Compensation: func(ctx context.Context, event CompensationEvent) error {
				recorder.record("UndoPrepare")
				return nil
			},
		}).
		Step(Step{
			Name:                "Crunch",
			ActivatingEventType: "CrunchRequested",
			TimeBudget:          50 * time.Millisecond,
			Action: func(ctx context.Context, event DomainEvent) (interface{}, error) {
				// Would eventually succeed, but not inside the budget.
				time.Sleep(300 * time.Millisecond)
				return "done", nil
			},
		}).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := engine.RegisterSaga(def); err != nil {
		t.Fatalf("RegisterSaga failed: %v", err)
	}

	publishAndWait(t, engine, domainEvent("job-1", "JobRequested"))
	instanceID := activeInstance(t, engine, "job-1").ID

	publishAndWait(t, engine, domainEvent("job-1", "CrunchRequested"))

	info, err := engine.GetInstance(instanceID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if info.Status != StatusFailed {
		t.Fatalf("status: %s", info.Status)
	}
	if !strings.Contains(info.LastError, "step timed out") {
		t.Fatalf("last error: %q", info.LastError)
	}
	if calls := recorder.snapshot(); len(calls) != 1 || calls[0] != "UndoPrepare" {
		t.Fatalf("compensations: %v", calls)
	}
}

func TestTerminalInstancesAreImmutable(t *testing.T) {
	engine := newTestEngine(t)
	recorder := &compensationRecorder{}

	if err := engine.RegisterSaga(buildCheckout(t, recorder, checkoutFailures{charge: true})); err != nil {
		t.Fatalf("RegisterSaga failed: %v", err)
	}

	publishAndWait(t, engine, domainEvent("order-1", "OrderPlaced"))
	instanceID := activeInstance(t, engine, "order-1").ID
	publishAndWait(t, engine, domainEvent("order-1", "ReservationConfirmed"))

	failed, err := engine.GetInstance(instanceID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if failed.Status != StatusFailed {
		t.Fatalf("status: %s", failed.Status)
	}

	// Late or duplicate deliveries must not touch a terminal instance.
	publishAndWait(t, engine,
		domainEvent("order-1", "ReservationConfirmed"),
		domainEvent("order-1", "PaymentCaptured"))

	after, err := engine.GetInstance(instanceID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if after.Status != StatusFailed {
		t.Fatalf("status changed: %s", after.Status)
	}
	if !after.FailedAt.Equal(*failed.FailedAt) {
		t.Fatal("FailedAt changed on a terminal instance")
	}
	if len(after.CompensationTrail) != len(failed.CompensationTrail) {
		t.Fatalf("trail grew: %+v", after.CompensationTrail)
	}
	if calls := recorder.snapshot(); len(calls) != 1 {
		t.Fatalf("compensations re-ran: %v", calls)
	}
}

func TestFanOutActivationAdvancesAllInstances(t *testing.T) {
	engine := newTestEngine(t)
	recorder := &compensationRecorder{}

	if err := engine.RegisterSaga(buildCheckout(t, recorder, checkoutFailures{})); err != nil {
		t.Fatalf("RegisterSaga failed: %v", err)
	}

	// Two retried workflows for the same order.
	publishAndWait(t, engine,
		domainEvent("order-1", "OrderPlaced"),
		domainEvent("order-1", "OrderPlaced"))

	active, err := engine.FindActiveInstances("order-1")
	if err != nil {
		t.Fatalf("FindActiveInstances failed: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(active))
	}

	// With owner matching, one activation event reaches both siblings.
	publishAndWait(t, engine, domainEvent("order-1", "ReservationConfirmed"))

	for _, info := range active {
		current, err := engine.GetInstance(info.ID)
		if err != nil {
			t.Fatalf("GetInstance failed: %v", err)
		}
		if current.CurrentStepIndex != 2 {
			t.Fatalf("instance %s index: %d", current.ID, current.CurrentStepIndex)
		}
	}
}

func TestCorrelatedInstancesProgressIndependently(t *testing.T) {
	engine := newTestEngine(t)

	var failures atomic.Int32
	def, err := NewSaga("Render", "RenderRequested").
		Step(Step{
			Name:                "Queue",
			ActivatingEventType: "QueueRequested",
			Action: func(ctx context.Context, event DomainEvent) (interface{}, error) {
				return nil, nil
			},
			Compensation: func(ctx context.Context, event CompensationEvent) error {
				failures.Add(1)
				return nil
			},
		}).
		Step(Step{
			Name:                "Launch",
			ActivatingEventType: "WorkerReady",
			Action: func(ctx context.Context, event DomainEvent) (interface{}, error) {
				return nil, fmt.Errorf("worker rejected the job")
			},
		}).
		WithCorrelationPath("requestId").
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := engine.RegisterSaga(def); err != nil {
		t.Fatalf("RegisterSaga failed: %v", err)
	}

	triggerA := domainEvent("user-1", "RenderRequested")
	triggerA.Payload = []byte(`{"requestId":"req-a"}`)
	triggerB := domainEvent("user-1", "RenderRequested")
	triggerB.Payload = []byte(`{"requestId":"req-b"}`)
	publishAndWait(t, engine, triggerA, triggerB)

	active, err := engine.FindActiveInstances("user-1")
	if err != nil {
		t.Fatalf("FindActiveInstances failed: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(active))
	}

	// Only the instance correlated with req-a sees this event and fails.
	ready := domainEvent("user-1", "WorkerReady")
	ready.Payload = []byte(`{"requestId":"req-a"}`)
	publishAndWait(t, engine, ready)

	var failedCount, runningCount int
	for _, info := range active {
		current, err := engine.GetInstance(info.ID)
		if err != nil {
			t.Fatalf("GetInstance failed: %v", err)
		}
		switch current.Status {
		case StatusFailed:
			failedCount++
			if current.CorrelationKey != "req-a" {
				t.Fatalf("wrong instance failed: %s", current.CorrelationKey)
			}
		case StatusRunning:
			runningCount++
			if current.CurrentStepIndex != 1 {
				t.Fatalf("sibling index moved: %d", current.CurrentStepIndex)
			}
		default:
			t.Fatalf("unexpected status %s", current.Status)
		}
	}
	if failedCount != 1 || runningCount != 1 {
		t.Fatalf("failed=%d running=%d", failedCount, runningCount)
	}
	if failures.Load() != 1 {
		t.Fatalf("compensations: %d", failures.Load())
	}
}

func TestRetryPolicyRecoversTransientFailures(t *testing.T) {
	engine := newTestEngine(t)

	var attempts atomic.Int32
	def, err := NewSaga("Flaky", "FlakyRequested").
		Step(Step{
			Name:                "CallUpstream",
			ActivatingEventType: "UpstreamReady",
			RetryPolicy:         &RetryPolicy{MaxAttempts: 3, Interval: 10 * time.Millisecond},
			Action: func(ctx context.Context, event DomainEvent) (interface{}, error) {
				if attempts.Add(1) < 3 {
					return nil, fmt.Errorf("transient upstream hiccup")
				}
				return "ok", nil
			},
		}).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := engine.RegisterSaga(def); err != nil {
		t.Fatalf("RegisterSaga failed: %v", err)
	}

	publishAndWait(t, engine, domainEvent("svc-1", "FlakyRequested"))

	if attempts.Load() != 3 {
		t.Fatalf("attempts: %d", attempts.Load())
	}

	active, err := engine.FindActiveInstances("svc-1")
	if err != nil {
		t.Fatalf("FindActiveInstances failed: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("instance still active after retries succeeded")
	}
}

func TestSagaDeadlineFailsLateActivations(t *testing.T) {
	engine := newTestEngine(t)
	recorder := &compensationRecorder{}

	def, err := NewSaga("Expiring", "ExpiringRequested").
		Step(Step{
			Name:                "Open",
			ActivatingEventType: "OpenRequested",
			Action: func(ctx context.Context, event DomainEvent) (interface{}, error) {
				return nil, nil
			},
			Compensation: func(ctx context.Context, event CompensationEvent) error {
				recorder.record("CloseAgain")
				return nil
			},
		}).
		Step(Step{
			Name:                "Finish",
			ActivatingEventType: "FinishRequested",
			Action: func(ctx context.Context, event DomainEvent) (interface{}, error) {
				return nil, nil
			},
		}).
		WithDeadline(50 * time.Millisecond).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := engine.RegisterSaga(def); err != nil {
		t.Fatalf("RegisterSaga failed: %v", err)
	}

	publishAndWait(t, engine, domainEvent("doc-1", "ExpiringRequested"))
	instanceID := activeInstance(t, engine, "doc-1").ID

	time.Sleep(120 * time.Millisecond)
	publishAndWait(t, engine, domainEvent("doc-1", "FinishRequested"))

	info, err := engine.GetInstance(instanceID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if info.Status != StatusFailed {
		t.Fatalf("status: %s", info.Status)
	}
	if !strings.Contains(info.LastError, "saga deadline exceeded") {
		t.Fatalf("last error: %q", info.LastError)
	}
	if calls := recorder.snapshot(); len(calls) != 1 || calls[0] != "CloseAgain" {
		t.Fatalf("compensations: %v", calls)
	}
}

func TestCompensationFailureIsRecordedAndDoesNotHaltUnwind(t *testing.T) {
	engine := newTestEngine(t)
	recorder := &compensationRecorder{}

	if err := engine.RegisterSaga(buildCheckout(t, recorder, checkoutFailures{ship: true, release: true})); err != nil {
		t.Fatalf("RegisterSaga failed: %v", err)
	}

	publishAndWait(t, engine, domainEvent("order-1", "OrderPlaced"))
	instanceID := activeInstance(t, engine, "order-1").ID
	publishAndWait(t, engine, domainEvent("order-1", "ReservationConfirmed"))
	publishAndWait(t, engine, domainEvent("order-1", "PaymentCaptured"))

	info, err := engine.GetInstance(instanceID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if info.Status != StatusFailed {
		t.Fatalf("status: %s", info.Status)
	}

	// Refund succeeds, Release fails: the walk still attempted both.
	if calls := recorder.snapshot(); len(calls) != 2 || calls[0] != "Refund" || calls[1] != "Release" {
		t.Fatalf("compensation order: %v", calls)
	}
	if len(info.CompensationTrail) != 2 {
		t.Fatalf("trail: %+v", info.CompensationTrail)
	}
	if info.CompensationTrail[0].Error != "" {
		t.Fatalf("Refund should have succeeded: %+v", info.CompensationTrail[0])
	}
	if !strings.Contains(info.CompensationTrail[1].Error, "release rejected") {
		t.Fatalf("Release failure not recorded: %+v", info.CompensationTrail[1])
	}
	if !strings.Contains(info.LastError, "compensation failed") {
		t.Fatalf("last error: %q", info.LastError)
	}
}

func TestSlowStepToleratesLockWaiters(t *testing.T) {
	if testing.Short() {
		t.Skip("holds an instance lock past the watchdog timeout")
	}
	engine := newTestEngine(t)

	started := make(chan struct{})
	def, err := NewSaga("SlowReport", "ReportRequested").
		Step(Step{
			Name:                "Crunch",
			ActivatingEventType: "CrunchRequested",
			TimeBudget:          10 * time.Second,
			Action: func(ctx context.Context, event DomainEvent) (interface{}, error) {
				close(started)
				// Longer than the deadlock watchdog timeout; the lock is held
				// for the whole action, so concurrent lookups wait this out.
				time.Sleep(2500 * time.Millisecond)
				return "report", nil
			},
		}).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := engine.RegisterSaga(def); err != nil {
		t.Fatalf("RegisterSaga failed: %v", err)
	}

	engine.ProcessEvent(domainEvent("report-1", "ReportRequested"))
	<-started

	// Waits on the instance lock for longer than the watchdog timeout. The
	// watchdog must report and let the process live.
	if _, err := engine.FindActiveInstances("report-1"); err != nil {
		t.Fatalf("FindActiveInstances failed: %v", err)
	}

	if err := engine.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	active, err := engine.ListActiveInstances()
	if err != nil {
		t.Fatalf("ListActiveInstances failed: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("slow step did not complete its instance")
	}
}

func TestConcurrentLookupsDuringFailingSteps(t *testing.T) {
	engine := newTestEngine(t)
	recorder := &compensationRecorder{}

	if err := engine.RegisterSaga(buildCheckout(t, recorder, checkoutFailures{charge: true})); err != nil {
		t.Fatalf("RegisterSaga failed: %v", err)
	}

	orders := []AggregateID{"order-1", "order-2", "order-3"}
	var triggers []DomainEvent
	for _, order := range orders {
		triggers = append(triggers, domainEvent(order, "OrderPlaced"))
	}
	publishAndWait(t, engine, triggers...)

	instanceIDs := make([]InstanceID, 0, len(orders))
	for _, order := range orders {
		instanceIDs = append(instanceIDs, activeInstance(t, engine, order).ID)
	}

	// Hammer the active-instance lookups while every instance fails its
	// Charge step and transitions through Compensating to Failed.
	done := make(chan struct{})
	lookupsDone := make(chan struct{})
	go func() {
		defer close(lookupsDone)
		for {
			select {
			case <-done:
				return
			default:
			}
			for _, order := range orders {
				if _, err := engine.FindActiveInstances(order); err != nil {
					t.Errorf("FindActiveInstances failed: %v", err)
					return
				}
			}
		}
	}()

	var confirmations []DomainEvent
	for _, order := range orders {
		confirmations = append(confirmations, domainEvent(order, "ReservationConfirmed"))
	}
	publishAndWait(t, engine, confirmations...)
	close(done)
	<-lookupsDone

	for _, id := range instanceIDs {
		info, err := engine.GetInstance(id)
		if err != nil {
			t.Fatalf("GetInstance failed: %v", err)
		}
		if info.Status != StatusFailed {
			t.Fatalf("instance %s status: %s", id, info.Status)
		}
	}
	if calls := recorder.snapshot(); len(calls) != len(orders) {
		t.Fatalf("compensations: %v", calls)
	}
}

func TestNilPointerOutputDoesNotStallInstance(t *testing.T) {
	engine := newTestEngine(t)

	def, err := NewSaga("Lookup", "LookupRequested").
		Step(Step{
			Name:                "Probe",
			ActivatingEventType: "ProbeRequested",
			Action: func(ctx context.Context, event DomainEvent) (interface{}, error) {
				// Not found, but not an error either.
				return (*string)(nil), nil
			},
		}).
		Step(Step{
			Name:                "Record",
			ActivatingEventType: "ProbeCompleted",
			Action: func(ctx context.Context, event DomainEvent) (interface{}, error) {
				return nil, nil
			},
		}).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := engine.RegisterSaga(def); err != nil {
		t.Fatalf("RegisterSaga failed: %v", err)
	}

	publishAndWait(t, engine, domainEvent("item-1", "LookupRequested"))

	info := activeInstance(t, engine, "item-1")
	if info.Status != StatusRunning {
		t.Fatalf("status: %s", info.Status)
	}
	if info.CurrentStepIndex != 1 {
		t.Fatalf("instance stalled at index %d", info.CurrentStepIndex)
	}
	if _, archived := info.StepOutputs["Probe"]; archived {
		t.Fatal("nil output should not be archived")
	}

	publishAndWait(t, engine, domainEvent("item-1", "ProbeCompleted"))

	remaining, err := engine.FindActiveInstances("item-1")
	if err != nil {
		t.Fatalf("FindActiveInstances failed: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("instance did not complete")
	}
}

func TestEncodeStepOutputRejectsNilPointer(t *testing.T) {
	if _, err := encodeStepOutput((*string)(nil)); err == nil {
		t.Fatal("expected an error for a nil pointer output")
	}

	value := "reserved"
	data, err := encodeStepOutput(&value)
	if err != nil {
		t.Fatalf("encodeStepOutput failed: %v", err)
	}
	var decoded string
	if err := DecodeStepOutput(data, &decoded); err != nil {
		t.Fatalf("DecodeStepOutput failed: %v", err)
	}
	if decoded != "reserved" {
		t.Fatalf("decoded: %q", decoded)
	}
}

func TestRegisterSagaRejectsDuplicates(t *testing.T) {
	engine := newTestEngine(t)
	recorder := &compensationRecorder{}

	if err := engine.RegisterSaga(buildCheckout(t, recorder, checkoutFailures{})); err != nil {
		t.Fatalf("RegisterSaga failed: %v", err)
	}
	err := engine.RegisterSaga(buildCheckout(t, recorder, checkoutFailures{}))
	if err == nil {
		t.Fatal("duplicate registration accepted")
	}
}
