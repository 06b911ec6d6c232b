package eventsaga

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultTimeBudget bounds a step action when the descriptor does not carry
// its own budget.
const DefaultTimeBudget = 30 * time.Second

var ErrSagaDefinition = errors.New("invalid saga definition")

// ActionFunc performs the side effect of one step. The context carries the
// step's time budget; once the budget elapses the result is discarded even if
// the action would eventually have succeeded, so actions should honor
// cancellation where cheap.
type ActionFunc func(ctx context.Context, event DomainEvent) (interface{}, error)

// CompensationFunc undoes a previously completed step.
type CompensationFunc func(ctx context.Context, event CompensationEvent) error

// RetryPolicy retries a step action with a constant interval. Attempts count
// against the step's single time budget.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

// Step describes one unit of saga work. A nil Compensation marks the step as
// non-compensable; it is skipped during unwind.
type Step struct {
	Name                string
	ActivatingEventType EventType
	Action              ActionFunc
	Compensation        CompensationFunc
	TimeBudget          time.Duration
	RetryPolicy         *RetryPolicy
}

// SagaDefinition is an ordered sequence of steps spawned by a trigger event
// type. Definitions are immutable once built; instances reference them by
// name through the catalog.
type SagaDefinition struct {
	Name             string
	TriggerEventType EventType
	Steps            []Step
	Deadline         time.Duration
	Match            MatchPolicy
}

func (d *SagaDefinition) stepByName(name string) (Step, bool) {
	for _, step := range d.Steps {
		if step.Name == name {
			return step, true
		}
	}
	return Step{}, false
}

// activatingEventTypes returns the distinct activating types of the
// definition's steps, in first-appearance order.
func (d *SagaDefinition) activatingEventTypes() []EventType {
	seen := make(map[EventType]struct{}, len(d.Steps))
	types := make([]EventType, 0, len(d.Steps))
	for _, step := range d.Steps {
		if _, ok := seen[step.ActivatingEventType]; ok {
			continue
		}
		seen[step.ActivatingEventType] = struct{}{}
		types = append(types, step.ActivatingEventType)
	}
	return types
}

func (d *SagaDefinition) validate() error {
	if d.Name == "" {
		return errors.Join(ErrSagaDefinition, fmt.Errorf("definition name is empty"))
	}
	if d.TriggerEventType == "" {
		return errors.Join(ErrSagaDefinition, fmt.Errorf("saga %s: trigger event type is empty", d.Name))
	}
	if len(d.Steps) == 0 {
		return errors.Join(ErrSagaDefinition, fmt.Errorf("saga %s: no steps", d.Name))
	}
	if d.Deadline < 0 {
		return errors.Join(ErrSagaDefinition, fmt.Errorf("saga %s: negative deadline", d.Name))
	}
	if d.Match.Mode == MatchCorrelation && d.Match.Path == "" {
		return errors.Join(ErrSagaDefinition, fmt.Errorf("saga %s: correlation matching requires a payload path", d.Name))
	}
	names := make(map[string]struct{}, len(d.Steps))
	for i, step := range d.Steps {
		if step.Name == "" {
			return errors.Join(ErrSagaDefinition, fmt.Errorf("saga %s: step %d has no name", d.Name, i))
		}
		if _, dup := names[step.Name]; dup {
			return errors.Join(ErrSagaDefinition, fmt.Errorf("saga %s: duplicate step name %s", d.Name, step.Name))
		}
		names[step.Name] = struct{}{}
		if step.ActivatingEventType == "" {
			return errors.Join(ErrSagaDefinition, fmt.Errorf("saga %s: step %s has no activating event type", d.Name, step.Name))
		}
		// A step activated by the trigger type would spawn a sibling instance
		// instead of advancing this one.
		if step.ActivatingEventType == d.TriggerEventType {
			return errors.Join(ErrSagaDefinition, fmt.Errorf("saga %s: step %s reuses the trigger event type %s", d.Name, step.Name, d.TriggerEventType))
		}
		if step.Action == nil {
			return errors.Join(ErrSagaDefinition, fmt.Errorf("saga %s: step %s has no action", d.Name, step.Name))
		}
		if step.TimeBudget < 0 {
			return errors.Join(ErrSagaDefinition, fmt.Errorf("saga %s: step %s has a negative time budget", d.Name, step.Name))
		}
		if step.RetryPolicy != nil && step.RetryPolicy.MaxAttempts < 1 {
			return errors.Join(ErrSagaDefinition, fmt.Errorf("saga %s: step %s retry policy needs at least one attempt", d.Name, step.Name))
		}
	}
	return nil
}

// SagaDefinitionBuilder assembles a definition step by step.
type SagaDefinitionBuilder struct {
	name     string
	trigger  EventType
	steps    []Step
	deadline time.Duration
	match    MatchPolicy
}

// NewSaga creates a new builder instance.
func NewSaga(name string, trigger EventType) *SagaDefinitionBuilder {
	return &SagaDefinitionBuilder{
		name:    name,
		trigger: trigger,
		steps:   make([]Step, 0),
	}
}

// Step appends a step to the definition. Order of calls is the execution
// order.
func (b *SagaDefinitionBuilder) Step(step Step) *SagaDefinitionBuilder {
	b.steps = append(b.steps, step)
	return b
}

// WithDeadline bounds the whole instance; a step activated after the deadline
// fails and triggers compensation.
func (b *SagaDefinitionBuilder) WithDeadline(d time.Duration) *SagaDefinitionBuilder {
	b.deadline = d
	return b
}

// WithCorrelationPath switches the definition to correlation matching. The
// path is a gjson path evaluated against event payloads.
func (b *SagaDefinitionBuilder) WithCorrelationPath(path string) *SagaDefinitionBuilder {
	b.match = MatchPolicy{Mode: MatchCorrelation, Path: path}
	return b
}

// Build validates and creates the SagaDefinition, normalizing step time
// budgets to the default where unset.
func (b *SagaDefinitionBuilder) Build() (*SagaDefinition, error) {
	def := &SagaDefinition{
		Name:             b.name,
		TriggerEventType: b.trigger,
		Steps:            make([]Step, len(b.steps)),
		Deadline:         b.deadline,
		Match:            b.match,
	}
	copy(def.Steps, b.steps)

	if err := def.validate(); err != nil {
		return nil, err
	}

	for i := range def.Steps {
		if def.Steps[i].TimeBudget == 0 {
			def.Steps[i].TimeBudget = DefaultTimeBudget
		}
	}

	return def, nil
}
