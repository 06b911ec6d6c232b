package eventsaga

import "time"

type InstanceID string

func (s InstanceID) String() string {
	return string(s)
}

type AggregateID string

func (s AggregateID) String() string {
	return string(s)
}

type EventType string

func (s EventType) String() string {
	return string(s)
}

// DomainEvent is the unit of work delivered to the engine. The payload is
// opaque to the engine except for correlation matching, which reads it as
// JSON.
type DomainEvent struct {
	AggregateID  AggregateID
	EventID      string
	EventType    EventType
	EventVersion int
	OccurredAt   time.Time
	Payload      []byte
}

// CompensationEvent is synthesized by the engine when it unwinds an instance
// and handed directly to each compensation function. It is a local calling
// convention, never published back onto the event stream.
type CompensationEvent struct {
	InstanceID    InstanceID
	AggregateID   AggregateID
	FailureReason string
}

// InstanceStatus defines the lifecycle status of a saga instance
type InstanceStatus string

const (
	StatusRunning      InstanceStatus = "Running"
	StatusCompleted    InstanceStatus = "Completed"
	StatusCompensating InstanceStatus = "Compensating"
	StatusFailed       InstanceStatus = "Failed"
)

// State and Trigger definitions for the per-instance lifecycle machine
type state string

const (
	stateRunning       state = "Running"
	stateCompensations state = "Compensations"
	stateCompleted     state = "Completed"
	stateFailed        state = "Failed"
)

type trigger string

const (
	triggerComplete   trigger = "Complete"
	triggerCompensate trigger = "Compensate"
	triggerFail       trigger = "Fail"
)

// CompensationRecord is one entry of the compensation trail. An empty Error
// means the undo action succeeded.
type CompensationRecord struct {
	StepName      string
	Error         string
	CompensatedAt time.Time
}

// MatchMode decides how a step-activation event is matched to instances of
// the owning aggregate.
type MatchMode int

const (
	// MatchOwner activates every running instance of the aggregate currently
	// positioned at the step.
	MatchOwner MatchMode = iota
	// MatchCorrelation additionally requires the correlation key extracted
	// from the event payload to equal the key captured from the trigger
	// event at instance creation.
	MatchCorrelation
)

type MatchPolicy struct {
	Mode MatchMode
	Path string
}
