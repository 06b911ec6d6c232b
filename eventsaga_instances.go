package eventsaga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	"github.com/qmuntal/stateless"
	"github.com/sasha-s/go-deadlock"
)

var ErrInstanceNotFound = errors.New("saga instance not found")

// SagaInstance is one running or terminal occurrence of a saga definition.
// The instance table exclusively owns instances; everything else reaches them
// through instance ID lookups. All mutation happens under mu, and once the
// status reaches Completed or Failed the instance is never mutated again.
type SagaInstance struct {
	mu  deadlock.Mutex
	fsm *stateless.StateMachine

	ID               InstanceID
	DefinitionName   string
	OwnerAggregateID AggregateID
	CorrelationKey   string
	CurrentStepIndex int
	Status           InstanceStatus
	StartedAt        time.Time
	CompletedAt      *time.Time
	FailedAt         *time.Time
	LastError        string

	// CompensationStack records the names of completed compensable steps in
	// completion order; the coordinator drains it from the top.
	CompensationStack []string
	CompensationTrail []CompensationRecord
	StepOutputs       map[string][]byte
}

func (si *SagaInstance) terminal() bool {
	return si.Status == StatusCompleted || si.Status == StatusFailed
}

const instancesTable = "instances"

func instancesSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			instancesTable: {
				Name: instancesTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"owner": {
						Name:    "owner",
						Indexer: &memdb.StringFieldIndex{Field: "OwnerAggregateID"},
					},
					"status": {
						Name:    "status",
						Indexer: &memdb.StringFieldIndex{Field: "Status"},
					},
				},
			},
		},
	}
}

// InstanceTable is the in-memory collection of saga instances, indexed by
// instance ID, owning aggregate and status.
type InstanceTable struct {
	db     *memdb.MemDB
	logger Logger
}

func NewInstanceTable(logger Logger) (*InstanceTable, error) {
	db, err := memdb.NewMemDB(instancesSchema())
	if err != nil {
		return nil, fmt.Errorf("failed to create instance table: %w", err)
	}
	return &InstanceTable{
		db:     db,
		logger: logger,
	}, nil
}

// Create allocates a new running instance positioned at the first step.
func (t *InstanceTable) Create(definitionName string, owner AggregateID, correlationKey string) (*SagaInstance, error) {
	inst := &SagaInstance{
		ID:               InstanceID(uuid.NewString()),
		DefinitionName:   definitionName,
		OwnerAggregateID: owner,
		CorrelationKey:   correlationKey,
		CurrentStepIndex: 0,
		Status:           StatusRunning,
		StartedAt:        time.Now(),
		StepOutputs:      make(map[string][]byte),
	}

	txn := t.db.Txn(true)
	if err := txn.Insert(instancesTable, inst); err != nil {
		txn.Abort()
		return nil, fmt.Errorf("failed to insert instance %s: %w", inst.ID, err)
	}
	txn.Commit()

	t.logger.Debug(context.Background(), "instance created", "instance_id", inst.ID, "saga", definitionName, "aggregate_id", owner)
	return inst, nil
}

func (t *InstanceTable) Get(id InstanceID) (*SagaInstance, error) {
	txn := t.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(instancesTable, "id", string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to read instance %s: %w", id, err)
	}
	if raw == nil {
		return nil, errors.Join(ErrInstanceNotFound, fmt.Errorf("instance %s", id))
	}
	return raw.(*SagaInstance), nil
}

// FindActive returns every instance of the aggregate whose status is Running
// or Compensating. The status is read under the instance lock; callers that
// act on the result re-check it under the same lock, since an instance may
// turn terminal in between.
func (t *InstanceTable) FindActive(owner AggregateID) ([]*SagaInstance, error) {
	txn := t.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(instancesTable, "owner", string(owner))
	if err != nil {
		return nil, fmt.Errorf("failed to scan instances of %s: %w", owner, err)
	}

	var active []*SagaInstance
	for raw := it.Next(); raw != nil; raw = it.Next() {
		inst := raw.(*SagaInstance)
		inst.mu.Lock()
		status := inst.Status
		inst.mu.Unlock()
		if status == StatusRunning || status == StatusCompensating {
			active = append(active, inst)
		}
	}
	return active, nil
}

// ListActive lists running and compensating instances across all owners.
func (t *InstanceTable) ListActive() ([]*SagaInstance, error) {
	txn := t.db.Txn(false)
	defer txn.Abort()

	var active []*SagaInstance
	for _, status := range []InstanceStatus{StatusRunning, StatusCompensating} {
		it, err := txn.Get(instancesTable, "status", string(status))
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s instances: %w", status, err)
		}
		for raw := it.Next(); raw != nil; raw = it.Next() {
			active = append(active, raw.(*SagaInstance))
		}
	}
	return active, nil
}

// touch re-inserts the instance so the status index reflects its current
// value. Must be called after every status change.
func (t *InstanceTable) touch(inst *SagaInstance) {
	txn := t.db.Txn(true)
	if err := txn.Insert(instancesTable, inst); err != nil {
		txn.Abort()
		t.logger.Error(context.Background(), "failed to refresh instance index", "instance_id", inst.ID, "error", err)
		return
	}
	txn.Commit()
}
