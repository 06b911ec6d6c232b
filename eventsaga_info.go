package eventsaga

import "time"

// InstanceInfo is an immutable snapshot of a saga instance, suitable for a
// status endpoint. Snapshots share no memory with the live instance.
type InstanceInfo struct {
	ID                InstanceID
	DefinitionName    string
	OwnerAggregateID  AggregateID
	CorrelationKey    string
	CurrentStepIndex  int
	Status            InstanceStatus
	StartedAt         time.Time
	CompletedAt       *time.Time
	FailedAt          *time.Time
	LastError         string
	CompensationStack []string
	CompensationTrail []CompensationRecord
	StepOutputs       map[string][]byte
}

func snapshotInstance(inst *SagaInstance) *InstanceInfo {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	info := &InstanceInfo{
		ID:               inst.ID,
		DefinitionName:   inst.DefinitionName,
		OwnerAggregateID: inst.OwnerAggregateID,
		CorrelationKey:   inst.CorrelationKey,
		CurrentStepIndex: inst.CurrentStepIndex,
		Status:           inst.Status,
		StartedAt:        inst.StartedAt,
		LastError:        inst.LastError,
	}
	if inst.CompletedAt != nil {
		completedAt := *inst.CompletedAt
		info.CompletedAt = &completedAt
	}
	if inst.FailedAt != nil {
		failedAt := *inst.FailedAt
		info.FailedAt = &failedAt
	}
	if len(inst.CompensationStack) > 0 {
		info.CompensationStack = make([]string, len(inst.CompensationStack))
		copy(info.CompensationStack, inst.CompensationStack)
	}
	if len(inst.CompensationTrail) > 0 {
		info.CompensationTrail = make([]CompensationRecord, len(inst.CompensationTrail))
		copy(info.CompensationTrail, inst.CompensationTrail)
	}
	if len(inst.StepOutputs) > 0 {
		info.StepOutputs = make(map[string][]byte, len(inst.StepOutputs))
		for name, data := range inst.StepOutputs {
			output := make([]byte, len(data))
			copy(output, data)
			info.StepOutputs[name] = output
		}
	}
	return info
}

// GetInstance returns a snapshot of the instance, running or terminal.
func (e *Engine) GetInstance(id InstanceID) (*InstanceInfo, error) {
	inst, err := e.instances.Get(id)
	if err != nil {
		return nil, err
	}
	return snapshotInstance(inst), nil
}

// ListActiveInstances snapshots every running or compensating instance across
// all aggregates.
func (e *Engine) ListActiveInstances() ([]*InstanceInfo, error) {
	active, err := e.instances.ListActive()
	if err != nil {
		return nil, err
	}
	infos := make([]*InstanceInfo, 0, len(active))
	for _, inst := range active {
		infos = append(infos, snapshotInstance(inst))
	}
	return infos, nil
}

// FindActiveInstances snapshots the running or compensating instances owned
// by one aggregate.
func (e *Engine) FindActiveInstances(owner AggregateID) ([]*InstanceInfo, error) {
	active, err := e.instances.FindActive(owner)
	if err != nil {
		return nil, err
	}
	infos := make([]*InstanceInfo, 0, len(active))
	for _, inst := range active {
		infos = append(infos, snapshotInstance(inst))
	}
	return infos, nil
}
