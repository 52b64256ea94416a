package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/mkarppi/signoff/pkg/api"
)

// InMemoryStore is a goroutine-safe InstanceStore + HistoryStore backed by
// maps. It is not durable and is intended for tests and local development.
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[string]api.WorkflowInstance
	histories map[string][]api.HistoryEvent
	leases    map[string]lease
}

type lease struct {
	owner   string
	expires time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[string]api.WorkflowInstance),
		histories: make(map[string][]api.HistoryEvent),
		leases:    make(map[string]lease),
	}
}

// Ensure InMemoryStore implements the interfaces.
var (
	_ InstanceStore = (*InMemoryStore)(nil)
	_ HistoryStore  = (*InMemoryStore)(nil)
)

func (s *InMemoryStore) CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.instances[inst.ID] = *inst
	return nil
}

func (s *InMemoryStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; !ok {
		return ErrInstanceNotFound
	}
	s.instances[inst.ID] = *inst
	return nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	copied := inst
	return &copied, nil
}

func (s *InMemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.WorkflowInstance
	for _, inst := range s.instances {
		if filter.Workflow != "" && inst.Workflow != filter.Workflow {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		copied := inst
		out = append(out, &copied)
	}
	return out, nil
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if l, ok := s.leases[instanceID]; ok && l.owner != owner && l.expires.After(now) {
		return false, nil
	}
	s.leases[instanceID] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[instanceID]; ok && l.owner == owner {
		delete(s.leases, instanceID)
	}
	return nil
}

func (s *InMemoryStore) AppendEvent(ctx context.Context, instanceID string, ev api.HistoryEvent) (api.HistoryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev.Seq = int64(len(s.histories[instanceID])) + 1
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.histories[instanceID] = append(s.histories[instanceID], ev)
	return ev, nil
}

func (s *InMemoryStore) ListEvents(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.histories[instanceID]
	out := make([]api.HistoryEvent, len(src))
	copy(out, src)
	return out, nil
}
