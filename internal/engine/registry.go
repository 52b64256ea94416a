package engine

import (
	"fmt"
	"sync"

	"github.com/mkarppi/signoff/pkg/api"
)

// registry holds orchestrator and activity functions. Definitions are Go
// functions and therefore live in memory; instances reconstruct all progress
// from history, so nothing here needs to survive a restart beyond
// re-registration at startup.
type registry struct {
	mu         sync.RWMutex
	workflows  map[string]api.OrchestratorFunc
	activities map[string]api.ActivityFunc
}

func newRegistry() *registry {
	return &registry{
		workflows:  make(map[string]api.OrchestratorFunc),
		activities: make(map[string]api.ActivityFunc),
	}
}

func (r *registry) RegisterWorkflow(name string, fn api.OrchestratorFunc) error {
	if name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if fn == nil {
		return fmt.Errorf("workflow %q has nil orchestrator", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[name]; exists {
		return fmt.Errorf("workflow already registered: %s", name)
	}
	r.workflows[name] = fn
	return nil
}

func (r *registry) RegisterActivity(name string, fn api.ActivityFunc) error {
	if name == "" {
		return fmt.Errorf("activity name is required")
	}
	if fn == nil {
		return fmt.Errorf("activity %q has nil function", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.activities[name]; exists {
		return fmt.Errorf("activity already registered: %s", name)
	}
	r.activities[name] = fn
	return nil
}

func (r *registry) Workflow(name string) (api.OrchestratorFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.workflows[name]
	if !ok {
		return nil, fmt.Errorf("unknown workflow: %s", name)
	}
	return fn, nil
}

func (r *registry) Activity(name string) (api.ActivityFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.activities[name]
	if !ok {
		return nil, fmt.Errorf("unknown activity: %s", name)
	}
	return fn, nil
}
