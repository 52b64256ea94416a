package proposal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Service is the collaborator the workflow's activities call into. Real
// deployments implement it against their proposal store, mail gateway and
// project tracker; StubService is enough for development and tests.
type Service interface {
	// GetProposal loads the proposal under decision.
	GetProposal(ctx context.Context, id string) (Proposal, error)

	// SendProposal delivers the proposal to the deciding manager.
	SendProposal(ctx context.Context, p Proposal) error

	// NotifyTeam tells the team the proposal was approved.
	NotifyTeam(ctx context.Context, p Proposal) error

	// DenyProposal notifies the requestor of the rejection.
	DenyProposal(ctx context.Context, p Proposal) error

	// BuildPlanning creates planning tasks for one feature.
	BuildPlanning(ctx context.Context, f Feature) error

	// ComputePlanning derives the project schedule from the planned tasks.
	ComputePlanning(ctx context.Context, p Proposal) error

	// AssignTasks distributes planned tasks over the team.
	AssignTasks(ctx context.Context, p Proposal) error

	// ComputeCharts prepares reporting charts from features and estimates.
	ComputeCharts(ctx context.Context, p Proposal) error
}

// StubService implements Service with a canned proposal and no external
// effects. Calls are counted so tests can assert which paths ran; the
// counters are safe under the parallel activity execution of a fan-out.
type StubService struct {
	mu     sync.Mutex
	counts Counts
}

// Counts records how many times each activity-backed method ran.
type Counts struct {
	Sent     int
	Notified int
	Denied   int
	Planned  int
	Computed int
	Assigned int
	Charted  int
}

// Counts returns a snapshot of the call counters.
func (s *StubService) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts
}

func (s *StubService) bump(f func(*Counts)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(&s.counts)
}

func (s *StubService) GetProposal(ctx context.Context, id string) (Proposal, error) {
	return Proposal{
		ID:          id,
		Title:       "Project title",
		Description: "Project description",
		Features: []Feature{
			{
				Name:        "Feature 1",
				Description: "Feature 1 description",
				Tasks: []Task{
					{Name: "Task 1", Description: "Task 1 description", Estimate: 3 * time.Hour},
					{Name: "Task 2", Description: "Task 2 description", Estimate: 3 * time.Hour},
					{Name: "Task 3", Description: "Task 3 description", Estimate: 3 * time.Hour},
				},
			},
			{
				Name:        "Feature 2",
				Description: "Feature 2 description",
				Tasks: []Task{
					{Name: "Task 1", Description: "Task 1 description", Estimate: 3 * time.Hour},
					{Name: "Task 2", Description: "Task 2 description", Estimate: 3 * time.Hour},
				},
			},
		},
		Team: Team{
			Name: "Team name",
			Members: []Member{
				{ID: uuid.New(), FirstName: "Jean", LastName: "Dupond"},
				{ID: uuid.New(), FirstName: "Pierre", LastName: "Jacques"},
			},
		},
	}, nil
}

func (s *StubService) SendProposal(ctx context.Context, p Proposal) error {
	s.bump(func(c *Counts) { c.Sent++ })
	return nil
}

func (s *StubService) NotifyTeam(ctx context.Context, p Proposal) error {
	s.bump(func(c *Counts) { c.Notified++ })
	return nil
}

func (s *StubService) DenyProposal(ctx context.Context, p Proposal) error {
	s.bump(func(c *Counts) { c.Denied++ })
	return nil
}

func (s *StubService) BuildPlanning(ctx context.Context, f Feature) error {
	s.bump(func(c *Counts) { c.Planned++ })
	return nil
}

func (s *StubService) ComputePlanning(ctx context.Context, p Proposal) error {
	s.bump(func(c *Counts) { c.Computed++ })
	return nil
}

func (s *StubService) AssignTasks(ctx context.Context, p Proposal) error {
	s.bump(func(c *Counts) { c.Assigned++ })
	return nil
}

func (s *StubService) ComputeCharts(ctx context.Context, p Proposal) error {
	s.bump(func(c *Counts) { c.Charted++ })
	return nil
}
