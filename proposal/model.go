package proposal

import (
	"encoding/gob"
	"time"

	"github.com/google/uuid"
)

func init() {
	gob.Register(Proposal{})
	gob.Register(Feature{})
	gob.Register(Decision{})
}

// Proposal is a project proposal awaiting a manager's decision.
type Proposal struct {
	ID          string
	Title       string
	Description string
	Features    []Feature
	Team        Team
}

// Feature is one proposed feature with its planning tasks.
type Feature struct {
	Name        string
	Description string
	Tasks       []Task
}

// Task is a unit of planned work within a feature.
type Task struct {
	Name        string
	Description string
	Estimate    time.Duration
}

// Team is the group that will deliver the project if approved.
type Team struct {
	Name    string
	Members []Member
}

// Member is one team member.
type Member struct {
	ID        uuid.UUID
	FirstName string
	LastName  string
}

// Decision is the payload of the "approval" event raised by the manager.
type Decision struct {
	Approved bool
	Comment  string
}

// Outcomes returned by the approval workflow.
const (
	OutcomeAccepted = "Proposal accepted and processed"
	OutcomeRejected = "Proposal rejected"
)
