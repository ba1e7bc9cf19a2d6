package models

import (
	"slices"
	"time"
)

// DeploymentStatus represents the current state of a deployment.
type DeploymentStatus string

const (
	DeploymentStatusQueued   DeploymentStatus = "QUEUED"
	DeploymentStatusBuilding DeploymentStatus = "BUILDING"
	DeploymentStatusReady    DeploymentStatus = "READY"
	DeploymentStatusFailed   DeploymentStatus = "FAILED"
)

// Deployment is a single build-and-publish run of a project.
type Deployment struct {
	ID        string           `json:"id"`
	ProjectID string           `json:"projectId"`
	Status    DeploymentStatus `json:"status"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// String returns the string representation of the deployment status.
func (s DeploymentStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is one of the known deployment statuses.
func (s DeploymentStatus) IsValid() bool {
	return slices.Contains(ValidDeploymentStatuses(), s)
}

// IsTerminal returns true if no further transition is possible.
func (s DeploymentStatus) IsTerminal() bool {
	return s == DeploymentStatusReady || s == DeploymentStatusFailed
}

// CanTransitionTo reports whether moving from s to next is a forward transition.
// Transitions never go backwards: QUEUED -> BUILDING -> READY, and any
// non-terminal state may fail.
func (s DeploymentStatus) CanTransitionTo(next DeploymentStatus) bool {
	for _, prev := range next.Predecessors() {
		if prev == s {
			return true
		}
	}
	return false
}

// Predecessors returns the statuses from which s can be reached directly.
func (s DeploymentStatus) Predecessors() []DeploymentStatus {
	switch s {
	case DeploymentStatusBuilding:
		return []DeploymentStatus{DeploymentStatusQueued}
	case DeploymentStatusReady:
		return []DeploymentStatus{DeploymentStatusBuilding}
	case DeploymentStatusFailed:
		return []DeploymentStatus{DeploymentStatusQueued, DeploymentStatusBuilding}
	default:
		return nil
	}
}

// ValidDeploymentStatuses returns all deployment statuses in lifecycle order.
func ValidDeploymentStatuses() []DeploymentStatus {
	return []DeploymentStatus{
		DeploymentStatusQueued,
		DeploymentStatusBuilding,
		DeploymentStatusReady,
		DeploymentStatusFailed,
	}
}
