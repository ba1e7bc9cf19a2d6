package models

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func genDeploymentStatus() gopter.Gen {
	return gen.OneConstOf(
		DeploymentStatusQueued,
		DeploymentStatusBuilding,
		DeploymentStatusReady,
		DeploymentStatusFailed,
	)
}

// rank orders statuses along the lifecycle; FAILED shares the terminal rank with READY.
func rank(s DeploymentStatus) int {
	switch s {
	case DeploymentStatusQueued:
		return 0
	case DeploymentStatusBuilding:
		return 1
	default:
		return 2
	}
}

func TestDeploymentTransitionsAreMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("allowed transitions never move backwards", prop.ForAll(
		func(from, to DeploymentStatus) bool {
			if !from.CanTransitionTo(to) {
				return true
			}
			return rank(to) > rank(from)
		},
		genDeploymentStatus(),
		genDeploymentStatus(),
	))

	properties.Property("terminal statuses accept no transition", prop.ForAll(
		func(from, to DeploymentStatus) bool {
			if !from.IsTerminal() {
				return true
			}
			return !from.CanTransitionTo(to)
		},
		genDeploymentStatus(),
		genDeploymentStatus(),
	))

	properties.TestingRun(t)
}

func TestDeploymentTransitionTable(t *testing.T) {
	tests := []struct {
		from, to DeploymentStatus
		want     bool
	}{
		{DeploymentStatusQueued, DeploymentStatusBuilding, true},
		{DeploymentStatusQueued, DeploymentStatusFailed, true},
		{DeploymentStatusQueued, DeploymentStatusReady, false},
		{DeploymentStatusBuilding, DeploymentStatusReady, true},
		{DeploymentStatusBuilding, DeploymentStatusFailed, true},
		{DeploymentStatusBuilding, DeploymentStatusQueued, false},
		{DeploymentStatusReady, DeploymentStatusFailed, false},
		{DeploymentStatusFailed, DeploymentStatusBuilding, false},
		{DeploymentStatusQueued, DeploymentStatusQueued, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestDeploymentStatusIsValid(t *testing.T) {
	for _, s := range ValidDeploymentStatuses() {
		if !s.IsValid() {
			t.Errorf("%s.IsValid() = false", s)
		}
	}
	for _, s := range []DeploymentStatus{"", "queued", "DEPLOYED", "CANCELLED"} {
		if s.IsValid() {
			t.Errorf("%q.IsValid() = true", s)
		}
	}
}

func TestArtifactStorageKey(t *testing.T) {
	a := &ArtifactObject{Scope: "proj-1", RelativeKey: "assets/app.js"}
	if got := a.StorageKey("__outputs"); got != "__outputs/proj-1/assets/app.js" {
		t.Errorf("StorageKey() = %q", got)
	}
}
