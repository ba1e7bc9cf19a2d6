package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/narvanalabs/shipyard/internal/models"
)

func createTestDeployment(t *testing.T, s *PostgresStore) *models.Deployment {
	t.Helper()
	ctx := context.Background()

	p := &models.Project{ID: uuid.New().String(), Name: "site", GitURL: "https://x/site.git", SubDomain: uuid.New().String()}
	if err := s.Projects().Create(ctx, p); err != nil {
		t.Fatalf("creating project: %v", err)
	}
	d := &models.Deployment{ID: uuid.New().String(), ProjectID: p.ID}
	if err := s.Deployments().Create(ctx, d); err != nil {
		t.Fatalf("creating deployment: %v", err)
	}
	return d
}

func TestDeploymentStoreCreateDefaultsToQueued(t *testing.T) {
	s := setupTestStore(t)
	d := createTestDeployment(t, s)

	got, err := s.Deployments().Get(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != models.DeploymentStatusQueued {
		t.Errorf("Status = %s, want QUEUED", got.Status)
	}

	list, err := s.Deployments().ListByProject(context.Background(), d.ProjectID)
	if err != nil {
		t.Fatalf("ListByProject() error = %v", err)
	}
	if len(list) != 1 || list[0].ID != d.ID {
		t.Errorf("ListByProject() = %v", list)
	}
}

// Any sequence of AdvanceStatus calls leaves the row at a status reachable
// by forward transitions only.
func TestDeploymentStoreAdvanceStatusIsMonotonic(t *testing.T) {
	s := setupTestStore(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	statuses := models.ValidDeploymentStatuses()

	properties.Property("status never moves backwards", prop.ForAll(
		func(seq []int) bool {
			ctx := context.Background()
			d := createTestDeployment(t, s)
			current := models.DeploymentStatusQueued

			for _, i := range seq {
				next := statuses[i]
				changed, err := s.Deployments().AdvanceStatus(ctx, d.ID, next)
				if err != nil {
					return false
				}
				if changed != current.CanTransitionTo(next) {
					return false
				}
				if changed {
					current = next
				}
			}

			got, err := s.Deployments().Get(ctx, d.ID)
			return err == nil && got.Status == current
		},
		gen.SliceOf(gen.IntRange(0, len(statuses)-1)),
	))

	properties.TestingRun(t)
}

func TestDeploymentStoreListStale(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	d := createTestDeployment(t, s)
	if _, err := s.Deployments().AdvanceStatus(ctx, d.ID, models.DeploymentStatusBuilding); err != nil {
		t.Fatalf("AdvanceStatus() error = %v", err)
	}

	active := []models.DeploymentStatus{models.DeploymentStatusQueued, models.DeploymentStatusBuilding}

	stale, err := s.Deployments().ListStale(ctx, active, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("ListStale() error = %v", err)
	}
	if len(stale) != 1 || stale[0].ID != d.ID {
		t.Errorf("ListStale() = %v, want [%s]", stale, d.ID)
	}

	fresh, err := s.Deployments().ListStale(ctx, active, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListStale() error = %v", err)
	}
	if len(fresh) != 0 {
		t.Errorf("ListStale() = %v, want none", fresh)
	}
}
