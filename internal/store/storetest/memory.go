// Package storetest provides an in-memory store.Store for tests.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/narvanalabs/shipyard/internal/models"
	"github.com/narvanalabs/shipyard/internal/store"
)

// Memory is a goroutine-safe in-memory store.Store.
type Memory struct {
	mu          sync.Mutex
	projects    map[string]*models.Project
	deployments map[string]*models.Deployment
	logs        map[string]*models.LogEvent

	// Hooks let tests inject failures. They run with the lock released.
	OnCreateProject func(*models.Project) error
	OnInsertLog     func(*models.LogEvent) error
	OnAdvance       func(id string, status models.DeploymentStatus) error
	PingErr         error
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		projects:    make(map[string]*models.Project),
		deployments: make(map[string]*models.Deployment),
		logs:        make(map[string]*models.LogEvent),
	}
}

func (m *Memory) Projects() store.ProjectStore       { return (*projectStore)(m) }
func (m *Memory) Deployments() store.DeploymentStore { return (*deploymentStore)(m) }
func (m *Memory) Logs() store.LogStore               { return (*logStore)(m) }

// WithTx runs fn against m. Writes are not rolled back.
func (m *Memory) WithTx(_ context.Context, fn func(store.Store) error) error {
	return fn(m)
}

func (m *Memory) Ping(context.Context) error { return m.PingErr }
func (m *Memory) Close() error               { return nil }

// LogCount returns the number of stored events across all deployments.
func (m *Memory) LogCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs)
}

type projectStore Memory

func (s *projectStore) Create(_ context.Context, p *models.Project) error {
	if s.OnCreateProject != nil {
		if err := s.OnCreateProject(p); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.projects {
		if existing.SubDomain == p.SubDomain {
			return store.ErrDuplicateSlug
		}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	cp := *p
	s.projects[p.ID] = &cp
	return nil
}

func (s *projectStore) Get(_ context.Context, id string) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

type deploymentStore Memory

func (s *deploymentStore) Create(_ context.Context, d *models.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = now
	}
	if d.Status == "" {
		d.Status = models.DeploymentStatusQueued
	}
	cp := *d
	s.deployments[d.ID] = &cp
	return nil
}

func (s *deploymentStore) Get(_ context.Context, id string) (*models.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deployments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *deploymentStore) ListByProject(_ context.Context, projectID string) ([]*models.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Deployment
	for _, d := range s.deployments {
		if d.ProjectID == projectID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *deploymentStore) AdvanceStatus(_ context.Context, id string, status models.DeploymentStatus) (bool, error) {
	if s.OnAdvance != nil {
		if err := s.OnAdvance(id, status); err != nil {
			return false, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deployments[id]
	if !ok || !d.Status.CanTransitionTo(status) {
		return false, nil
	}
	d.Status = status
	d.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *deploymentStore) ListStale(_ context.Context, statuses []models.DeploymentStatus, before time.Time) ([]*models.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Deployment
	for _, d := range s.deployments {
		if !d.UpdatedAt.Before(before) {
			continue
		}
		for _, st := range statuses {
			if d.Status == st {
				cp := *d
				out = append(out, &cp)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// SetUpdatedAt backdates a deployment for stale-detection tests.
func (m *Memory) SetUpdatedAt(id string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.deployments[id]; ok {
		d.UpdatedAt = t
	}
}

type logStore Memory

func (s *logStore) Insert(_ context.Context, e *models.LogEvent) (bool, error) {
	if s.OnInsertLog != nil {
		if err := s.OnInsertLog(e); err != nil {
			return false, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.logs[e.EventID]; ok {
		return false, nil
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	cp := *e
	s.logs[e.EventID] = &cp
	return true, nil
}

func (s *logStore) Query(_ context.Context, deploymentID string, q store.LogQuery) ([]*models.LogEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.LogEvent, 0)
	for _, e := range s.logs {
		if e.DeploymentID == deploymentID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Sequence < out[j].Sequence
	})

	limit := q.NormalizedLimit()
	if len(out) > limit {
		if q.Tail {
			out = out[len(out)-limit:]
		} else {
			out = out[:limit]
		}
	}
	return out, nil
}

func (s *logStore) Count(_ context.Context, deploymentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.logs {
		if e.DeploymentID == deploymentID {
			n++
		}
	}
	return n, nil
}
