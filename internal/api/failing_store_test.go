package api

import (
	"context"
	"errors"

	"github.com/narvanalabs/shipyard/internal/models"
	"github.com/narvanalabs/shipyard/internal/store"
)

var errStoreDown = errors.New("database is down")

// failingStore fails every log query.
type failingStore struct {
	store.Store
}

func (s failingStore) Logs() store.LogStore { return failingLogs{} }

type failingLogs struct{}

func (failingLogs) Insert(context.Context, *models.LogEvent) (bool, error) {
	return false, errStoreDown
}

func (failingLogs) Query(context.Context, string, store.LogQuery) ([]*models.LogEvent, error) {
	return nil, errStoreDown
}

func (failingLogs) Count(context.Context, string) (int, error) { return 0, errStoreDown }
