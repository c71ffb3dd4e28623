package db

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/Guizzs26/go-sync-hub/internal/common"
	"github.com/Guizzs26/go-sync-hub/internal/models"
)

// MemoryEntityStore is an EntityStore backed by a map. Setting FailWith makes
// every Apply return that error.
type MemoryEntityStore struct {
	mu       sync.Mutex
	entities map[string]json.RawMessage
	applied  []models.EntityChange
	FailWith error
}

func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{entities: map[string]json.RawMessage{}}
}

func entityKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

func (s *MemoryEntityStore) Apply(ctx context.Context, change models.EntityChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return s.FailWith
	}
	key := entityKey(change.EntityType, change.EntityID)
	switch change.Operation {
	case models.OpDelete:
		delete(s.entities, key)
	case models.OpCreate, models.OpUpdate:
		s.entities[key] = slices.Clone(change.Payload)
	default:
		return fmt.Errorf("unsupported operation %q: %w", change.Operation, common.ErrInvalidInput)
	}
	s.applied = append(s.applied, change)
	return nil
}

// Put seeds an entity without recording an applied change.
func (s *MemoryEntityStore) Put(entityType, entityID string, payload json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[entityKey(entityType, entityID)] = slices.Clone(payload)
}

func (s *MemoryEntityStore) Get(ctx context.Context, entityType, entityID string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.entities[entityKey(entityType, entityID)]
	if !ok {
		return nil, common.ErrNotFound
	}
	return p, nil
}

// Applied returns every change applied so far, oldest first.
func (s *MemoryEntityStore) Applied() []models.EntityChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.applied)
}
