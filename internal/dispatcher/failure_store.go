// internal/dispatcher/failure_store.go
package dispatcher

import (
	"context"
	"errors"
	"sort"
	"sync"

	"payment-reconciler/internal/models"
)

var ErrFailureNotFound = errors.New("dispatch failure not found")

// FailureStore holds intents that exhausted their retry budget until an
// operator replays or discards them.
type FailureStore interface {
	Add(ctx context.Context, f *models.DispatchFailure) error
	Get(ctx context.Context, id string) (*models.DispatchFailure, error)
	List(ctx context.Context, limit int) ([]*models.DispatchFailure, error)
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context) (models.DispatchFailureStats, error)
}

// MemoryFailureStore keeps failures in process memory.
type MemoryFailureStore struct {
	mu      sync.RWMutex
	entries map[string]*models.DispatchFailure
}

func NewMemoryFailureStore() *MemoryFailureStore {
	return &MemoryFailureStore{
		entries: make(map[string]*models.DispatchFailure),
	}
}

func (s *MemoryFailureStore) Add(ctx context.Context, f *models.DispatchFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.entries[f.ID] = &cp
	return nil
}

func (s *MemoryFailureStore) Get(ctx context.Context, id string) (*models.DispatchFailure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.entries[id]
	if !ok {
		return nil, ErrFailureNotFound
	}
	cp := *f
	return &cp, nil
}

// List returns failures newest first. limit <= 0 returns everything.
func (s *MemoryFailureStore) List(ctx context.Context, limit int) ([]*models.DispatchFailure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*models.DispatchFailure, 0, len(s.entries))
	for _, f := range s.entries {
		cp := *f
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryFailureStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return ErrFailureNotFound
	}
	delete(s.entries, id)
	return nil
}

func (s *MemoryFailureStore) Stats(ctx context.Context) (models.DispatchFailureStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := models.DispatchFailureStats{
		Total:    len(s.entries),
		ByTarget: make(map[string]int),
	}
	for _, f := range s.entries {
		stats.ByTarget[string(f.Intent.Target)]++
		stats.TotalAttempts += f.Attempts
		if stats.OldestEntry == nil || f.CreatedAt.Before(*stats.OldestEntry) {
			t := f.CreatedAt
			stats.OldestEntry = &t
		}
		if stats.NewestEntry == nil || f.CreatedAt.After(*stats.NewestEntry) {
			t := f.CreatedAt
			stats.NewestEntry = &t
		}
	}
	return stats, nil
}
