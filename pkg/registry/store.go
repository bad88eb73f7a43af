package registry

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/speedrun-hq/rwa-runner/pkg/models"
)

// Sentinel errors
var (
	ErrNotFound  = errors.New("operation not found")
	ErrExists    = errors.New("operation already exists")
	ErrConflict  = errors.New("operation was modified concurrently")
	ErrInFlight  = errors.New("operation submission already in flight")
	ErrImmutable = errors.New("operation is in a final state")
)

// Store persists operations. Update is a compare-and-set on Version: it fails with
// ErrConflict when the stored version differs from op.Version, and on success
// advances op.Version.
type Store interface {
	Get(ctx context.Context, id string) (*models.Operation, error)
	Insert(ctx context.Context, op *models.Operation) error
	Update(ctx context.Context, op *models.Operation) error
	List(ctx context.Context, statuses ...models.OperationStatus) ([]*models.Operation, error)
	Close() error
}

// MemoryStore is a Store held in process memory
type MemoryStore struct {
	mu  sync.RWMutex
	ops map[string]*models.Operation
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ops: make(map[string]*models.Operation)}
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, id string) (*models.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.ops[id]
	if !ok {
		return nil, ErrNotFound
	}
	return op.Clone(), nil
}

// Insert implements Store
func (s *MemoryStore) Insert(_ context.Context, op *models.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ops[op.ID]; ok {
		return ErrExists
	}
	op.Version = 1
	s.ops[op.ID] = op.Clone()
	return nil
}

// Update implements Store
func (s *MemoryStore) Update(_ context.Context, op *models.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.ops[op.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != op.Version {
		return ErrConflict
	}
	op.Version++
	s.ops[op.ID] = op.Clone()
	return nil
}

// List implements Store. No statuses lists everything. Results are ordered by creation time.
func (s *MemoryStore) List(_ context.Context, statuses ...models.OperationStatus) ([]*models.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[models.OperationStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var out []*models.Operation
	for _, op := range s.ops {
		if len(want) == 0 || want[op.Status] {
			out = append(out, op.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Close implements Store
func (s *MemoryStore) Close() error { return nil }
