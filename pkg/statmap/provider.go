// Package statmap supplies first-level statistical maps keyed by subject,
// task and contrast. The parcel builder only sees the Provider interface,
// so synthetic maps and on-disk datasets are interchangeable.
package statmap

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"froiparcels/internal/models"
)

// Provider returns the statistical map of one subject for one contrast of
// a task. Missing maps are reported with models.ErrDataNotFound.
type Provider interface {
	Load(ctx context.Context, subject, task, contrast string) (*models.StatMap, error)
}

// Key identifies a map within a store
type Key struct {
	Subject  string
	Task     string
	Contrast string
}

func (k Key) String() string {
	return fmt.Sprintf("sub-%s/%s/%s", k.Subject, k.Task, k.Contrast)
}

func notFound(k Key) error {
	return fmt.Errorf("%w: %s", models.ErrDataNotFound, k)
}

// MemoryStore keeps maps in memory. It is safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	maps map[Key]*models.StatMap
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{maps: make(map[Key]*models.StatMap)}
}

// Put stores m under its own subject/task/contrast
func (s *MemoryStore) Put(m *models.StatMap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maps[Key{m.Subject, m.Task, m.Contrast}] = m
}

// Load implements Provider
func (s *MemoryStore) Load(ctx context.Context, subject, task, contrast string) (*models.StatMap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	k := Key{subject, task, contrast}
	m, ok := s.maps[k]
	if !ok {
		return nil, notFound(k)
	}
	return m, nil
}

// Subjects lists the subjects that have a map for task and contrast
func (s *MemoryStore) Subjects(task, contrast string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for k := range s.maps {
		if k.Task == task && k.Contrast == contrast {
			out = append(out, k.Subject)
		}
	}
	sort.Strings(out)
	return out
}
