package tasks

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists tasks and records. Records(from, to) filters by timestamp;
// a zero bound is open-ended.
type Store interface {
	SaveTask(ctx context.Context, t Task) error
	Task(ctx context.Context, id string) (Task, error)
	Tasks(ctx context.Context) ([]Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status Status) error
	AppendRecord(ctx context.Context, r Record) error
	Records(ctx context.Context, from, to time.Time) ([]Record, error)
}

// MemoryStore is the default Store; it also serves as the test seam for the
// service layer.
type MemoryStore struct {
	mu      sync.Mutex
	tasks   map[string]Task
	order   []string
	records []Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]Task)}
}

func (s *MemoryStore) SaveTask(_ context.Context, t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; !exists {
		s.order = append(s.order, t.ID)
	}
	s.tasks[t.ID] = t
	return nil
}

func (s *MemoryStore) Task(_ context.Context, id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return t, nil
}

func (s *MemoryStore) Tasks(_ context.Context) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id])
	}
	return out, nil
}

func (s *MemoryStore) UpdateTaskStatus(_ context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.Status = status
	s.tasks[id] = t
	return nil
}

func (s *MemoryStore) AppendRecord(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *MemoryStore) Records(_ context.Context, from, to time.Time) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.records {
		if !from.IsZero() && r.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && r.Timestamp.After(to) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
