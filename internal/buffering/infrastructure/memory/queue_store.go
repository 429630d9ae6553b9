package memory

import (
	"context"
	"sync"

	"iiot-gateway/internal/buffering/application"
)

type queue struct {
	ids     []string
	entries map[string][]byte
}

// QueueStore keeps queues in process memory. Contents are lost on restart.
type QueueStore struct {
	mu     sync.Mutex
	queues map[string]*queue
}

// NewQueueStore creates an empty store.
func NewQueueStore() *QueueStore {
	return &QueueStore{queues: make(map[string]*queue)}
}

// Push implements application.QueueStore.
func (s *QueueStore) Push(ctx context.Context, destination, id string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[destination]
	if !ok {
		q = &queue{entries: make(map[string][]byte)}
		s.queues[destination] = q
	}
	if _, exists := q.entries[id]; !exists {
		q.ids = append(q.ids, id)
	}
	q.entries[id] = clone(data)
	return nil
}

// Range implements application.QueueStore.
func (s *QueueStore) Range(ctx context.Context, destination string, limit int) ([]application.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[destination]
	if !ok || limit <= 0 {
		return nil, nil
	}
	if limit > len(q.ids) {
		limit = len(q.ids)
	}
	records := make([]application.Record, 0, limit)
	for _, id := range q.ids[:limit] {
		records = append(records, application.Record{ID: id, Data: clone(q.entries[id])})
	}
	return records, nil
}

// PopOldest implements application.QueueStore.
func (s *QueueStore) PopOldest(ctx context.Context, destination string, n int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[destination]
	if !ok || n <= 0 {
		return 0, nil
	}
	if n > len(q.ids) {
		n = len(q.ids)
	}
	for _, id := range q.ids[:n] {
		delete(q.entries, id)
	}
	q.ids = append([]string(nil), q.ids[n:]...)
	return n, nil
}

// Update implements application.QueueStore.
func (s *QueueStore) Update(ctx context.Context, destination, id string, fn application.UpdateFunc) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[destination]
	if !ok {
		return false, nil
	}
	data, ok := q.entries[id]
	if !ok {
		return false, nil
	}
	next, remove, err := fn(clone(data))
	if err != nil {
		return false, err
	}
	if remove {
		delete(q.entries, id)
		for i, queued := range q.ids {
			if queued == id {
				q.ids = append(q.ids[:i], q.ids[i+1:]...)
				break
			}
		}
		return true, nil
	}
	q.entries[id] = clone(next)
	return true, nil
}

// Len implements application.QueueStore.
func (s *QueueStore) Len(ctx context.Context, destination string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[destination]; ok {
		return len(q.ids), nil
	}
	return 0, nil
}

// Clear implements application.QueueStore.
func (s *QueueStore) Clear(ctx context.Context, destination string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[destination]
	if !ok {
		return 0, nil
	}
	delete(s.queues, destination)
	return len(q.ids), nil
}

func clone(data []byte) []byte {
	if data == nil {
		return nil
	}
	return append([]byte(nil), data...)
}
