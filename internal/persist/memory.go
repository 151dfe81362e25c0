package persist

import (
	"context"
	"sync"

	"sketchsync/api/internal/command"
)

// MemoryStore keeps logs in process memory. Used for development and tests.
type MemoryStore struct {
	mu     sync.Mutex
	logs   map[string][]command.Command
	writes map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs:   make(map[string][]command.Command),
		writes: make(map[string]int),
	}
}

func (s *MemoryStore) Write(_ context.Context, documentID string, cmds []command.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[documentID] = append([]command.Command(nil), cmds...)
	s.writes[documentID]++
	return nil
}

func (s *MemoryStore) Read(_ context.Context, documentID string) ([]command.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]command.Command{}, s.logs[documentID]...), nil
}

// Writes reports how many times documentID has been written.
func (s *MemoryStore) Writes(documentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[documentID]
}
