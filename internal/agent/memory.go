package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryNamespace scopes the deterministic memory ids this process derives.
var memoryNamespace = uuid.MustParse("7b8c1f52-9a93-4a2e-b6d1-3f0a52c7e9aa")

// MemoryID derives the stable per-agent id for a central message. Redelivery
// of the same message to the same agent maps to the same id.
func MemoryID(centralMessageID, agentID string) string {
	return uuid.NewSHA1(memoryNamespace, []byte(centralMessageID+":"+agentID)).String()
}

// Memory is one message as an agent remembers it.
type Memory struct {
	ID        string
	MessageID string
	ChannelID string
	EntityID  string
	Content   string
	CreatedAt time.Time
}

// MemoryStore holds an agent's message memories in process.
type MemoryStore struct {
	mu       sync.RWMutex
	memories map[string]*Memory
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{memories: make(map[string]*Memory)}
}

// Put stores a memory, returning false when the id is already known.
func (s *MemoryStore) Put(m *Memory) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memories[m.ID]; ok {
		return false
	}
	s.memories[m.ID] = m
	return true
}

// Has reports whether a memory id is known.
func (s *MemoryStore) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.memories[id]
	return ok
}

// Delete removes a memory by id.
func (s *MemoryStore) Delete(id string) {
	s.mu.Lock()
	delete(s.memories, id)
	s.mu.Unlock()
}

// DeleteByChannel removes every memory of a channel.
func (s *MemoryStore) DeleteByChannel(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.memories {
		if m.ChannelID == channelID {
			delete(s.memories, id)
		}
	}
}

// Len reports the number of stored memories.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.memories)
}
