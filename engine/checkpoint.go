package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/Zenin797/SunoTherapist/core"
)

// Checkpointer persists conversation state between steps and turns.
// Implementations must store a copy: callers keep mutating the state they
// pass to Put.
type Checkpointer interface {
	// Get returns the state stored under key, or nil when there is none.
	Get(ctx context.Context, key string) (*core.State, error)

	Put(ctx context.Context, key string, state *core.State) error

	Delete(ctx context.Context, key string) error
}

// MemoryCheckpointer keeps checkpoints in process memory.
type MemoryCheckpointer struct {
	mu     sync.RWMutex
	states map[string][]byte
}

// NewMemoryCheckpointer creates an empty in-memory checkpointer.
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{states: make(map[string][]byte)}
}

func (m *MemoryCheckpointer) Get(ctx context.Context, key string) (*core.State, error) {
	m.mu.RLock()
	raw, ok := m.states[key]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var st core.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", key, err)
	}
	return &st, nil
}

func (m *MemoryCheckpointer) Put(ctx context.Context, key string, state *core.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", key, err)
	}
	m.mu.Lock()
	m.states[key] = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryCheckpointer) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.states, key)
	m.mu.Unlock()
	return nil
}

// ThreadLister is implemented by checkpointers that can enumerate a user's
// conversations.
type ThreadLister interface {
	Threads(ctx context.Context, userID string) ([]string, error)
}

// Threads returns the user's thread ids, sorted.
func (m *MemoryCheckpointer) Threads(ctx context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var threads []string
	for key := range m.states {
		if user, thread := core.SplitKey(key); user == userID {
			threads = append(threads, thread)
		}
	}
	sort.Strings(threads)
	return threads, nil
}
