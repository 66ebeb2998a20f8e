// Package presence counts active connections per user.
//
// A user is online while its count is greater than zero. The Memory store
// serves a single process; cluster.Presence implements the same contract on
// Redis for deployments with several nodes.
package presence

import (
	"context"
	"errors"
	"sync"
)

// ErrNotHeld is returned when releasing a user that holds no connection slot.
var ErrNotHeld = errors.New("user holds no presence slot")

// Store tracks active connection counts per user.
type Store interface {
	// Acquire increments the user's count and returns the new value.
	Acquire(ctx context.Context, userID string) (int64, error)
	// Release decrements the user's count and returns the new value.
	// Releasing a user with no active connections fails with ErrNotHeld
	// and leaves the count untouched.
	Release(ctx context.Context, userID string) (int64, error)
	// Count returns the user's current count.
	Count(ctx context.Context, userID string) (int64, error)
}

// Memory is an in-process Store.
type Memory struct {
	counts map[string]int64
	mu     sync.Mutex
}

func NewMemory() *Memory {
	return &Memory{counts: make(map[string]int64)}
}

func (m *Memory) Acquire(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counts[userID]++
	return m.counts[userID], nil
}

func (m *Memory) Release(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.counts[userID]
	if !ok {
		return 0, ErrNotHeld
	}
	n--
	if n <= 0 {
		delete(m.counts, userID)
		return 0, nil
	}
	m.counts[userID] = n
	return n, nil
}

func (m *Memory) Count(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[userID], nil
}

// Online returns IDs of users with at least one active connection.
func (m *Memory) Online() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := make([]string, 0, len(m.counts))
	for id := range m.counts {
		users = append(users, id)
	}
	return users
}
