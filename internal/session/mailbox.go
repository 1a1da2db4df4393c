package session

import "sync"

// Mailbox is a one-slot "latest value" cell. it is written from matchmaking
// callbacks (which run on the service's goroutine) and polled once per tick
// by the session. there is no queueing: the last Put wins and Peek never
// blocks on a writer for longer than the copy.
type Mailbox[T any] struct {
	mu    sync.Mutex
	value T
	full  bool
}

func (m *Mailbox[T]) Put(v T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = v
	m.full = true
}

// Peek returns the latest value without consuming it.
func (m *Mailbox[T]) Peek() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value, m.full
}
