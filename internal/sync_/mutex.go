package sync_

import "sync"

type RMutexer[T any] interface {
	// Locked runs f with the lock held. f must not retain the pointer.
	Locked(f func(*T) error) error
	// Get returns a copy of the inner value.
	Get() T
}

type Mutexer[T any] interface {
	RMutexer[T]
	Set(value T)
	// Swap overwrites the inner value, returning the previous inner value.
	Swap(value T) T
}

// Mutexed guards a value of type T with a sync.Mutex.
type Mutexed[T any] struct {
	mu    sync.Mutex
	value T
}

func NewMutexed[T any](value T) *Mutexed[T] {
	return &Mutexed[T]{value: value}
}

func (m *Mutexed[T]) Locked(f func(*T) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return f(&m.value)
}

func (m *Mutexed[T]) Get() T {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

func (m *Mutexed[T]) Set(value T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = value
}

func (m *Mutexed[T]) Swap(value T) T {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.value
	m.value = value
	return old
}

// RWMutexed guards a value of type T with a sync.RWMutex, allowing concurrent readers through RLocked.
type RWMutexed[T any] struct {
	mu    sync.RWMutex
	value T
}

func NewRWMutexed[T any](value T) *RWMutexed[T] {
	return &RWMutexed[T]{value: value}
}

func (m *RWMutexed[T]) Locked(f func(*T) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return f(&m.value)
}

// RLocked runs f with the read lock held; f must not modify the value.
func (m *RWMutexed[T]) RLocked(f func(*T) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return f(&m.value)
}

func (m *RWMutexed[T]) Get() T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.value
}

func (m *RWMutexed[T]) Set(value T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = value
}

func (m *RWMutexed[T]) Swap(value T) T {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.value
	m.value = value
	return old
}

// RMutexer gives a read-only view, where Locked takes the read lock.
func (m *RWMutexed[T]) RMutexer() RMutexer[T] {
	return rwMutexedReader[T]{m}
}

type rwMutexedReader[T any] struct {
	m *RWMutexed[T]
}

func (r rwMutexedReader[T]) Locked(f func(*T) error) error {
	return r.m.RLocked(f)
}

func (r rwMutexedReader[T]) Get() T {
	return r.m.Get()
}
