package sync_

import "sync"

// Event is a boolean flag that goroutines can wait on, in the style of Python's threading.Event. The zero value is
// an unset Event ready for use.
type Event struct {
	mu    sync.Mutex
	ch    chan struct{}
	value bool
}

func NewEvent() *Event {
	return &Event{}
}

func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}

// Set ensures the Event is true, releasing all waiters. Returns true if the state was changed.
func (e *Event) Set() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.value {
		return false
	}
	e.value = true
	close(e.channel())
	return true
}

// Clear ensures the Event is false. Returns true if the state was changed.
func (e *Event) Clear() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.value {
		return false
	}
	e.value = false
	e.ch = nil
	return true
}

// Wait returns a channel that is closed once the Event is set (which may be immediately).
func (e *Event) Wait() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channel()
}

func (e *Event) channel() chan struct{} {
	if e.ch == nil {
		e.ch = make(chan struct{})
	}
	return e.ch
}
