package pubsub

import (
	"sync"
)

type Sender[T any] interface {
	// Send delivers msg, returning false if the receiving side is closed.
	Send(msg T) bool
}

type Receiver[T any] interface {
	Receive() <-chan T
}

type Closer interface {
	Close()
	Closed() <-chan struct{}
}

type SenderCloser[T any] interface {
	Sender[T]
	Closer
}

type ReceiverCloser[T any] interface {
	Receiver[T]
	Closer
}

type Channel[T any] interface {
	Sender[T]
	Receiver[T]
	Closer
}

// channel wraps a `chan T` so that Send and Close are safe to call concurrently and Close is idempotent.
type channel[T any] struct {
	mu      sync.RWMutex
	ch      chan T
	done    chan struct{}
	closed  bool
	lossy   bool
	sending sync.WaitGroup
}

func NewChannel[T any](bufSize int) Channel[T] {
	return &channel[T]{
		ch:   make(chan T, bufSize),
		done: make(chan struct{}),
	}
}

// NewLossyChannel is like NewChannel, except Send never blocks: when the buffer is full the message is dropped (and
// Send still returns true). For consumers that only care about the latest state, such as progress viewers.
func NewLossyChannel[T any](bufSize int) Channel[T] {
	return &channel[T]{
		ch:    make(chan T, bufSize),
		done:  make(chan struct{}),
		lossy: true,
	}
}

func (c *channel[T]) Receive() <-chan T {
	return c.ch
}

// Send blocks until msg is accepted by the buffer or a receiver, or the channel is closed.
func (c *channel[T]) Send(msg T) bool {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return false
	}
	c.sending.Add(1)
	defer c.sending.Done()
	c.mu.RUnlock()

	if c.lossy {
		select {
		case c.ch <- msg:
		default:
		}
		return true
	}
	select {
	case c.ch <- msg:
		return true
	case <-c.done:
		return false
	}
}

func (c *channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	// Release blocked senders before closing the underlying chan, so nothing sends on a closed chan
	close(c.done)
	c.sending.Wait()
	close(c.ch)
	c.closed = true
}

func (c *channel[T]) Closed() <-chan struct{} {
	return c.done
}
