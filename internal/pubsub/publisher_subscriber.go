package pubsub

import (
	"errors"
	"sync"

	"github.com/alanbriolat/video-library/generic"
	"github.com/alanbriolat/video-library/internal/sync_"
)

const (
	DefaultPublisherBufSize  = 16
	DefaultSubscriberBufSize = 16
)

var (
	ErrPublisherClosed = errors.New("publisher closed")
)

// Publisher fans every sent message out to all current subscribers, in order.
type Publisher[T any] interface {
	SenderCloser[T]
	// AddSubscriber registers s; if closeWithPublisher is true, s is closed when the publisher closes.
	AddSubscriber(s SenderCloser[T], closeWithPublisher bool) error
	Subscribe() (ReceiverCloser[T], error)
	SubscribeBufSize(int) (ReceiverCloser[T], error)
	// SubscribeLossy subscribes with a NewLossyChannel, so a slow reader never holds up the publisher.
	SubscribeLossy(int) (ReceiverCloser[T], error)
}

type subscriberSets[T any] struct {
	all       generic.Set[SenderCloser[T]]
	closeWith generic.Set[SenderCloser[T]]
}

type publisher[T any] struct {
	mu          sync.Mutex
	ch          Channel[T]
	running     sync.WaitGroup
	pending     sync.WaitGroup // messages not yet delivered to every subscriber
	subscribers *sync_.Mutexed[subscriberSets[T]]
	closed      bool
}

func NewPublisher[T any]() Publisher[T] {
	return NewPublisherBufSize[T](DefaultPublisherBufSize)
}

func NewPublisherBufSize[T any](bufSize int) Publisher[T] {
	p := &publisher[T]{
		ch: NewChannel[T](bufSize),
		subscribers: sync_.NewMutexed(subscriberSets[T]{
			all:       generic.NewPolymorphicSet[SenderCloser[T]](),
			closeWith: generic.NewPolymorphicSet[SenderCloser[T]](),
		}),
	}
	p.running.Add(1)
	go p.run()
	return p
}

func (p *publisher[T]) run() {
	defer p.running.Done()
	for v := range p.ch.Receive() {
		// Copy the subscriber list so that a slow subscriber doesn't block AddSubscriber
		var subscribers []SenderCloser[T]
		_ = p.subscribers.Locked(func(s *subscriberSets[T]) error {
			subscribers = s.all.ToSlice()
			return nil
		})
		for _, s := range subscribers {
			if ok := s.Send(v); !ok {
				p.unsubscribe(s)
			}
		}
		p.pending.Done()
	}
}

func (p *publisher[T]) Send(msg T) bool {
	p.pending.Add(1)
	if ok := p.ch.Send(msg); !ok {
		p.pending.Done()
		return false
	}
	return true
}

func (p *publisher[T]) Subscribe() (ReceiverCloser[T], error) {
	return p.SubscribeBufSize(DefaultSubscriberBufSize)
}

func (p *publisher[T]) SubscribeBufSize(bufSize int) (ReceiverCloser[T], error) {
	s := NewChannel[T](bufSize)
	if err := p.AddSubscriber(s, true); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *publisher[T]) SubscribeLossy(bufSize int) (ReceiverCloser[T], error) {
	s := NewLossyChannel[T](bufSize)
	if err := p.AddSubscriber(s, true); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *publisher[T]) AddSubscriber(s SenderCloser[T], closeWithPublisher bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPublisherClosed
	}
	return p.subscribers.Locked(func(sets *subscriberSets[T]) error {
		sets.all.Add(s)
		if closeWithPublisher {
			sets.closeWith.Add(s)
		}
		return nil
	})
}

func (p *publisher[T]) unsubscribe(s SenderCloser[T]) {
	_ = p.subscribers.Locked(func(sets *subscriberSets[T]) error {
		sets.all.Remove(s)
		sets.closeWith.Remove(s)
		return nil
	})
}

// Close idempotently shuts down the publisher after delivering everything already sent.
func (p *publisher[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.ch.Close()
	p.pending.Wait()
	p.running.Wait()
	var toClose []SenderCloser[T]
	_ = p.subscribers.Locked(func(sets *subscriberSets[T]) error {
		toClose = sets.closeWith.ToSlice()
		sets.all.Clear()
		sets.closeWith.Clear()
		return nil
	})
	for _, s := range toClose {
		s.Close()
	}
	p.closed = true
}

func (p *publisher[T]) Closed() <-chan struct{} {
	return p.ch.Closed()
}
