package pubsub

import (
	"sync"
	"testing"

	assert_ "github.com/stretchr/testify/assert"
)

var _ Publisher[int] = &publisher[int]{}

func TestPublisher(t *testing.T) {
	assert := assert_.New(t)
	pub := NewPublisher[int]().(*publisher[int])

	// No subscribers: sends still succeed
	assert.True(pub.Send(1))
	pub.pending.Wait()

	s1, err := pub.Subscribe()
	assert.Nil(err)
	assert.True(pub.Send(2))
	assert.Equal(2, <-s1.Receive())
	pub.pending.Wait()

	// Both subscribers see the same value
	s2, err := pub.Subscribe()
	assert.Nil(err)
	var v1, v2 int
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { v1 = <-s1.Receive(); wg.Done() }()
	go func() { v2 = <-s2.Receive(); wg.Done() }()
	assert.True(pub.Send(3))
	wg.Wait()
	assert.Equal(3, v1)
	assert.Equal(3, v2)
	pub.pending.Wait()

	// A closed subscriber is dropped, the other keeps receiving
	s1.Close()
	assert.True(pub.Send(4))
	assert.Equal(4, <-s2.Receive())
	pub.pending.Wait()

	pub.Close()
	_, err = pub.Subscribe()
	assert.Equal(ErrPublisherClosed, err)
	assert.False(pub.Send(5))
	_, ok := <-s2.Receive()
	assert.False(ok, "expected subscriber to be closed by publisher")
	pub.Close()
}

func TestPublisher_AddSubscriber_Close(t *testing.T) {
	assert := assert_.New(t)

	pub := NewPublisher[int]()
	c1 := NewChannel[int](1)
	c2 := NewChannel[int](1)
	assert.Nil(pub.AddSubscriber(c1, true))
	assert.Nil(pub.AddSubscriber(c2, false))
	pub.Close()
	assert.False(c1.Send(1), "expected closeWithPublisher subscriber to be closed")
	assert.True(c2.Send(1), "expected other subscriber to stay open")
}

func TestPublisher_SubscribeLossy(t *testing.T) {
	assert := assert_.New(t)

	pub := NewPublisher[int]().(*publisher[int])
	lossy, err := pub.SubscribeLossy(1)
	assert.Nil(err)
	// Nobody reads the lossy subscriber, yet every send completes
	for i := 0; i < 100; i++ {
		assert.True(pub.Send(i))
	}
	pub.pending.Wait()
	assert.Equal(0, <-lossy.Receive(), "first message fills the buffer, later ones are dropped")
	pub.Close()
}
