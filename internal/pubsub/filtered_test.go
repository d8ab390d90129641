package pubsub

import (
	"strings"
	"testing"

	assert_ "github.com/stretchr/testify/assert"
)

func byJob(id string) func(string) bool {
	return func(msg string) bool { return strings.HasPrefix(msg, id+":") }
}

func TestFilteredSender_Send(t *testing.T) {
	assert := assert_.New(t)

	ch := NewChannel[string](10)
	filtered := NewFilteredSender[string](ch, byJob("a"))

	// Every message is accepted, with no indication of filtering
	for _, msg := range []string{"a:queued", "b:queued", "a:resolving", "b:failed"} {
		assert.True(filtered.Send(msg))
	}
	assert.Equal("a:queued", <-ch.Receive())
	assert.Equal("a:resolving", <-ch.Receive())
	select {
	case msg := <-ch.Receive():
		assert.Failf("unexpected message", "%v", msg)
	default:
	}
}

func TestFilteredSender_Close(t *testing.T) {
	assert := assert_.New(t)

	ch := NewChannel[string](10)
	filtered := NewFilteredSender[string](ch, byJob("a"))
	filtered.Close()
	<-ch.Closed()
	assert.False(filtered.Send("a:queued"))

	inner := NewChannel[string](10)
	outer := NewFilteredSender[string](inner, byJob("a"))
	inner.Close()
	<-outer.Closed()
	assert.False(outer.Send("a:queued"))
	// Rejected messages also report the closed state
	assert.False(outer.Send("b:queued"))
}

func TestFilteredSender_Publisher(t *testing.T) {
	assert := assert_.New(t)

	pub := NewPublisher[string]()
	ch := NewChannel[string](1)
	assert.Nil(pub.AddSubscriber(NewFilteredSender[string](ch, byJob("a")), true))

	var received []string
	receiverDone := make(chan struct{})
	go func() {
		defer close(receiverDone)
		for v := range ch.Receive() {
			received = append(received, v)
		}
	}()
	for _, msg := range []string{"a:queued", "b:queued", "a:downloading", "a:complete", "b:cancelled"} {
		pub.Send(msg)
	}
	pub.Close()
	<-receiverDone
	assert.Equal([]string{"a:queued", "a:downloading", "a:complete"}, received)
}
