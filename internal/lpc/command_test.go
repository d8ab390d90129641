package lpc

import (
	"context"
	"errors"
	"testing"
	"time"

	assert_ "github.com/stretchr/testify/assert"
)

type ExampleCommand = *Command[int, int]

func TestCommand_Close(t *testing.T) {
	assert := assert_.New(t)

	// If command is prematurely closed, then the response is an error
	c := New[int, int](1)
	c.Close()
	_, err := c.Wait()
	assert.ErrorIs(err, ErrNoResponse)
	assert.ErrorIs(c.Respond(2), ErrClosed)
}

func TestCommand_Respond(t *testing.T) {
	assert := assert_.New(t)
	exampleError := errors.New("example error")

	a := New[int, int](1)
	assert.Nil(a.Respond(3))
	v, err := a.Wait()
	assert.Nil(err)
	assert.Equal(3, v)
	// Any further attempts to respond will fail
	assert.ErrorIs(a.Respond(4), ErrClosed)
	assert.ErrorIs(a.RespondError(exampleError), ErrClosed)

	b := New[int, int](1)
	assert.Nil(b.RespondError(exampleError))
	_, err = b.Wait()
	assert.ErrorIs(err, exampleError)
}

func TestCall(t *testing.T) {
	assert := assert_.New(t)

	commands := make(chan ExampleCommand)
	go func() {
		for c := range commands {
			_ = c.Respond(c.Arg() * 2)
		}
	}()
	defer close(commands)

	v, err := Call(context.Background(), commands, 21)
	assert.NoError(err)
	assert.Equal(42, v)
}

func TestCall_ContextDone(t *testing.T) {
	assert := assert_.New(t)

	// Nobody is receiving, so the context must end the call
	commands := make(chan ExampleCommand)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := Call(ctx, commands, 1)
	assert.ErrorIs(err, context.DeadlineExceeded)
}

func BenchmarkCall(b *testing.B) {
	commands := make(chan ExampleCommand, 1)
	go func() {
		for c := range commands {
			_ = c.Respond(c.Arg())
		}
	}()
	for i := 0; i < b.N; i++ {
		_, _ = Call(context.Background(), commands, i)
	}
	close(commands)
}
