// Package lpc stands for "Local Procedure Call". It's a typed request/response mechanism implemented over Go
// channels, used to talk to a long-running goroutine that owns some state.
package lpc

import (
	"context"
	"errors"
	"sync"

	"github.com/alanbriolat/video-library/generic"
	"github.com/alanbriolat/video-library/internal/sync_"
)

var (
	ErrClosed     = errors.New("command response already sent")
	ErrNoResponse = errors.New("no response")
)

// Command carries an argument to the owning goroutine, and a single response back.
type Command[Arg any, Response any] struct {
	arg      Arg
	mu       sync.Mutex
	response generic.Result[Response]
	done     sync_.Event
}

func New[Arg any, Response any](arg Arg) *Command[Arg, Response] {
	return &Command[Arg, Response]{
		arg:      arg,
		response: generic.Err[Response](ErrNoResponse),
	}
}

func (c *Command[Arg, Response]) Arg() Arg {
	return c.arg
}

func (c *Command[Arg, Response]) Respond(response Response) error {
	return c.respond(generic.Ok(response))
}

func (c *Command[Arg, Response]) RespondError(err error) error {
	return c.respond(generic.Err[Response](err))
}

func (c *Command[Arg, Response]) respond(result generic.Result[Response]) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done.IsSet() {
		return ErrClosed
	}
	c.response = result
	c.done.Set()
	return nil
}

// Wait blocks until a response is available.
func (c *Command[Arg, Response]) Wait() (Response, error) {
	<-c.done.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.response.Parts()
}

// Close ends the command without a response; Wait will return ErrNoResponse.
func (c *Command[Arg, Response]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done.Set()
}

// Call sends a new Command to ch and waits for the response. If ctx ends first, either before the command is
// accepted or while waiting, ctx.Err() is returned.
func Call[Arg any, Response any](ctx context.Context, ch chan<- *Command[Arg, Response], arg Arg) (Response, error) {
	c := New[Arg, Response](arg)
	select {
	case ch <- c:
	case <-ctx.Done():
		var zero Response
		return zero, ctx.Err()
	}
	select {
	case <-c.done.Wait():
		return c.Wait()
	case <-ctx.Done():
		var zero Response
		return zero, ctx.Err()
	}
}
