package generic

import "fmt"

// Result pairs a value with an error, so (T, error) returns can travel over a channel as one value.
type Result[T any] struct {
	Value T
	Error error
}

// NewResult wraps a (T, error) return value from another function call as a Result[T].
func NewResult[T any](value T, err error) Result[T] {
	return Result[T]{Value: value, Error: err}
}

// NewResult_ is like NewResult, but for return values that are just an error.
func NewResult_(err error) Result[Void] {
	return NewResult(NewVoid(), err)
}

func Ok[T any](value T) Result[T] {
	return Result[T]{Value: value}
}

func Err[T any](err error) Result[T] {
	return Result[T]{Error: err}
}

func (r Result[T]) IsErr() bool {
	return r.Error != nil
}

func (r Result[T]) IsOk() bool {
	return r.Error == nil
}

// Parts unpacks the Result[T] back into the usual (T, error) pair.
func (r Result[T]) Parts() (T, error) {
	return r.Value, r.Error
}

// Expect returns the contained value, or panics with msg and the contained error.
func (r Result[T]) Expect(msg string) T {
	if r.IsErr() {
		panic(fmt.Errorf("%s: %w", msg, r.Error))
	}
	return r.Value
}

// UnwrapOr returns the contained value, or other if there is an error.
func (r Result[T]) UnwrapOr(other T) T {
	if r.IsErr() {
		return other
	}
	return r.Value
}

// Unwrap is a shortcut for NewResult(...).Expect(...), for calls that can only fail through programmer error.
func Unwrap[T any](value T, err error) T {
	return NewResult(value, err).Expect("tried to Unwrap() an Err")
}

// Unwrap_ is like Unwrap, but for return values that are just an error.
func Unwrap_(err error) {
	NewResult_(err).Expect("tried to Unwrap() an Err")
}
