package async

// Run starts f in its own goroutine, e.g. a CLI command, so the caller can wait on a shutdown signal at the same time.
// The channel yields f's result once and is then closed.
func Run[T any](f func() T) <-chan T {
	result := make(chan T, 1)
	go func() {
		defer close(result)
		result <- f()
	}()
	return result
}
