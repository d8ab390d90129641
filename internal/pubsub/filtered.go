package pubsub

// NewFilteredSender passes on only the messages accept allows, e.g. keeping progress ticks out of the job history.
// A nil accept passes everything.
func NewFilteredSender[T any](s SenderCloser[T], accept func(T) bool) SenderCloser[T] {
	return &filteredSender[T]{SenderCloser: s, accept: accept}
}

type filteredSender[T any] struct {
	SenderCloser[T]
	accept func(T) bool
}

// Send reports false only when the underlying sender is closed. A rejected message counts as delivered so that the
// publisher keeps the subscription.
func (s *filteredSender[T]) Send(msg T) bool {
	if s.accept == nil || s.accept(msg) {
		return s.SenderCloser.Send(msg)
	}
	select {
	case <-s.Closed():
		return false
	default:
		return true
	}
}
