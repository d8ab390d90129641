package video_library

import (
	"context"
	"io"
)

// ContextReader stops a media stream copy once ctx is done. Cancelling a download or a hash of a library file only
// takes effect at the next Read, so a stalled upstream still needs the transport itself to give up.
type ContextReader struct {
	ctx    context.Context
	stream io.Reader
}

func NewContextReader(ctx context.Context, stream io.Reader) *ContextReader {
	return &ContextReader{ctx: ctx, stream: stream}
}

func (r *ContextReader) Read(p []byte) (int, error) {
	select {
	case <-r.ctx.Done():
		return 0, context.Cause(r.ctx)
	default:
	}
	return r.stream.Read(p)
}
