package video_library

import (
	"context"
	"io"
)

// A Source is a URL that a Provider has recognised, and can extract metadata and media from.
type Source interface {
	// URL should return the canonical URL for this source. It is assumed that the Provider.Match that created the
	// Source would successfully match this canonical URL.
	URL() string
	// Extract fetches information about the video without downloading it.
	Extract(ctx context.Context) (*Metadata, error)
	// ResolveStream chooses a format according to the preference and returns a way to fetch it. It may be called
	// again if a previously resolved stream turned out to be unavailable.
	ResolveStream(ctx context.Context, pref FormatPreference) (Stream, error)
}

// A Stream is a resolved, downloadable rendition of a Source.
type Stream interface {
	Format() Format
	// Open starts fetching the media, returning the body and its length in bytes (or <= 0 if unknown).
	Open(ctx context.Context) (io.ReadCloser, int64, error)
}

// An Extractor turns URLs into metadata and streams. ProviderRegistry is the usual implementation.
type Extractor interface {
	Extract(ctx context.Context, url string) (*Metadata, error)
	ResolveStream(ctx context.Context, url string, pref FormatPreference) (Stream, error)
}
