package raw

import (
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/alanbriolat/video-library"
	"github.com/alanbriolat/video-library/generic"
	"github.com/alanbriolat/video-library/util"
)

type Config struct {
	Protocols  generic.Set[string]
	Extensions generic.Set[string]
	Client     *http.Client
}

func NewConfig() Config {
	return Config{
		Protocols: generic.NewSet(
			"http",
			"https",
		),
		Extensions: generic.NewSet(
			"flv",
			"m4a",
			"m4v",
			"mkv",
			"mov",
			"mp3",
			"mp4",
			"webm",
		),
		Client: http.DefaultClient,
	}
}

func (c *Config) Match(s string) (video_library.Source, error) {
	// Expect string to be a URL
	parsedURL, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	// Check that scheme/protocol is valid
	if !c.Protocols.Contains(strings.ToLower(parsedURL.Scheme)) {
		return nil, fmt.Errorf("unknown URL scheme %v", parsedURL.Scheme)
	}
	// Attempt to extract filename and extension
	filename, err := util.FilenameFromURL(parsedURL)
	if err != nil {
		return nil, err
	}
	extension := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	if extension == "" {
		return nil, fmt.Errorf("no file extension found")
	}
	if !c.Extensions.Contains(extension) {
		return nil, fmt.Errorf("unknown file extension %v", extension)
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &source{
		url:       s,
		parsedURL: parsedURL,
		filename:  filename,
		ext:       extension,
		client:    client,
	}, nil
}

func (c Config) Provider() video_library.Provider {
	return video_library.Provider{
		Name:  "raw",
		Match: c.Match,
	}
}

type source struct {
	url       string
	parsedURL *url.URL
	filename  string
	ext       string
	client    *http.Client
}

func (s *source) URL() string {
	return s.url
}

func (s *source) String() string {
	return s.URL()
}

// Extract makes a HEAD request to learn the size and type of the file. Servers that reject HEAD still give usable
// metadata, derived from the URL alone.
func (s *source) Extract(ctx context.Context) (*video_library.Metadata, error) {
	format := s.format()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metadata request failed: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, fmt.Errorf("metadata request failed: %v", resp.Status)
	}
	if resp.StatusCode < 300 {
		format = formatFromHeader(format, resp.Header, resp.ContentLength)
	}
	return &video_library.Metadata{
		URL:      s.url,
		Platform: util.DetectPlatform(s.parsedURL),
		VideoID:  s.videoID(),
		Title:    strings.TrimSuffix(s.filename, path.Ext(s.filename)),
		Formats:  []video_library.Format{format},
	}, nil
}

func (s *source) ResolveStream(ctx context.Context, pref video_library.FormatPreference) (video_library.Stream, error) {
	return &stream{source: s, format: s.format()}, nil
}

func (s *source) format() video_library.Format {
	return video_library.Format{
		ID:       "raw",
		Ext:      s.ext,
		MimeType: mime.TypeByExtension("." + s.ext),
	}
}

// videoID is derived from the URL, since a plain file has no id of its own.
func (s *source) videoID() string {
	return fmt.Sprintf("%x", sha1.Sum([]byte(s.url)))[:12]
}

type stream struct {
	source *source
	format video_library.Format
}

func (s *stream) Format() video_library.Format {
	return s.format
}

func (s *stream) Open(ctx context.Context) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.source.url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.source.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("download failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, 0, fmt.Errorf("download failed: %v", resp.Status)
	}
	return resp.Body, resp.ContentLength, nil
}

func formatFromHeader(f video_library.Format, header http.Header, contentLength int64) video_library.Format {
	if contentLength > 0 {
		f.ContentLength = contentLength
	}
	if contentType := header.Get("Content-Type"); contentType != "" {
		f.MimeType = contentType
		f.VideoCodec, f.AudioCodec = video_library.ParseCodecs(contentType)
	}
	return f
}

func init() {
	video_library.DefaultProviderRegistry.MustAdd(
		NewConfig().Provider().WithPriority(video_library.PriorityLowest),
	)
}
