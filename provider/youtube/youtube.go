package youtube

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/kkdai/youtube/v2"

	"github.com/alanbriolat/video-library"
)

type source struct {
	videoID string
	client  *youtube.Client

	mu    sync.Mutex
	video *youtube.Video
}

func (s *source) URL() string {
	return fmt.Sprintf("https://www.youtube.com/watch?v=%s", s.videoID)
}

func (s *source) String() string {
	return s.URL()
}

// getVideo fetches the video details once, so that Extract followed by ResolveStream only hits YouTube once.
func (s *source) getVideo(ctx context.Context) (*youtube.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.video != nil {
		return s.video, nil
	}
	video, err := s.client.GetVideoContext(ctx, s.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to get video info: %w", err)
	}
	s.video = video
	return video, nil
}

func (s *source) Extract(ctx context.Context) (*video_library.Metadata, error) {
	video, err := s.getVideo(ctx)
	if err != nil {
		return nil, err
	}
	return metadataFromVideo(s.URL(), video), nil
}

func (s *source) ResolveStream(ctx context.Context, pref video_library.FormatPreference) (video_library.Stream, error) {
	video, err := s.getVideo(ctx)
	if err != nil {
		return nil, err
	}
	formats := make([]video_library.Format, 0, len(video.Formats))
	for i := range video.Formats {
		formats = append(formats, formatFromYouTube(&video.Formats[i]))
	}
	selected, err := pref.Select(formats)
	if err != nil {
		return nil, err
	}
	for i := range video.Formats {
		if formatID(&video.Formats[i]) == selected.ID {
			return &stream{client: s.client, video: video, ytFormat: &video.Formats[i], format: selected}, nil
		}
	}
	return nil, video_library.ErrNoFormats
}

type stream struct {
	client   *youtube.Client
	video    *youtube.Video
	ytFormat *youtube.Format
	format   video_library.Format
}

func (s *stream) Format() video_library.Format {
	return s.format
}

func (s *stream) Open(ctx context.Context) (io.ReadCloser, int64, error) {
	body, size, err := s.client.GetStreamContext(ctx, s.video, s.ytFormat)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get stream: %w", err)
	}
	return body, size, nil
}

func metadataFromVideo(canonicalURL string, video *youtube.Video) *video_library.Metadata {
	meta := &video_library.Metadata{
		URL:        canonicalURL,
		Platform:   "youtube",
		VideoID:    video.ID,
		Title:      video.Title,
		Uploader:   video.Author,
		Duration:   video.Duration,
		UploadDate: video.PublishDate,
	}
	for i := range video.Formats {
		meta.Formats = append(meta.Formats, formatFromYouTube(&video.Formats[i]))
	}
	return meta
}

func formatID(f *youtube.Format) string {
	// Some itags appear more than once (e.g. original and dubbed audio), so qualify with the bitrate
	return fmt.Sprintf("%d-%d", f.ItagNo, f.Bitrate)
}

func formatFromYouTube(f *youtube.Format) video_library.Format {
	videoCodec, audioCodec := video_library.ParseCodecs(f.MimeType)
	return video_library.Format{
		ID:            formatID(f),
		Ext:           extFromMimeType(f.MimeType),
		MimeType:      f.MimeType,
		VideoCodec:    videoCodec,
		AudioCodec:    audioCodec,
		Width:         f.Width,
		Height:        f.Height,
		Bitrate:       f.Bitrate,
		ContentLength: f.ContentLength,
	}
}

func extFromMimeType(mimeType string) string {
	base := strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])
	switch base {
	case "audio/mp4":
		return "m4a"
	case "video/3gpp":
		return "3gp"
	}
	if parts := strings.SplitN(base, "/", 2); len(parts) == 2 && parts[1] != "" {
		return parts[1]
	}
	return "mp4"
}

func Match(s string) (video_library.Source, error) {
	return NewWithClient(&youtube.Client{}).Match(s)
}

// Provider matches YouTube URLs using a specific client.
type Provider struct {
	client *youtube.Client
}

func NewWithClient(client *youtube.Client) *Provider {
	return &Provider{client: client}
}

func (p *Provider) Match(s string) (video_library.Source, error) {
	if parsedURL, err := url.Parse(s); err != nil {
		return nil, err
	} else if videoID, err := extractVideoID(parsedURL); err != nil {
		return nil, err
	} else {
		return &source{videoID: videoID, client: p.client}, nil
	}
}

func New() video_library.Provider {
	return video_library.Provider{Name: "youtube", Match: Match}
}

// Extract video ID from YouTube URL.
//
// Allowed URL formats:
//
//	http(s?)://(www.|m.|music.)?youtube.com/(watch|details)?v={VIDEO_ID}
//	http(s?)://(www.|m.|music.)?youtube.com/(v|shorts|embed|live)/{VIDEO_ID}
//	http(s?)://youtu.be/{VIDEO_ID}
func extractVideoID(url *url.URL) (string, error) {
	var id string
	switch strings.ToLower(url.Hostname()) {
	case "youtube.com", "www.youtube.com", "m.youtube.com", "music.youtube.com":
		if url.Path == "/watch" || url.Path == "/details" {
			if !url.Query().Has("v") {
				return "", fmt.Errorf("missing ?v= query parameter")
			}
			id = url.Query().Get("v")
		} else {
			for _, prefix := range []string{"/v/", "/shorts/", "/embed/", "/live/"} {
				if strings.HasPrefix(url.Path, prefix) {
					id = strings.SplitN(strings.TrimPrefix(url.Path, prefix), "/", 2)[0]
					break
				}
			}
		}
	case "youtu.be":
		id = strings.Trim(url.Path, "/")
	default:
		return "", fmt.Errorf("unrecognised hostname")
	}
	if id == "" {
		return "", fmt.Errorf("could not extract video ID")
	}
	return id, nil
}

func init() {
	video_library.DefaultProviderRegistry.MustAdd(New())
}
