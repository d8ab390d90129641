package video_library

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var ErrNoFormats = errors.New("no downloadable formats")

// Format is one downloadable rendition of a video, as reported by a provider. Codec fields hold codec families (see
// CodecFamily) and are empty when the provider doesn't know.
type Format struct {
	ID            string
	Ext           string
	MimeType      string
	VideoCodec    string
	AudioCodec    string
	Width         int
	Height        int
	Bitrate       int
	ContentLength int64
}

// Codec is the codec that decides playback compatibility: the video codec, or the audio codec for audio-only formats.
func (f Format) Codec() string {
	if f.VideoCodec != "" {
		return f.VideoCodec
	}
	return f.AudioCodec
}

// Resolution returns "WxH", or "" if the dimensions are unknown.
func (f Format) Resolution() string {
	if f.Width <= 0 || f.Height <= 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", f.Width, f.Height)
}

func (f Format) String() string {
	return fmt.Sprintf("Format{ID:%q, Ext:%q, Codec:%q/%q, %dx%d}", f.ID, f.Ext, f.VideoCodec, f.AudioCodec, f.Width, f.Height)
}

// Metadata is what a provider can tell about a video before downloading it. Any field other than URL may be empty.
type Metadata struct {
	URL        string
	Platform   string
	VideoID    string
	Title      string
	Uploader   string
	Duration   time.Duration
	UploadDate time.Time
	ViewCount  int64
	Formats    []Format
}

// FormatPreference ranks the formats a provider offers.
type FormatPreference struct {
	// Codec families in order of preference; formats in other codecs rank after all of these.
	PreferredCodecs []string
	// Formats taller than this are skipped, if any others are available. Zero means no limit.
	MaxHeight int
	// Skip video formats without an audio track, if any others are available.
	RequireAudio bool
}

func DefaultFormatPreference() FormatPreference {
	return FormatPreference{
		PreferredCodecs: []string{"h264"},
		RequireAudio:    true,
	}
}

// Select picks the best format according to the preference. Filters are relaxed rather than returning nothing.
func (p FormatPreference) Select(formats []Format) (Format, error) {
	if len(formats) == 0 {
		return Format{}, ErrNoFormats
	}
	candidates := make([]Format, 0, len(formats))
	for _, f := range formats {
		if p.MaxHeight > 0 && f.Height > p.MaxHeight {
			continue
		}
		if p.RequireAudio && f.VideoCodec != "" && f.AudioCodec == "" {
			continue
		}
		candidates = append(candidates, f)
	}
	if len(candidates) == 0 {
		candidates = append(candidates, formats...)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if ra, rb := p.codecRank(a), p.codecRank(b); ra != rb {
			return ra < rb
		}
		if a.Height != b.Height {
			return a.Height > b.Height
		}
		return a.Bitrate > b.Bitrate
	})
	return candidates[0], nil
}

func (p FormatPreference) codecRank(f Format) int {
	family := CodecFamily(f.Codec())
	for i, c := range p.PreferredCodecs {
		if CodecFamily(c) == family {
			return i
		}
	}
	// Audio-only formats rank last, they're only a fallback for video sources
	if f.VideoCodec == "" && f.AudioCodec != "" {
		return len(p.PreferredCodecs) + 1
	}
	return len(p.PreferredCodecs)
}
