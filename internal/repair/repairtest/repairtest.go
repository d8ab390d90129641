// Package repairtest provides stand-ins for ffprobe and ffmpeg. Fake media files start with a header line naming
// their codec, e.g. "FAKEMEDIA vp9 1280x720 12.5\n", followed by arbitrary payload.
package repairtest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/alanbriolat/video-library"
	"github.com/alanbriolat/video-library/internal/repair"
)

const magic = "FAKEMEDIA"

var ErrNotMedia = errors.New("not a fake media file")

// Header returns the header line for a fake media file.
func Header(codec string, width int, height int, duration float64) string {
	return fmt.Sprintf("%s %s %dx%d %g\n", magic, codec, width, height, duration)
}

// Content returns a fake media file of exactly size bytes (or just the header if that's longer), with a payload
// derived from seed.
func Content(codec string, size int, seed string) []byte {
	var buf bytes.Buffer
	header := Header(codec, 640, 360, 10)
	buf.WriteString(header)
	for i := 0; buf.Len() < size; i++ {
		fmt.Fprintf(&buf, "%s-%d;", seed, i)
	}
	if size > len(header) {
		buf.Truncate(size)
	}
	return buf.Bytes()
}

func WriteFile(path string, codec string, size int, seed string) error {
	return os.WriteFile(path, Content(codec, size, seed), 0644)
}

func readHeader(path string) (*repair.ProbeResult, io.Reader, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, err
	}
	r := bufio.NewReader(f)
	line, err := r.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, magic+" ") {
		_ = f.Close()
		return nil, nil, nil, ErrNotMedia
	}
	var result repair.ProbeResult
	var codec string
	if _, err := fmt.Sscanf(strings.TrimSpace(line), magic+" %s %dx%d %g", &codec, &result.Width, &result.Height, &result.DurationSeconds); err != nil {
		_ = f.Close()
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrNotMedia, err)
	}
	switch codec {
	case "aac", "mp3", "opus", "vorbis":
		result.AudioCodec = codec
		result.Width, result.Height = 0, 0
	default:
		result.VideoCodec = codec
		result.AudioCodec = "aac"
	}
	return &result, r, f, nil
}

// Prober reads fake media headers.
type Prober struct {
	calls atomic.Int32
}

func (p *Prober) Probe(ctx context.Context, path string) (*repair.ProbeResult, error) {
	p.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result, _, f, err := readHeader(path)
	if err != nil {
		return nil, err
	}
	_ = f.Close()
	return result, nil
}

func (p *Prober) Calls() int {
	return int(p.calls.Load())
}

// Transcoder rewrites the header of a fake media file to the target codec and copies the payload.
type Transcoder struct {
	// OutputCodec overrides the codec written, e.g. to simulate a broken encoder.
	OutputCodec string
	// Err is returned after writing half the output, if set.
	Err error
	// Block, if set, is waited on (or ctx) before transcoding starts.
	Block <-chan struct{}

	mu    sync.Mutex
	calls []string
}

func (t *Transcoder) Transcode(ctx context.Context, input string, output string, target repair.Target) error {
	t.mu.Lock()
	t.calls = append(t.calls, input)
	t.mu.Unlock()
	if t.Block != nil {
		select {
		case <-t.Block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	probed, payload, in, err := readHeader(input)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(output)
	if err != nil {
		return err
	}
	defer out.Close()
	codec := t.OutputCodec
	if codec == "" {
		codec = video_library.CodecFamily(target.VideoCodec)
	}
	if _, err := out.WriteString(Header(codec, probed.Width, probed.Height, probed.DurationSeconds)); err != nil {
		return err
	}
	if t.Err != nil {
		_, _ = io.CopyN(out, payload, 16)
		return t.Err
	}
	_, err = io.Copy(out, payload)
	return err
}

func (t *Transcoder) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}
