package repair

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/floostack/transcoder"
	"github.com/floostack/transcoder/ffmpeg"

	"github.com/alanbriolat/video-library"
)

type FFmpegConfig struct {
	FfmpegBinPath  string
	FfprobeBinPath string
}

// FFmpeg probes with ffprobe and transcodes with ffmpeg.
type FFmpeg struct {
	config FFmpegConfig
}

var (
	_ Prober     = &FFmpeg{}
	_ Transcoder = &FFmpeg{}
)

func NewFFmpeg(config FFmpegConfig) *FFmpeg {
	if config.FfmpegBinPath == "" {
		config.FfmpegBinPath = "ffmpeg"
	}
	if config.FfprobeBinPath == "" {
		config.FfprobeBinPath = "ffprobe"
	}
	return &FFmpeg{config: config}
}

func (f *FFmpeg) newTranscoder(progress bool) transcoder.Transcoder {
	return ffmpeg.New(&ffmpeg.Config{
		ProgressEnabled: progress,
		FfmpegBinPath:   f.config.FfmpegBinPath,
		FfprobeBinPath:  f.config.FfprobeBinPath,
	})
}

func (f *FFmpeg) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	metadata, err := f.newTranscoder(false).Input(path).GetMetadata()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", parseFfmpegError(err))
	}
	result := &ProbeResult{}
	for _, stream := range metadata.GetStreams() {
		switch stream.GetCodecType() {
		case "video":
			if result.VideoCodec == "" {
				result.VideoCodec = video_library.CodecFamily(stream.GetCodecName())
				result.Width = stream.GetWidth()
				result.Height = stream.GetHeight()
			}
		case "audio":
			if result.AudioCodec == "" {
				result.AudioCodec = video_library.CodecFamily(stream.GetCodecName())
			}
		}
	}
	if format := metadata.GetFormat(); format != nil {
		if d, err := strconv.ParseFloat(format.GetDuration(), 64); err == nil {
			result.DurationSeconds = d
		}
	}
	if result.Codec() == "" {
		return nil, errors.New("no audio or video streams")
	}
	return result, nil
}

func (f *FFmpeg) Transcode(ctx context.Context, input string, output string, target Target) error {
	overwrite := true
	opts := &ffmpeg.Options{
		VideoCodec:   &target.VideoCodec,
		AudioCodec:   &target.AudioCodec,
		OutputFormat: &target.Format,
		Overwrite:    &overwrite,
	}
	progress, err := f.newTranscoder(true).
		Input(input).
		Output(output).
		WithContext(&ctx).
		Start(opts)
	if err != nil {
		return parseFfmpegError(err)
	}
	// The channel closes when ffmpeg exits; success is judged by probing the output afterwards
	for range progress {
	}
	return ctx.Err()
}

var ffmpegMessage = regexp.MustCompile(`(?s)message: ({.*})`)

// parseFfmpegError picks the JSON error message out of ffprobe/ffmpeg output, which is otherwise mostly build
// information.
func parseFfmpegError(err error) error {
	groups := ffmpegMessage.FindStringSubmatch(err.Error())
	if len(groups) == 0 {
		return err
	}
	var out struct {
		Error struct {
			String string `json:"string"`
		} `json:"error"`
	}
	if jsonErr := json.Unmarshal([]byte(groups[1]), &out); jsonErr != nil || out.Error.String == "" {
		return errors.New(groups[1])
	}
	return errors.New(out.Error.String)
}
