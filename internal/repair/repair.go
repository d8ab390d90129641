// Package repair makes sure every file that reaches the library is playable, transcoding anything in a codec
// outside the compatible set.
package repair

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/alanbriolat/video-library"
	"github.com/alanbriolat/video-library/generic"
)

var ErrRepairFailed = errors.New("repair failed")

// ProbeResult describes the streams of a media file. Codec fields are codec families (see
// video_library.CodecFamily) and are empty if there is no such stream.
type ProbeResult struct {
	VideoCodec      string
	AudioCodec      string
	Width           int
	Height          int
	DurationSeconds float64
}

func (p ProbeResult) Codec() string {
	if p.VideoCodec != "" {
		return p.VideoCodec
	}
	return p.AudioCodec
}

func (p ProbeResult) Resolution() string {
	return video_library.Format{Width: p.Width, Height: p.Height}.Resolution()
}

type Prober interface {
	Probe(ctx context.Context, path string) (*ProbeResult, error)
}

// Target is the encoding incompatible files are converted to.
type Target struct {
	VideoCodec string
	AudioCodec string
	// Container format, as understood by ffmpeg -f.
	Format string
	// File extension of the result.
	Ext string
}

var DefaultTarget = Target{
	VideoCodec: "libx264",
	AudioCodec: "aac",
	Format:     "mp4",
	Ext:        "mp4",
}

type Transcoder interface {
	Transcode(ctx context.Context, input string, output string, target Target) error
}

var DefaultCompatibleCodecs = []string{"h264", "aac", "mp3"}

type Config struct {
	CompatibleCodecs []string
	Target           Target
}

// Result is the outcome of repairing a file.
type Result struct {
	// Path of the playable file; the input path if no work was needed.
	Path string
	Ext  string
	// Codec is empty when it was neither reported nor probed.
	Codec           string
	Resolution      string
	DurationSeconds float64
	Transcoded      bool
}

type Repairer struct {
	prober     Prober
	transcoder Transcoder
	compatible generic.Set[string]
	target     Target
	log        *zap.SugaredLogger
}

func NewRepairer(prober Prober, transcoder Transcoder, config Config) *Repairer {
	codecs := config.CompatibleCodecs
	if len(codecs) == 0 {
		codecs = DefaultCompatibleCodecs
	}
	compatible := generic.NewSet[string]()
	for _, c := range codecs {
		compatible.Add(video_library.CodecFamily(c))
	}
	target := config.Target
	if target == (Target{}) {
		target = DefaultTarget
	}
	return &Repairer{
		prober:     prober,
		transcoder: transcoder,
		compatible: compatible,
		target:     target,
		log:        zap.S().Named("repair"),
	}
}

func (r *Repairer) IsCompatible(codec string) bool {
	return codec != "" && r.compatible.Contains(video_library.CodecFamily(codec))
}

// Repair checks the file at path, whose codec is reportedCodec if known, and transcodes it to a sibling file if it
// isn't compatible. On success with Transcoded set, the input file has been removed. On failure nothing but the
// input file is left behind.
func (r *Repairer) Repair(ctx context.Context, path string, reportedCodec string) (*Result, error) {
	result := &Result{
		Path:  path,
		Ext:   strings.TrimPrefix(filepath.Ext(path), "."),
		Codec: video_library.CodecFamily(reportedCodec),
	}
	if result.Codec == "" {
		probed, err := r.prober.Probe(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("%w: probe: %v", ErrRepairFailed, err)
		}
		result.Codec = probed.Codec()
		result.Resolution = probed.Resolution()
		result.DurationSeconds = probed.DurationSeconds
	}
	if r.IsCompatible(result.Codec) {
		return result, nil
	}

	log := r.log.With("path", path, "codec", result.Codec)
	log.Infof("transcoding incompatible file")
	output, probed, err := r.transcodeSibling(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil {
		log.Warnf("failed to remove original after transcode: %v", err)
	}
	return &Result{
		Path:            output,
		Ext:             r.target.Ext,
		Codec:           probed.Codec(),
		Resolution:      probed.Resolution(),
		DurationSeconds: probed.DurationSeconds,
		Transcoded:      true,
	}, nil
}

// transcodeSibling transcodes input to a new temporary file in the same directory and verifies the result.
func (r *Repairer) transcodeSibling(ctx context.Context, input string) (string, *ProbeResult, error) {
	out, err := os.CreateTemp(filepath.Dir(input), ".repair-*."+r.target.Ext)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrRepairFailed, err)
	}
	output := out.Name()
	_ = out.Close()
	probed, err := r.transcodeAndVerify(ctx, input, output)
	if err != nil {
		if rmErr := os.Remove(output); rmErr != nil && !os.IsNotExist(rmErr) {
			r.log.Warnf("failed to remove partial output %v: %v", output, rmErr)
		}
		return "", nil, err
	}
	return output, probed, nil
}

func (r *Repairer) transcodeAndVerify(ctx context.Context, input string, output string) (*ProbeResult, error) {
	if err := r.transcoder.Transcode(ctx, input, output, r.target); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrRepairFailed, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	probed, err := r.prober.Probe(ctx, output)
	if err != nil {
		return nil, fmt.Errorf("%w: output probe: %v", ErrRepairFailed, err)
	}
	if !r.IsCompatible(probed.Codec()) {
		return nil, fmt.Errorf("%w: output has codec %q", ErrRepairFailed, probed.Codec())
	}
	return probed, nil
}
