// Package ingest runs a single archival job: extract, download into a private workspace, repair, commit.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/alanbriolat/video-library"
	"github.com/alanbriolat/video-library/download"
	"github.com/alanbriolat/video-library/internal/commit"
	"github.com/alanbriolat/video-library/internal/library"
	"github.com/alanbriolat/video-library/internal/queue"
	"github.com/alanbriolat/video-library/internal/repair"
	"github.com/alanbriolat/video-library/util"
)

var (
	ErrExtractionFailed = errors.New("extraction failed")
	ErrDownloadFailed   = errors.New("download failed")
)

type Repairer interface {
	Repair(ctx context.Context, path string, reportedCodec string) (*repair.Result, error)
}

type Committer interface {
	Commit(ctx context.Context, a commit.Artifact) (*library.Record, error)
}

type Config struct {
	// Directory that per-job workspaces are created in.
	TempDir          string
	FormatPreference video_library.FormatPreference
	ProgressInterval time.Duration
}

// Worker implements queue.Processor.
type Worker struct {
	extractor video_library.Extractor
	repairer  Repairer
	committer Committer
	config    Config
	log       *zap.SugaredLogger
}

var _ queue.Processor = &Worker{}

func NewWorker(extractor video_library.Extractor, repairer Repairer, committer Committer, config Config) *Worker {
	if config.ProgressInterval <= 0 {
		config.ProgressInterval = 500 * time.Millisecond
	}
	if config.FormatPreference.PreferredCodecs == nil {
		config.FormatPreference = video_library.DefaultFormatPreference()
	}
	return &Worker{
		extractor: extractor,
		repairer:  repairer,
		committer: committer,
		config:    config,
		log:       zap.S().Named("ingest"),
	}
}

type outcome struct {
	recordID  string
	duplicate bool
}

func (w *Worker) Process(job *queue.Job) {
	log := w.log.With("job_id", job.ID(), "url", job.URL())
	var result outcome
	// The workspace is gone by the time the job is finished either way
	err := download.WithWorkspace(func(ws *download.Workspace) (err error) {
		result, err = w.process(job, ws)
		return err
	}, download.WithTempDir(w.config.TempDir))
	if err != nil {
		log.Infof("job ended: %v", err)
		job.Fail(err)
		return
	}
	log.Infof("job complete, record %v", result.recordID)
	job.Complete(result.recordID, result.duplicate)
}

func (w *Worker) process(job *queue.Job, ws *download.Workspace) (outcome, error) {
	ctx := job.Context()

	if err := job.Advance(queue.StatusResolving); err != nil {
		return outcome{}, err
	}
	meta, stream, err := w.resolve(ctx, job.URL())
	if err != nil {
		return outcome{}, err
	}
	job.SetInfo(meta.Title, meta.Uploader, meta.Platform)

	if err := job.Advance(queue.StatusDownloading); err != nil {
		return outcome{}, err
	}
	path, err := w.download(ctx, job, ws, stream)
	if err != nil {
		return outcome{}, err
	}

	if err := job.Advance(queue.StatusRepairing); err != nil {
		return outcome{}, err
	}
	format := stream.Format()
	repaired, err := w.repairer.Repair(ctx, path, format.Codec())
	if err != nil {
		return outcome{}, err
	}
	resolution := repaired.Resolution
	if resolution == "" {
		resolution = format.Resolution()
	}

	if err := job.BeginCommit(); err != nil {
		return outcome{}, err
	}
	// Once committing, cancellation is refused, so the commit must not be interrupted either
	record, err := w.committer.Commit(context.WithoutCancel(ctx), commit.Artifact{
		Path:            repaired.Path,
		SourceURL:       job.URL(),
		Metadata:        *meta,
		Ext:             repaired.Ext,
		Codec:           repaired.Codec,
		Resolution:      resolution,
		DurationSeconds: repaired.DurationSeconds,
	})
	var dup *library.DuplicateRecordError
	if errors.As(err, &dup) {
		recordID := ""
		if dup.Existing != nil {
			recordID = dup.Existing.ID
		}
		return outcome{recordID: recordID, duplicate: true}, nil
	} else if err != nil {
		return outcome{}, err
	}
	return outcome{recordID: record.ID}, nil
}

func (w *Worker) resolve(ctx context.Context, url string) (*video_library.Metadata, video_library.Stream, error) {
	meta, err := w.extractor.Extract(ctx, url)
	if err != nil {
		return nil, nil, extractionError(ctx, err)
	}
	if meta.Platform == "" {
		if u, err := util.ParseSourceURL(url); err == nil {
			meta.Platform = util.DetectPlatform(u)
		}
	}
	stream, err := w.extractor.ResolveStream(ctx, url, w.config.FormatPreference)
	if err != nil {
		return nil, nil, extractionError(ctx, err)
	}
	return meta, stream, nil
}

func extractionError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %v", ErrExtractionFailed, err)
}

// download saves the stream to a file in the workspace, returning its path.
func (w *Worker) download(ctx context.Context, job *queue.Job, ws *download.Workspace, stream video_library.Stream) (string, error) {
	format := stream.Format()
	ext := format.Ext
	if ext == "" {
		ext = "bin"
	}
	f, err := ws.CreateTemp("download-*." + ext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer f.Close()

	body, size, err := stream.Open(ctx)
	if err != nil {
		return "", downloadError(ctx, err)
	}
	defer body.Close()
	if size <= 0 {
		size = format.ContentLength
	}

	d := video_library.NewDownloadBuilder().
		WithContext(ctx).
		WithProgressInterval(w.config.ProgressInterval).
		WithProgressCallback(job.SetProgress).
		Build()
	d.AddExpectedBytes(size)
	if _, err := d.SaveStream(f, body); err != nil {
		return "", downloadError(ctx, err)
	}
	if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	return f.Name(), nil
}

func downloadError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
}
