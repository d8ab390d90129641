package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/alanbriolat/video-library"
	"github.com/alanbriolat/video-library/download"
	"github.com/alanbriolat/video-library/internal/boltdb"
	"github.com/alanbriolat/video-library/internal/commit"
	"github.com/alanbriolat/video-library/internal/config"
	"github.com/alanbriolat/video-library/internal/ingest"
	"github.com/alanbriolat/video-library/internal/library"
	"github.com/alanbriolat/video-library/internal/queue"
	"github.com/alanbriolat/video-library/internal/repair"
	_ "github.com/alanbriolat/video-library/providers"
)

// app holds the components shared by the commands.
type app struct {
	config     *config.Config
	store      *library.Store
	repairer   *repair.Repairer
	maintainer *repair.Maintainer

	// Only set by openQueue
	history boltdb.Database
	manager *queue.Manager
}

func targetExt(format string) string {
	switch format {
	case "matroska":
		return "mkv"
	default:
		return format
	}
}

func openApp(cfg *config.Config) (*app, error) {
	for _, dir := range []string{cfg.LibraryDir, cfg.TempDir, filepath.Dir(cfg.DatabasePath), filepath.Dir(cfg.HistoryPath)} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, err
		}
	}
	store, err := library.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open library: %w", err)
	}
	ffmpeg := repair.NewFFmpeg(repair.FFmpegConfig{
		FfmpegBinPath:  cfg.Repair.FFmpegPath,
		FfprobeBinPath: cfg.Repair.FFprobePath,
	})
	repairer := repair.NewRepairer(ffmpeg, ffmpeg, repair.Config{
		CompatibleCodecs: cfg.Repair.CompatibleCodecs,
		Target: repair.Target{
			VideoCodec: cfg.Repair.TargetVideoCodec,
			AudioCodec: cfg.Repair.TargetAudioCodec,
			Format:     cfg.Repair.TargetFormat,
			Ext:        targetExt(cfg.Repair.TargetFormat),
		},
	})
	return &app{
		config:     cfg,
		store:      store,
		repairer:   repairer,
		maintainer: repair.NewMaintainer(store, repairer, cfg.LibraryDir),
	}, nil
}

// openQueue starts the job queue. With persistent set, job history is loaded from and saved to the history database.
func (a *app) openQueue(ctx context.Context, persistent bool) error {
	layout, err := video_library.NewLibraryLayout(a.config.Layout)
	if err != nil {
		return err
	}
	if n, err := download.SweepStale(a.config.TempDir); err != nil {
		zap.S().Warnf("failed to sweep stale downloads: %v", err)
	} else if n > 0 {
		zap.S().Infof("removed %d stale downloads", n)
	}

	preference := video_library.DefaultFormatPreference()
	preference.MaxHeight = a.config.Format.MaxHeight
	worker := ingest.NewWorker(
		&video_library.DefaultProviderRegistry,
		a.repairer,
		commit.New(a.store, layout, a.config.LibraryDir),
		ingest.Config{
			TempDir:          a.config.TempDir,
			FormatPreference: preference,
			ProgressInterval: a.config.Queue.ProgressInterval,
		},
	)

	queueConfig := queue.Config{
		MaxConcurrent:       a.config.Queue.MaxConcurrent,
		FinishedGracePeriod: a.config.Queue.FinishedGracePeriod,
		PruneInterval:       a.config.Queue.PruneInterval,
	}
	if persistent {
		if a.history, err = boltdb.New(a.config.HistoryPath); err != nil {
			return fmt.Errorf("failed to open job history: %w", err)
		}
		queueConfig.History = a.history
	}
	if a.manager, err = queue.New(ctx, queueConfig, worker); err != nil {
		return err
	}
	return nil
}

func (a *app) Close() error {
	var result *multierror.Error
	if a.manager != nil {
		a.manager.Close()
	}
	if a.history != nil {
		result = multierror.Append(result, a.history.Close())
	}
	result = multierror.Append(result, a.store.Close())
	return result.ErrorOrNil()
}
