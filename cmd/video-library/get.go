package main

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/r3labs/diff/v3"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/alanbriolat/video-library/generic"
	"github.com/alanbriolat/video-library/internal/config"
	"github.com/alanbriolat/video-library/internal/pubsub"
	"github.com/alanbriolat/video-library/internal/queue"
)

func getCommand(ctx context.Context, cfg **config.Config) *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "archive videos without running the server",
		ArgsUsage: "URL...",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "parallel",
				Value: 1,
				Usage: "download up to `N` videos at once",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return cli.Exit("at least one URL is required", 2)
			}
			conf := *cfg
			conf.Queue.MaxConcurrent = c.Int("parallel")
			return get(ctx, conf, c.Args().Slice())
		},
	}
}

func get(ctx context.Context, cfg *config.Config, urls []string) error {
	logger := zap.S().Named("get")
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.openQueue(ctx, false); err != nil {
		return err
	}

	events, err := a.manager.Subscribe()
	if err != nil {
		return err
	}
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		watchProgress(events)
	}()

	var ids []queue.JobID
	for _, url := range urls {
		id, err := a.manager.Submit(ctx, url)
		if err != nil {
			events.Close()
			return fmt.Errorf("%v: %w", url, err)
		}
		ids = append(ids, id)
	}

	var result *multierror.Error
	for _, id := range ids {
		view, err := a.manager.Wait(ctx, id)
		if err != nil {
			result = multierror.Append(result, err)
			break
		}
		switch {
		case view.Status == queue.StatusComplete && view.Duplicate:
			logger.Infof("%v: already archived as record %v", view.SourceURL, view.RecordID)
		case view.Status == queue.StatusComplete:
			logger.Infof("%v: archived as record %v", view.SourceURL, view.RecordID)
		default:
			result = multierror.Append(result, fmt.Errorf("%v: %v %v", view.SourceURL, view.Status, view.Error))
		}
	}
	events.Close()
	<-watcherDone
	return result.ErrorOrNil()
}

// watchProgress shows a progress bar for each downloading job, and logs job state changes at debug level.
func watchProgress(events pubsub.ReceiverCloser[queue.Event]) {
	logger := zap.S().Named("get")
	bars := make(map[queue.JobID]*progressbar.ProgressBar)
	finish := func(id queue.JobID) {
		if bar, ok := bars[id]; ok {
			generic.Unwrap_(bar.Finish())
			fmt.Println()
			delete(bars, id)
		}
	}
	defer func() {
		for id := range bars {
			finish(id)
		}
	}()

	for event := range events.Receive() {
		e, ok := event.(queue.JobUpdated)
		if !ok {
			continue
		}
		if e.StatusChanged() {
			changes, err := diff.Diff(e.Old, e.New)
			if err != nil {
				logger.Errorf("failed to diff old and new job state: %v", err)
			} else {
				for _, change := range changes {
					logger.Debugf("%v: %v: %#v -> %#v", e.New.ID, change.Path, change.From, change.To)
				}
			}
		}

		switch {
		case e.New.Status == queue.StatusDownloading:
			bar, ok := bars[e.New.ID]
			if !ok {
				total := e.New.TotalBytes
				if total <= 0 {
					total = -1
				}
				bar = progressbar.DefaultBytes(total, e.New.Title)
				bars[e.New.ID] = bar
			}
			if e.New.TotalBytes > 0 && bar.GetMax64() != e.New.TotalBytes {
				bar.ChangeMax64(e.New.TotalBytes)
			}
			generic.Unwrap_(bar.Set64(e.New.DownloadedBytes))
		case e.StatusChanged():
			finish(e.New.ID)
		}
	}
}
