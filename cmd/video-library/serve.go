package main

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/alanbriolat/video-library/internal/api"
	"github.com/alanbriolat/video-library/internal/config"
)

func serveCommand(ctx context.Context, cfg **config.Config) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the download queue and JSON API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "listen on `ADDR` instead of the configured address",
			},
		},
		Action: func(c *cli.Context) error {
			conf := *cfg
			if c.IsSet("listen") {
				conf.Api.HostAddr = c.String("listen")
			}
			return serve(ctx, conf)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := zap.S().Named("serve")
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.openQueue(ctx, true); err != nil {
		return err
	}

	if cfg.Repair.Schedule != "" {
		scheduler, err := scheduleRepair(ctx, a, cfg.Repair.Schedule)
		if err != nil {
			return err
		}
		scheduler.Start()
		defer func() { <-scheduler.Stop().Done() }()
	}

	gateway := api.NewGateway(api.Config{HostAddr: cfg.Api.HostAddr, LibraryDir: cfg.LibraryDir}, a.manager, a.store, a.maintainer)
	err = gateway.Run(ctx)
	logger.Info("API stopped, closing queue")
	return err
}

// scheduleRepair runs a repair sweep over the whole library on the given cron schedule. A sweep that is still running
// when the next one is due causes that one to be skipped.
func scheduleRepair(ctx context.Context, a *app, schedule string) (*cron.Cron, error) {
	logger := zap.S().Named("repair")
	cronLogger := cron.PrintfLogger(zap.NewStdLog(zap.L().Named("cron")))
	scheduler := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	_, err := scheduler.AddFunc(schedule, func() {
		logger.Info("starting scheduled repair sweep")
		n, err := a.maintainer.RepairAll(ctx)
		if err != nil {
			logger.Errorf("repair sweep failed: %v", err)
		}
		logger.Infof("repair sweep changed %d records", n)
	})
	if err != nil {
		return nil, err
	}
	return scheduler, nil
}
