package main

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/alanbriolat/video-library/internal/config"
)

func repairCommand(ctx context.Context, cfg **config.Config) *cli.Command {
	return &cli.Command{
		Name:      "repair",
		Usage:     "transcode library records that aren't playable everywhere",
		ArgsUsage: "[ID...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "all", Usage: "check every record in the library"},
		},
		Action: func(c *cli.Context) error {
			if c.Bool("all") == (c.NArg() > 0) {
				return cli.Exit("specify either --all or at least one record ID", 2)
			}
			logger := zap.S().Named("repair")
			a, err := openApp(*cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if c.Bool("all") {
				n, err := a.maintainer.RepairAll(ctx)
				logger.Infof("changed %d records", n)
				return err
			}
			var result error
			for _, id := range c.Args().Slice() {
				record, changed, err := a.maintainer.RepairRecord(ctx, id)
				if err != nil {
					result = multierror.Append(result, fmt.Errorf("%v: %w", id, err))
					continue
				}
				if changed {
					logger.Infof("%v: repaired, now %v %v", id, record.Codec, record.FilePath)
				} else {
					logger.Infof("%v: nothing to do", id)
				}
			}
			return result
		},
	}
}
