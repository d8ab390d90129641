package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/alanbriolat/video-library/async"
	"github.com/alanbriolat/video-library/internal/config"
)

func newLogger(level string, jsonLogs bool) (*zap.Logger, error) {
	var cfg zap.Config
	if jsonLogs {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	return cfg.Build()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg *config.Config
	app := &cli.App{
		Name:  "video-library",
		Usage: "archive videos into a local library",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
				EnvVars: []string{"VIDEO_LIBRARY_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override the configured log level",
			},
			&cli.BoolFlag{
				Name:  "json-logs",
				Usage: "log as JSON instead of human-readable text",
			},
		},
		Before: func(c *cli.Context) (err error) {
			if cfg, err = config.Load(c.String("config")); err != nil {
				return err
			}
			if c.IsSet("log-level") {
				cfg.LogLevel = c.String("log-level")
			}
			logger, err := newLogger(cfg.LogLevel, c.Bool("json-logs"))
			if err != nil {
				return fmt.Errorf("can't initialize zap logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			zap.RedirectStdLog(logger)
			return nil
		},
		After: func(c *cli.Context) error {
			_ = zap.L().Sync()
			return nil
		},
		Commands: []*cli.Command{
			serveCommand(ctx, &cfg),
			getCommand(ctx, &cfg),
			recordsCommand(ctx, &cfg),
			repairCommand(ctx, &cfg),
		},
		HideHelpCommand: true,
	}

	result := async.Run(func() error { return app.Run(os.Args) })

	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		stop()
		zap.S().Info("Exiting gracefully...")
		err = <-result
	}
	if err != nil {
		log.Fatal(err.Error())
	}
}
