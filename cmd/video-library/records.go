package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/alanbriolat/video-library/internal/config"
	"github.com/alanbriolat/video-library/internal/library"
)

func recordsCommand(ctx context.Context, cfg **config.Config) *cli.Command {
	return &cli.Command{
		Name:      "records",
		Usage:     "search the library",
		ArgsUsage: "[TEXT]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "platform", Usage: "only show records from `PLATFORM`"},
			&cli.StringFlag{Name: "uploader", Usage: "only show records by `UPLOADER`"},
			&cli.IntFlag{Name: "limit", Value: library.DefaultListLimit, Usage: "show at most `N` records"},
			&cli.IntFlag{Name: "offset", Usage: "skip the first `N` records"},
		},
		Action: func(c *cli.Context) error {
			a, err := openApp(*cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			records, err := a.store.List(ctx, library.Query{
				Text:     c.Args().First(),
				Platform: c.String("platform"),
				Uploader: c.String("uploader"),
				Limit:    c.Int("limit"),
				Offset:   c.Int("offset"),
			})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPLATFORM\tUPLOADER\tTITLE\tCODEC\tRESOLUTION\tPATH")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Platform, r.Uploader, r.Title, r.Codec, r.Resolution, r.FilePath)
			}
			return w.Flush()
		},
	}
}
