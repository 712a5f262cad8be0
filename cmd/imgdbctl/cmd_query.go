package main

import (
	"fmt"

	"github.com/pixsim/imgdb"
	"github.com/urfave/cli/v2"
)

func newCmd_Query() *cli.Command {
	return &cli.Command{
		Name:        "query",
		Usage:       "Find the images most visually similar to a precomputed query signature",
		Description: "Reads a sigFile JSON document and prints the top matches, best first.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "db", Required: true, Usage: "database file path"},
			&cli.StringFlag{Name: "sig", Required: true, Usage: "path to the query sigFile JSON document"},
			&cli.IntFlag{Name: "num", Value: 10, Usage: "number of results to return"},
			&cli.BoolFlag{Name: "sketch", Usage: "score as line-art instead of photographic"},
			&cli.BoolFlag{Name: "grayscale", Usage: "force the grayscale gate on for this query"},
			&cli.BoolFlag{Name: "fast", Usage: "skip bucket weighting, score by luminance alone"},
		},
		Action: func(c *cli.Context) error {
			db, err := imgdb.Load(c.String("db"), imgdb.ModeNormal)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			qsig, err := loadSigFile(c.String("sig"))
			if err != nil {
				return fmt.Errorf("read query signature: %w", err)
			}

			var flags imgdb.QueryFlags
			if c.Bool("sketch") {
				flags |= imgdb.FlagSketch
			}
			if c.Bool("grayscale") {
				flags |= imgdb.FlagGrayscale
			}
			if c.Bool("fast") {
				flags |= imgdb.FlagFast
			}

			results, err := db.Query(imgdb.QueryArg{
				Sig:    qsig.Sig,
				AvgLF:  qsig.AvgLF,
				NumRes: c.Int("num"),
				Flags:  flags,
			})
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}

			for _, r := range results {
				fmt.Printf("%d\t%.4f\t%dx%d\n", r.ID, r.Score, r.Width, r.Height)
			}
			return nil
		},
	}
}
