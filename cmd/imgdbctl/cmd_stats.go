package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pixsim/imgdb"
	"github.com/urfave/cli/v2"
)

func newCmd_Stats() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Print bookkeeping counters for a normal-mode database file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "db", Required: true, Usage: "database file path"},
		},
		Action: func(c *cli.Context) error {
			db, err := imgdb.Load(c.String("db"), imgdb.ModeNormal)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			st := db.Stats()
			fmt.Printf("mode:          %v\n", st.Mode)
			fmt.Printf("live images:   %s\n", humanize.Comma(int64(st.Live)))
			fmt.Printf("tombstoned:    %s\n", humanize.Comma(int64(st.Tombstoned)))
			fmt.Printf("pending holes: %s\n", humanize.Comma(int64(st.Pending)))
			fmt.Printf("buckets used:  %s / %s\n",
				humanize.Comma(int64(st.BucketsUsed)), humanize.Comma(int64(imgdb.NumBuckets)))
			return nil
		},
	}
}
