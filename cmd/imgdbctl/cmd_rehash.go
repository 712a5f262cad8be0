package main

import (
	"fmt"

	"github.com/pixsim/imgdb"
	"github.com/urfave/cli/v2"
)

func newCmd_Rehash() *cli.Command {
	return &cli.Command{
		Name:        "rehash",
		Usage:       "Rebuild the bucket index after normal-mode removes",
		Description: "Normal mode marks buckets invalid after a remove; this recomputes them and re-saves.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "db", Required: true, Usage: "database file path"},
		},
		Action: func(c *cli.Context) error {
			path := c.String("db")
			db, err := imgdb.Load(path, imgdb.ModeNormal)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			if err := db.Rehash(); err != nil {
				return fmt.Errorf("rehash: %w", err)
			}
			if err := db.Save(path); err != nil {
				return fmt.Errorf("save database: %w", err)
			}
			fmt.Println("rehash complete")
			return nil
		},
	}
}
