package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pixsim/imgdb"
	"github.com/urfave/cli/v2"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"k8s.io/klog/v2"
)

func newCmd_Add() *cli.Command {
	return &cli.Command{
		Name:        "add",
		Usage:       "Add precomputed signatures to a database, creating it if needed",
		Description: "Reads one or more sigFile JSON documents (id, width, height, avglf, sig) and inserts them.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "db", Required: true, Usage: "database file path"},
			&cli.BoolFlag{Name: "alter", Usage: "open/create in alter mode instead of normal mode"},
			&cli.StringSliceFlag{Name: "sig", Required: true, Usage: "path to one or more sigFile JSON documents"},
		},
		Action: func(c *cli.Context) error {
			path := c.String("db")
			sigPaths := c.StringSlice("sig")

			var db *imgdb.DB
			var err error
			if c.Bool("alter") {
				db, err = imgdb.OpenAlter(path)
				if err != nil {
					db, err = imgdb.CreateAlter(path)
				}
			} else {
				db, err = imgdb.Load(path, imgdb.ModeNormal)
				if err != nil {
					db, err = imgdb.New(imgdb.ModeNormal)
				}
			}
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			progress := mpb.New()
			bar := progress.AddBar(int64(len(sigPaths)),
				mpb.PrependDecorators(decor.Name("add ")),
				mpb.AppendDecorators(decor.CountersNoUnit("%d / %d")),
			)

			var added int
			for _, sp := range sigPaths {
				sig, err := loadSigFile(sp)
				if err != nil {
					klog.Warningf("imgdbctl: skip %s: %v", sp, err)
					bar.Increment()
					continue
				}
				if err := db.AddImageData(sig); err != nil {
					klog.Warningf("imgdbctl: add %s: %v", sp, err)
					bar.Increment()
					continue
				}
				added++
				bar.Increment()
			}
			progress.Wait()

			if !c.Bool("alter") {
				if err := db.Save(path); err != nil {
					return fmt.Errorf("save database: %w", err)
				}
			} else {
				if err := db.Save(""); err != nil {
					return fmt.Errorf("save database: %w", err)
				}
			}

			st := db.Stats()
			fmt.Printf("added %d signatures (%s live, %s in buckets)\n",
				added, humanize.Comma(int64(st.Live)), humanize.Comma(int64(st.BucketsUsed)))
			return nil
		},
	}
}
