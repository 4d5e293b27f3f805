// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Command multidbgc-gc runs the cross-database mark-sweep garbage
// collector over a federation of object stores.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	log "github.com/erigontech/erigon-lib/log/v3"
	"github.com/erigontech/multidbgc/gc"
	"github.com/erigontech/multidbgc/internal/config"
	"github.com/erigontech/multidbgc/internal/filestorage"
	"github.com/erigontech/multidbgc/internal/runlock"
)

func main() {
	app := &cli.App{
		Name:      "multidbgc-gc",
		Usage:     "mark-and-sweep a federation of persistent object stores",
		ArgsUsage: "config1 [config2]",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "days", Aliases: []string{"d"}, Value: 1, Usage: "cutoff = now - N days; N=0 skips the recent pass"},
			&cli.StringSliceFlag{Name: "ignore-database", Aliases: []string{"i"}, Usage: "drop references into this db name (repeatable)"},
			&cli.StringSliceFlag{Name: "file-storage", Aliases: []string{"f"}, Usage: "NAME=PATH: bypass NAME's storage iterator, read PATH directly"},
			&cli.StringFlag{Name: "untransform", Aliases: []string{"u"}, Usage: "name of a registered untransform, applied to -f record bytes"},
			&cli.StringFlag{Name: "log-level", Aliases: []string{"l"}, Value: "info"},
			&cli.StringFlag{Name: "lock-timeout", Value: "30s", Usage: "how long to wait for the datadir lock"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "multidbgc-gc:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	lvl, err := log.LvlFromString(c.String("log-level"))
	if err != nil {
		return err
	}
	logger := log.New(os.Stderr, lvl)
	log.SetRoot(logger)

	if c.NArg() < 1 {
		return cli.Exit("expected config1 [config2]", 1)
	}
	primaryPath := c.Args().Get(0)
	secondaryPath := c.Args().Get(1)

	primaryDoc, err := loadDocument(primaryPath)
	if err != nil {
		return err
	}
	primaryFed, err := config.Load(primaryPath)
	if err != nil {
		return err
	}
	defer closeFederation(primaryFed)

	// analysisFed is what the Marker scans: by default the same opened
	// storages as primaryFed, optionally replaced wholesale by a secondary
	// federation (for marking against a separate, e.g. snapshotted, copy)
	// and/or overlaid per-db with a -f file-storage bypass. Either way,
	// primaryFed itself is left untouched so the Sweeper always deletes
	// against the real stores, never a read-only bypass or secondary copy.
	analysisDoc := primaryDoc
	analysisFed := make(gc.Federation, len(primaryFed))
	for name, st := range primaryFed {
		analysisFed[name] = st
	}

	var secondaryFed gc.Federation
	if secondaryPath != "" {
		secondaryDoc, err := loadDocument(secondaryPath)
		if err != nil {
			return err
		}
		if err := config.CheckMatchingFederations(primaryDoc, secondaryDoc); err != nil {
			return err
		}
		logger.Info("using secondary configuration for analysis", "path", secondaryPath)
		secondaryFed, err = config.Load(secondaryPath)
		if err != nil {
			return err
		}
		analysisDoc = secondaryDoc
		analysisFed = secondaryFed
	}

	if err := applyFileStorageBypass(analysisDoc, analysisFed, c); err != nil {
		closeFederation(secondaryFed)
		return err
	}

	lockTimeout, err := time.ParseDuration(c.String("lock-timeout"))
	if err != nil {
		closeFederation(secondaryFed)
		return err
	}
	lock, err := runlock.Acquire(c.Context, filepath.Dir(primaryPath), lockTimeout)
	if err != nil {
		closeFederation(secondaryFed)
		return err
	}
	defer lock.Unlock()

	ignore := make(map[string]struct{})
	for _, name := range c.StringSlice("ignore-database") {
		ignore[name] = struct{}{}
	}

	days := c.Int("days")
	cutoff := gc.TIDFromUint64(uint64(time.Now().Add(-time.Duration(days) * 24 * time.Hour).Unix()))

	scratchDir, err := os.MkdirTemp("", "multidbgc-gc-*")
	if err != nil {
		closeFederation(secondaryFed)
		return err
	}
	defer os.RemoveAll(scratchDir)

	marker, err := gc.NewMarker(gc.MarkConfig{
		Federation: analysisFed,
		Cutoff:     cutoff,
		SkipRecent: days == 0,
		Ignore:     ignore,
		ScratchDir: scratchDir,
		Logger:     logger,
	})
	if err != nil {
		closeFederation(secondaryFed)
		return err
	}

	ctx := c.Context
	if err := marker.Run(ctx); err != nil {
		marker.Close()
		closeFederation(secondaryFed)
		return err
	}
	bad, err := marker.TakeBad()
	if err != nil {
		closeFederation(secondaryFed)
		return err
	}
	defer bad.Close()

	// The analysis pass is done; a secondary federation (or any -f bypass
	// storages layered onto it) is never used for deletion, so it's closed
	// before the Sweeper opens write transactions on the primary.
	closeFederation(secondaryFed)

	sweeper := gc.NewSweeper(gc.SweepConfig{Federation: primaryFed, Logger: logger})
	return sweeper.Sweep(ctx, bad)
}

// loadDocument reads and parses the federation TOML file at path.
func loadDocument(path string) (config.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return config.Document{}, err
	}
	return config.Parse(data)
}

// closer is implemented by mdbxstorage.Storage; filestorage.Storage (the
// -f bypass backend) has nothing to release and is simply skipped.
type closer interface{ Close() }

// closeFederation closes every closeable storage in fed. fed may be nil.
func closeFederation(fed gc.Federation) {
	for _, st := range fed {
		if c, ok := st.(closer); ok {
			c.Close()
		}
	}
}

// applyFileStorageBypass overlays -f NAME=PATH bypass backends onto fed,
// looking up each name's xrefs policy in doc. Used for the analysis
// federation only — never the one the Sweeper deletes against.
func applyFileStorageBypass(doc config.Document, fed gc.Federation, c *cli.Context) error {
	bypass := make(map[string]string)
	for _, kv := range c.StringSlice("file-storage") {
		name, filePath, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid -f value %q, want NAME=PATH", kv)
		}
		bypass[name] = filePath
	}

	var untransform filestorage.Untransform
	if name := c.String("untransform"); name != "" {
		if len(bypass) == 0 {
			return fmt.Errorf("-u requires -f")
		}
		var err error
		untransform, err = filestorage.LookupUntransform(name)
		if err != nil {
			return err
		}
	}

	for name, filePath := range bypass {
		entry, ok := doc.Databases[name]
		if !ok {
			return fmt.Errorf("-f: unknown database %q", name)
		}
		st, err := filestorage.Open(name, filePath, entry.XRefs, untransform)
		if err != nil {
			return err
		}
		fed[name] = st
	}
	return nil
}
