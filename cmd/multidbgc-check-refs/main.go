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

// Command multidbgc-check-refs performs a live forward reachability walk
// over a federation, reporting load failures and cross-database reference
// policy violations.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	log "github.com/erigontech/erigon-lib/log/v3"
	"github.com/erigontech/multidbgc/gc"
	"github.com/erigontech/multidbgc/internal/config"
	"github.com/erigontech/multidbgc/internal/mdbxstorage"
)

func main() {
	var refsPath string
	var logLevel string

	root := &cobra.Command{
		Use:   "multidbgc-check-refs config",
		Short: "walk a federation's live reachability graph and report policy violations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := log.LvlFromString(logLevel)
			if err != nil {
				return err
			}
			logger := log.New(os.Stderr, lvl)

			fed, err := config.Load(args[0])
			if err != nil {
				return err
			}

			var sink gc.BackRefSink
			if refsPath != "" {
				st, err := mdbxstorage.Open("__backrefs__", refsPath, false)
				if err != nil {
					return err
				}
				defer st.Close()
				backRefs, err := mdbxstorage.NewBackRefSink(st)
				if err != nil {
					return err
				}
				sink = backRefs
			}

			checker := gc.NewChecker(gc.CheckConfig{
				Federation: fed,
				RefSink:    sink,
				Report:     cmd.OutOrStdout(),
				Logger:     logger,
			})
			return checker.Run(cmd.Context())
		},
	}
	root.Flags().StringVarP(&refsPath, "references-filestorage", "r", "", "persist the back-reference index to this MDBX datadir")
	root.Flags().StringVarP(&logLevel, "log-level", "l", "info", "numeric or named log level")

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "multidbgc-check-refs:", err)
		os.Exit(1)
	}
}
