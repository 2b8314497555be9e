// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

// Package main is the entry point for the Tabularium capture process.
//
// Tabularium captures live market data streams (trades, quotes, order
// book depth), normalizes them into a single event schema, and archives
// them to partitioned JSONL files with an optional DuckDB mirror. It
// also drains historical backfill jobs and replays stored archives.
//
// # Usage
//
//	tabularium [flags] [command]
//
// Commands:
//
//	run       capture live streams under the supervisor (default)
//	backfill  drain persisted ingestion jobs, then exit
//	replay    republish a stored event file or directory, then exit
//
// Flags select the config file, the run mode, and startup checks; see
// -help for the full list. The process exit code distinguishes config,
// provider, schema, file-access, and connection failures.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/tomtom215/tabularium/internal/core"
)

func main() {
	var opts core.Options
	flag.StringVar(&opts.ConfigPath, "config", "", "path to the YAML config file (default: CONFIG_PATH, then standard locations)")
	flag.StringVar(&opts.Mode, "mode", core.ModeHeadless, "run mode: headless, web, or desktop")
	flag.IntVar(&opts.Port, "port", 0, "override the configured ops endpoint port")
	flag.StringVar(&opts.ReplayPath, "replay-path", "", "stored event file or directory for the replay command")
	flag.BoolVar(&opts.WatchConfig, "watch-config", false, "re-apply the logging level when the config file changes")
	flag.BoolVar(&opts.ValidateSchemas, "validate-schemas", false, "spot-check stored partitions against the current schema at startup")
	flag.BoolVar(&opts.StrictSchemas, "strict-schemas", false, "refuse to start when stored partitions fail schema validation")
	flag.Parse()

	opts.Command = flag.Arg(0)

	os.Exit(core.Run(context.Background(), opts))
}
