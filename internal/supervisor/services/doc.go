// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

/*
Package services provides suture.Service wrappers for Tabularium components.

Each wrapper adapts a component's native lifecycle to suture's
context-aware Serve pattern:

  - PipelineService: starts the capture pipeline consumer and holds it
    until shutdown
  - FlusherService: periodically flushes the pipeline so WAL truncation
    keeps up with sink commits
  - CompactorService: periodically compacts the dedup ledger
  - StatusService: runs the status file writer
  - BackfillService: drains pending backfill jobs, then retires
  - HTTPServerService: runs the operational HTTP endpoint

Wrappers depend on small locally-defined interfaces rather than concrete
types wherever practical, so they can be tested with mocks and reused if
the underlying implementation changes.

The failover controller is not wrapped: it implements suture.Service
directly and is added to the feed layer as-is.
*/
package services
