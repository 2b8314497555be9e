// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

/*
Package supervisor provides process supervision for Tabularium using suture v4.

This package implements a hierarchical supervisor tree that manages the lifecycle
of all long-running services in the application. It provides Erlang/OTP-style
supervision with automatic restart, failure isolation, and graceful shutdown.

# Overview

The supervisor tree organizes services into four layers for failure isolation:

	RootSupervisor ("tabularium")
	├── DataSupervisor ("data-layer")
	│   ├── PipelineService
	│   ├── FlusherService
	│   ├── CompactorService
	│   └── StatusService
	├── FeedSupervisor ("feed-layer")
	│   └── failover.Controller
	├── JobsSupervisor ("jobs-layer")
	│   └── BackfillService
	└── OpsSupervisor ("ops-layer")
	    └── HTTPServerService

This hierarchy ensures that:
  - A crashing feed session cannot take down the durability layer
  - A wedged backfill job never touches live capture
  - The ops endpoint can restart without dropping a single event

# Key Features

Automatic Restart:
  - Crashed services are automatically restarted
  - Exponential backoff prevents restart storms
  - Configurable failure thresholds and decay rates

Failure Isolation:
  - Services are organized into logical groups
  - Child supervisor failures don't propagate upward
  - Each layer has independent failure counting

Graceful Shutdown:
  - Context cancellation triggers orderly shutdown
  - Configurable shutdown timeout per service
  - UnstoppedServiceReport for debugging hangs

Structured Logging:
  - Integration with slog for structured events
  - Logs service starts, stops, failures, and restarts
  - Event hooks via sutureslog adapter

# Usage Example

Basic setup:

	import (
	    "log/slog"
	    "github.com/tomtom215/tabularium/internal/supervisor"
	    "github.com/tomtom215/tabularium/internal/supervisor/services"
	)

	func run() error {
	    logger := slog.Default()
	    config := supervisor.DefaultTreeConfig()

	    tree, err := supervisor.NewSupervisorTree(logger, config)
	    if err != nil {
	        return err
	    }

	    // Add services to appropriate layers
	    tree.AddDataService(services.NewPipelineService(pipe))
	    tree.AddDataService(services.NewFlusherService(pipe))
	    tree.AddFeedService(failoverController)
	    tree.AddOpsService(services.NewHTTPServerService(opsServer))

	    // Start the tree (blocks until context canceled)
	    return tree.Serve(ctx)
	}

Background operation:

	// Start in background
	errChan := tree.ServeBackground(ctx)

	// Do other setup...

	// Wait for shutdown
	if err := <-errChan; err != nil {
	    log.Printf("Supervisor error: %v", err)
	}

# Configuration

The TreeConfig controls restart behavior:

	config := supervisor.TreeConfig{
	    FailureThreshold: 5.0,          // Failures before backoff
	    FailureDecay:     30.0,         // Seconds for failures to decay
	    FailureBackoff:   15 * time.Second, // Backoff duration
	    ShutdownTimeout:  10 * time.Second, // Per-service shutdown timeout
	}

Default values match suture's production-ready defaults:
  - FailureThreshold: 5 failures
  - FailureDecay: 30 seconds
  - FailureBackoff: 15 seconds
  - ShutdownTimeout: 10 seconds

# Failure Handling

The supervisor uses a failure counter with exponential decay:

1. Each service failure increments the counter
2. Counter decays exponentially over time (FailureDecay seconds)
3. When counter exceeds FailureThreshold, supervisor enters backoff
4. During backoff, restarts are delayed by FailureBackoff duration
5. If failures continue, the child supervisor may be restarted by parent

Example failure scenarios:

	# Single crash - immediate restart
	Service crashes -> Counter: 1 -> Restart immediately

	# Rapid crashes - backoff triggered
	Service crashes 5x in 10s -> Counter: 5+ -> Wait 15s before restart

	# Isolated failures - counter decays
	Service crashes once, stable for 60s -> Counter: ~0.13 -> Normal restart

# Service Interface

All services must implement suture.Service:

	type Service interface {
	    Serve(ctx context.Context) error
	}

Return behavior:
  - Return nil: Service stopped cleanly, will not be restarted
  - Return error: Service crashed, will be restarted
  - Return suture.ErrDoNotRestart: Service is done, do not restart
  - Context canceled: Shutdown requested, return promptly

The failover controller implements suture.Service directly and is added
to the feed layer without a wrapper.

# What Is NOT Supervised

The WAL, dedup ledger, and sinks are intentionally not supervised:
  - They are embedded libraries, not long-running services
  - Their lifecycles are owned by the pipeline that writes through them
  - A corrupt WAL would require operator intervention anyway

The streaming provider connections are supervised via the failover
controller:
  - Reconnection is handled within each streaming client
  - Health scoring decides when to switch providers, not the supervisor

# Debugging Shutdown Issues

If services don't stop within the timeout:

	// Get report of unstopped services
	report, err := tree.UnstoppedServiceReport()
	for _, svc := range report {
	    log.Printf("Service didn't stop: %v", svc)
	}

Common causes:
  - Goroutines not respecting context cancellation
  - Blocked network I/O without deadlines
  - Mutex deadlocks during shutdown

# Thread Safety

The SupervisorTree is safe for concurrent use:
  - Services can be added from any goroutine
  - Remove operations are synchronized
  - Multiple services can crash simultaneously

# See Also

  - internal/supervisor/services: Service wrappers
  - github.com/thejerf/suture/v4: Underlying library
*/
package supervisor
