/*
Package log provides structured logging for fabricd using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and a runtime trace
toggle ("tron") exposed on the D-Bus surface. All logs include timestamps and
support filtering by severity level for production debugging.

# Architecture

One global logger is initialized at process start and child loggers are
derived from it per subsystem:

	┌──────────────────── LOGGING SYSTEM ───────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐            │
	│  │            Global Logger                   │            │
	│  │  - Zerolog instance                        │            │
	│  │  - Initialized via log.Init()              │            │
	│  │  - Thread-safe for concurrent use          │            │
	│  └──────────────────┬─────────────────────────┘            │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐            │
	│  │         Component Loggers                  │            │
	│  │  - WithComponent("dispatch")               │            │
	│  │  - WithComponent("reconciler")             │            │
	│  │  - WithController("dc", tid)               │            │
	│  │  - WithDevice("nvme3")                     │            │
	│  └──────────────────┬─────────────────────────┘            │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐            │
	│  │          Trace Toggle (tron)               │            │
	│  │  - SetTrace(true) → debug level            │            │
	│  │  - SetTrace(false) → configured level      │            │
	│  └────────────────────────────────────────────┘            │
	│                                                            │
	└────────────────────────────────────────────────────────────┘

# Usage

Initialize once in main:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Derive component loggers:

	logger := log.WithComponent("mdns")
	logger.Info().Str("stype", "_nvme-disc._tcp").Msg("Browser started")

Controller-scoped logging:

	logger := log.WithController("ioc", tid.String())
	logger.Warn().Err(err).Int("attempt", n).Msg("Connect failed")

Runtime tracing (driven by the D-Bus Tron property):

	log.SetTrace(true)   // flip everything to debug
	log.SetTrace(false)  // restore configured level

# Output Formats

JSON output (production, journald-friendly):

	{"level":"info","component":"reconciler","time":"...","message":"Audit complete"}

Console output (development):

	2026-01-12T10:30:00Z INF Audit complete component=reconciler

# Integration Points

  - cmd/fabricd: Init from CLI flags and config
  - pkg/dbusapi: Tron property maps to SetTrace/Tracing, LogLevel maps
    to CurrentLevel
  - every other package: WithComponent child loggers
*/
package log
