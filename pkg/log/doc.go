/*
Package log provides structured logging for stowdb using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("writer")                  │          │
	│  │  - WithTxID("f3a9...-uuid")                 │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "debug",                        │          │
	│  │    "component": "writer",                   │          │
	│  │    "time": "2026-08-01T10:30:00Z",          │          │
	│  │    "message": "batching cycle committed"    │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  10:30AM DBG batching cycle committed component=writer │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from every stowdb package

Component loggers:
  - WithComponent(name) tags log lines with the originating subsystem
    ("stowdb", "writer")
  - WithTxID(id) tags log lines with the TX correlation id assigned on
    TX creation or dup; each TX holds such a logger

# Usage by component

The writer logs each batching cycle at Debug (batch size, accepted/
rejected counts), GC cycles at Info (candidates considered, resources
collected), and backend failures (Full, Corrupt) at Fatal — a Fatal log
line is always immediately followed by process exit, since the
database's invariants cannot be trusted past an unhandled write
failure.

# Performance

zerolog's zero-allocation design means a WithComponent/WithTxID child
logger is cheap enough to build once per TX or once per batching cycle
without measurable overhead, even at Debug level disabled in production.
*/
package log
