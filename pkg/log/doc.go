/*
Package log provides structured logging for the storage engine using
zerolog.

# Usage

Initializing the logger:

	import "github.com/notecove/storage/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	syncLog := log.WithComponent("sync")
	syncLog.Info().Msg("log sync started")

	docLog := log.WithDocumentID(noteID)
	docLog.Debug().Msg("loaded from cache")

# Design Patterns

Global Logger Pattern:
  - A single package-level Logger instance, initialized once via Init
  - Accessible from every package without being threaded through calls

Context Logger Pattern:
  - WithComponent/WithDeviceID/WithStorageDirID/WithDocumentID are package
    functions that each return a zerolog.Logger with one field attached;
    they do not chain, so further fields go through zerolog's own With()

# Log Levels

Debug is for development and troubleshooting; Info is the default
production level; Warn/Error mark operations that failed or might need
attention; Fatal logs and exits, reserved for startup failures the
process cannot recover from.
*/
package log
