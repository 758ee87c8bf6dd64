// Package storageerr defines the sentinel error taxonomy shared by every
// storage-directory package, so callers can use errors.Is/errors.As
// instead of matching on strings.
package storageerr

import "errors"

var (
	// ErrIOError wraps a failed filesystem operation. For writes to a
	// device's own files it is fatal; for reads of peer files it is
	// recoverable (log and continue).
	ErrIOError = errors.New("storageerr: io error")

	// ErrTorn indicates the last record in a log file is incomplete or
	// fails its checksum at the tail. Not a failure: the reader stops at
	// that point and reports success up to the last complete record.
	ErrTorn = errors.New("storageerr: torn tail")

	// ErrCorrupt indicates a frame whose header is present but
	// self-inconsistent (declared record length disagreeing with declared
	// payload length). A bad magic is reported as ErrBadMagic and a
	// checksum failure as ErrTorn. Must be surfaced; the vector clock
	// must not advance past it.
	ErrCorrupt = errors.New("storageerr: corrupt frame")

	// ErrIncompleteSnapshot indicates a snapshot's status byte is 0x00.
	ErrIncompleteSnapshot = errors.New("storageerr: incomplete snapshot")

	// ErrVersionTooNew indicates a file or schema version newer than
	// this build understands.
	ErrVersionTooNew = errors.New("storageerr: version too new")

	// ErrSequenceRegression indicates an attempted write at or below the
	// last persisted sequence for this (device, document).
	ErrSequenceRegression = errors.New("storageerr: sequence regression")

	// ErrAlreadyProcessed indicates a deletion record already handled in
	// this process run.
	ErrAlreadyProcessed = errors.New("storageerr: already processed")

	// ErrNotFound indicates an absent cache row. Not an error condition;
	// callers fall back to a full-file load.
	ErrNotFound = errors.New("storageerr: not found")

	// ErrRolloverFailed indicates a LogWriter could not create a new
	// active file during rollover.
	ErrRolloverFailed = errors.New("storageerr: rollover failed")

	// ErrBadMagic indicates a frame's magic bytes do not match any known
	// format, and the file is not merely truncated at this point.
	ErrBadMagic = errors.New("storageerr: bad magic")
)
