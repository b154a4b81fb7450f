package discover

import "errors"

var (
	// ErrWatcherClosed is returned when using a closed watcher.
	ErrWatcherClosed = errors.New("watcher is closed")

	// ErrNoRoot is returned when discovery is requested without a root
	// directory.
	ErrNoRoot = errors.New("no root directory")
)
