package directory

import "errors"

// ErrNotRunning is returned when a Service operation is attempted before
// Start or after Stop.
var ErrNotRunning = errors.New("directory: service not running")
