package gossip

import "errors"

// ErrNotRunning is returned when an operation is attempted against a
// Protocol that has not been started (or has since been stopped).
var ErrNotRunning = errors.New("gossip: protocol not running")
