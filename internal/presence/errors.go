package presence

import "errors"

// ErrNotRunning is returned when the underlying gossip protocol is not
// running (see gossip.ErrNotRunning, surfaced here for callers that
// only import presence).
var ErrNotRunning = errors.New("presence: gossip protocol not running")
