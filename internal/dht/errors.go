package dht

import "errors"

// ErrNotRunning is the dht package's not-running sentinel. The local DHT
// has no start/stop lifecycle, so none of its methods return it; the
// directory.Service wrapper reports directory.ErrNotRunning instead.
var ErrNotRunning = errors.New("dht: not running")
