package broker

import "errors"

// errConnectionClosed is returned from the receive loop when a delivery
// channel closes without a NotifyClose error — this still means the
// connection is gone and the caller should reconnect.
var errConnectionClosed = errors.New("broker: connection closed")
