package relay

import "errors"

// ErrConnectionClosed: the target connection is no longer registered.
var ErrConnectionClosed = errors.New("relay: connection closed")
