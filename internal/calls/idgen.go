package calls

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Internal call ids look like call_{channel}_{unix-millis}{counter}.
// The prefix is the structural hint the resolver checks first; the counter
// keeps ids unique when two calls start in the same millisecond.
const internalIDPrefix = "call_"

var idCounter atomic.Uint32

// NewCallID generates an internal identifier for a call on the given channel.
func NewCallID(channel string, now time.Time) string {
	n := idCounter.Add(1) % 1000
	return fmt.Sprintf("%s%s_%d%03d", internalIDPrefix, channel, now.UnixMilli(), n)
}

// LooksInternal reports whether an opaque identifier carries the internal
// prefix. This is only a lookup-order hint: the resolver always falls back to
// the other lookup, so a provider id that happens to start with the prefix
// still resolves.
func LooksInternal(id string) bool {
	return strings.HasPrefix(id, internalIDPrefix)
}
