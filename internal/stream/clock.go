package stream

import "time"

// timeFromTick interprets a caller-supplied monotonic tick (nanoseconds
// since an arbitrary epoch) as a time.Time purely so blocked-time tracking
// can reuse time.Duration arithmetic; callers consistently pass the same
// tick source throughout a connection's lifetime.
func timeFromTick(tick uint64) time.Time {
	return time.Unix(0, int64(tick))
}
