package utils

import (
	"sync/atomic"
	"time"
)

// last holds the most recently issued timestamp so ids minted in the same
// nanosecond still come out distinct and strictly increasing.
var last int64

// NewTS returns a unique creation timestamp in nanoseconds.
func NewTS() int64 {
	for {
		now := time.Now().UTC().UnixNano()
		prev := atomic.LoadInt64(&last)
		if now <= prev {
			now = prev + 1
		}
		if atomic.CompareAndSwapInt64(&last, prev, now) {
			return now
		}
	}
}
