// Package mono provides a monotonic nanosecond clock for the rate-bucket
// scoring math of §4.3 and for self-throttling. time.Now() on its own is
// monotonic-backed on modern Go, but NanoTime gives callers a plain int64
// they can subtract without re-deriving a time.Time each call, matching
// fs/mountfs.go's `mono.NanoTime()` use in the teacher.
package mono

import "time"

var start = time.Now()

// NanoTime returns nanoseconds elapsed since the package was initialized.
// Only ever compare two NanoTime() values to each other.
func NanoTime() int64 { return time.Since(start).Nanoseconds() }
