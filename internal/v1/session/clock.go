package session

import "time"

// processStart anchors Now() to a monotonic ms-since-start clock rather
// than wall time, so broadcast timestamps stay ordered even across a
// system clock adjustment.
var processStart = time.Now()

// Now returns monotonic milliseconds since process start.
func Now() int64 {
	return time.Since(processStart).Milliseconds()
}
