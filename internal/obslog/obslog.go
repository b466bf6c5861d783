// Package obslog centralizes the bot's log-line formatting so call
// sites don't sprinkle raw log.Printf calls, the way metrics.go
// centralizes Prometheus registration behind named helpers instead of
// inline calls at each callsite.
package obslog

import (
	"log"
	"os"
)

var std = log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds)

// Tag prefixes mirror the bracketed tags the teacher's code already
// prints (e.g. "[TARGET]", "[WATCHDOG]") so log scraping tools built
// against the source system keep working unchanged.
func Infof(tag, format string, args ...any) {
	std.Printf("["+tag+"] "+format, args...)
}

func Warnf(tag, format string, args ...any) {
	std.Printf("["+tag+"-WARN] "+format, args...)
}

func Errorf(tag, format string, args ...any) {
	std.Printf("["+tag+"-ERR] "+format, args...)
}

func Criticalf(tag, format string, args ...any) {
	std.Printf("["+tag+"-CRITICAL] "+format, args...)
}
