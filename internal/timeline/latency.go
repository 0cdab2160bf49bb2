package timeline

import (
	"fmt"
	"time"

	"github.com/tobert/tracelanes/internal/trace"
)

// Latency formats a duration for display.
func Latency(d time.Duration) string {
	if d <= 0 {
		return "0ns"
	}
	if d < time.Microsecond {
		return fmt.Sprintf("%dns", d.Nanoseconds())
	}
	us := float64(d) / float64(time.Microsecond)
	if us < 1000 {
		return fmt.Sprintf("%.0fµs", us)
	}
	ms := us / 1000
	if ms < 1000 {
		return fmt.Sprintf("%.0fms", ms)
	}
	return fmt.Sprintf("%.1fs", ms/1000)
}

// SpanLatency formats the length of a start/end pair, or "Unknown" when the
// end was never recorded.
func SpanLatency(unit trace.TimeUnit, start int64, end *int64) string {
	if end == nil {
		return "Unknown"
	}
	return Latency(time.Duration(*end-start) * unit.Duration())
}
