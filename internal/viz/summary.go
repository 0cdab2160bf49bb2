package viz

import (
	"fmt"
	"strings"
)

// StatsOverview renders buffer fill-level bars.
func StatsOverview(stats BufferStats) string {
	var b strings.Builder

	b.WriteString("Buffer Health\n")
	writeBar(&b, "Spans", stats.SpanCount, stats.SpanCapacity)
	writeBar(&b, "Traces", stats.SnapshotCount, stats.SnapshotCapacity)
	fmt.Fprintf(&b, "  Span traces: %s\n", formatCount(stats.TraceCount))
	if stats.Archive {
		b.WriteString("  Archive:     redis\n")
	} else {
		b.WriteString("  Archive:     off\n")
	}

	return b.String()
}

func writeBar(b *strings.Builder, label string, count, capacity int) {
	barWidth := 20
	filled := 0
	if capacity > 0 {
		filled = count * barWidth / capacity
	}
	filled = min(filled, barWidth)

	bar := strings.Repeat("#", filled) + strings.Repeat(".", barWidth-filled)
	fmt.Fprintf(b, "  %-8s [%s]  %s / %s\n", label, bar, formatCount(count), formatCount(capacity))
}

// ServiceSummary renders a horizontal bar chart of requests per service.
// Width controls total line width; 0 uses default (80).
func ServiceSummary(services []ServiceStats, width int) string {
	if len(services) == 0 {
		return ""
	}
	if width <= 0 {
		width = defaultWidth
	}

	total, maxCount, maxNameLen := 0, 0, 0
	for _, s := range services {
		total += s.Requests
		maxCount = max(maxCount, s.Requests)
		maxNameLen = max(maxNameLen, len(s.Name))
	}
	maxNameLen = min(maxNameLen, 20)

	// Layout: "  " + name + "  " + bar + "  " + count text
	barBudget := min(20, max(width-maxNameLen-30, 5))

	var b strings.Builder
	fmt.Fprintf(&b, "Services (%d active, %d requests)\n", len(services), total)

	for _, s := range services {
		name := truncate(s.Name, maxNameLen)

		barLen := 0
		if maxCount > 0 {
			barLen = s.Requests * barBudget / maxCount
		}
		if barLen < 1 && s.Requests > 0 {
			barLen = 1
		}

		errStr := ""
		if s.ErrorCount > 0 {
			errStr = fmt.Sprintf(" (%d errors)", s.ErrorCount)
		}

		fmt.Fprintf(&b, "  %s  %s%s  %d requests%s\n",
			pad(name, maxNameLen), strings.Repeat("#", barLen), strings.Repeat(" ", barBudget-barLen), s.Requests, errStr)
	}

	return b.String()
}

func formatCount(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1_000_000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	return fmt.Sprintf("%d,%03d,%03d", n/1_000_000, (n%1_000_000)/1000, n%1000)
}
