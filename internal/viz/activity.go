package viz

import (
	"fmt"
	"strings"
)

// RecentTraces renders a compact table of recent traces.
func RecentTraces(traces []TraceRow) string {
	if len(traces) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Recent Traces (%d)\n", len(traces))

	for _, t := range traces {
		status := "✓"
		switch {
		case t.Err != "":
			status = "?"
		case t.Failed:
			status = "✗"
		}

		label := t.Service + "." + t.Endpoint
		if t.Err != "" {
			label = t.Err
		}
		label = truncate(label, 40)

		fmt.Fprintf(&b, "  %s %-12s %-8s  %s  %8s  %d req\n",
			status, shortID(t.ID, 12), t.Source, pad(label, 40), t.Latency, t.Requests)
	}

	return b.String()
}

// RecentErrors renders a compact table of recent errors.
func RecentErrors(errors []ActivityError) string {
	if len(errors) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Recent Errors (%d)\n", len(errors))

	for _, e := range errors {
		label := truncate(e.Service+"/"+e.SpanName, 30)
		msg := truncate(e.ErrorMsg, 40)
		fmt.Fprintf(&b, "  ✗ %s  %s  %s\n", shortID(e.TraceID, 8), pad(label, 30), msg)
	}

	return b.String()
}
