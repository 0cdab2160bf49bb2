package viz

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/tobert/tracelanes/internal/timeline"
	"github.com/tobert/tracelanes/internal/trace"
)

const (
	maxRequestsPerTrace = 50
	defaultBarWidth     = 20
)

// Waterfall renders the request tree of a trace, each request drawn as a
// bar against the whole trace's time range.
// Width controls the total line width; 0 uses a sensible default (80).
func Waterfall(tr *trace.Trace, width int) string {
	if tr == nil || tr.Root == nil {
		return ""
	}
	if width <= 0 {
		width = defaultWidth
	}

	order := buildTree(tr.Root)
	lo, hi := bounds(order)

	var b strings.Builder
	fmt.Fprintf(&b, "Trace %s (%d requests, %s)\n",
		shortID(tr.ID, 8), len(order), timeline.SpanLatency(tr.Unit, lo, &hi))

	overflow := 0
	if len(order) > maxRequestsPerTrace {
		overflow = len(order) - maxRequestsPerTrace
		order = order[:maxRequestsPerTrace]
	}

	// Pass 1: widest duration plus error suffix, for alignment
	maxDurErrLen := 0
	for _, entry := range order {
		maxDurErrLen = max(maxDurErrLen, utf8.RuneCountInString(durErr(tr, entry.req)))
	}

	// Pass 2: rows
	for _, entry := range order {
		renderRequestRow(&b, tr, entry, lo, hi, width, maxDurErrLen)
	}

	if overflow > 0 {
		fmt.Fprintf(&b, "  ... +%d more requests\n", overflow)
	}
	return b.String()
}

type treeEntry struct {
	req    *trace.Request
	depth  int
	isLast []bool // at each depth level, whether this node is the last child
}

func buildTree(root *trace.Request) []treeEntry {
	var result []treeEntry
	walkTree(&result, root, 0, []bool{true})
	return result
}

func walkTree(result *[]treeEntry, req *trace.Request, depth int, isLast []bool) {
	*result = append(*result, treeEntry{req: req, depth: depth, isLast: isLast})

	kids := slices.Clone(req.Children)
	slices.SortStableFunc(kids, func(a, b *trace.Request) int {
		return cmp.Compare(a.StartTime, b.StartTime)
	})
	for ci, child := range kids {
		childIsLast := append(slices.Clone(isLast), ci == len(kids)-1)
		walkTree(result, child, depth+1, childIsLast)
	}
}

// bounds is the earliest start and the latest end or start of any request.
func bounds(order []treeEntry) (int64, int64) {
	lo := order[0].req.StartTime
	hi := lo
	for _, e := range order {
		lo = min(lo, e.req.StartTime)
		hi = max(hi, e.req.StartTime)
		if e.req.EndTime != nil {
			hi = max(hi, *e.req.EndTime)
		}
	}
	return lo, hi
}

func durErr(tr *trace.Trace, req *trace.Request) string {
	s := timeline.SpanLatency(tr.Unit, req.StartTime, req.EndTime)
	if req.Err != nil {
		s += " !! ERR"
	}
	return s
}

func renderRequestRow(b *strings.Builder, tr *trace.Trace, entry treeEntry, lo, hi int64, width, maxDurErrLen int) {
	// Tree-drawing characters are multi-byte UTF-8 but a single display
	// column each, so columns are tracked separately from bytes.
	var prefix strings.Builder
	prefixCols := 1
	prefix.WriteString(" ")
	for d := 0; d < entry.depth; d++ {
		if d < len(entry.isLast)-1 {
			if entry.isLast[d] {
				prefix.WriteString("  ")
			} else {
				prefix.WriteString("│ ")
			}
			prefixCols += 2
		}
	}
	if entry.depth > 0 {
		if entry.isLast[len(entry.isLast)-1] {
			prefix.WriteString("└─ ")
		} else {
			prefix.WriteString("├─ ")
		}
		prefixCols += 3
	}

	label := requestLabel(tr, entry.req)

	// Layout: prefix + label + " [" + bar + "] " + durErr
	fixedCols := prefixCols + 2 + defaultBarWidth + 2 + maxDurErrLen
	labelBudget := max(width-fixedCols, 8)
	label = pad(truncate(label, labelBudget), labelBudget)

	// A degenerate bound has every request instantaneous.
	bar := strings.Repeat("#", defaultBarWidth)
	if hi > lo {
		bar = buildBar(timeline.Place(entry.req.StartTime, entry.req.EndTime, lo, &hi), defaultBarWidth)
	}

	fmt.Fprintf(b, "%s%s [%s] %s\n", prefix.String(), label, bar, pad(durErr(tr, entry.req), maxDurErrLen))
}

// requestLabel is "service.endpoint", preferring the declared definition.
func requestLabel(tr *trace.Trace, req *trace.Request) string {
	if loc, ok := tr.Location(req.DefLoc); ok {
		switch d := loc.Def.(type) {
		case *trace.RPCDef:
			return d.ServiceName + "." + d.RPCName
		case *trace.AuthHandlerDef:
			return d.ServiceName + "." + d.Name
		case *trace.PubSubSubscriber:
			return d.TopicName + "." + d.SubscriberName
		}
	}
	if req.SvcName == "" && req.RPCName == "" {
		return req.ID
	}
	return req.SvcName + "." + req.RPCName
}

func buildBar(iv timeline.Interval, barWidth int) string {
	s, e := span(iv, 0, barWidth)

	bar := make([]byte, barWidth)
	for i := range bar {
		if i >= s && i < e {
			bar[i] = '#'
		} else {
			bar[i] = '.'
		}
	}
	return string(bar)
}

func shortID(id string, n int) string {
	if len(id) > n {
		return id[:n]
	}
	return id
}
