package timeline

import "math"

// Minimum display widths applied at the presentation boundary to intervals
// that map to zero width.
const (
	MinLaneWidthPx = 3
	MinBarWidthPx  = 1
)

// Interval is a percentage span within a bounding interval.
type Interval struct {
	Start int `json:"start"`
	End   int `json:"end"`
	// ZeroWidth marks intervals the renderer must widen to its minimum
	// visible width: instantaneous events, unterminated ends, and
	// placements within a degenerate bound.
	ZeroWidth bool `json:"zero_width,omitempty"`
}

// Position maps t into [lo, hi) as a rounded percentage clamped to [0, 100].
// A degenerate interval (hi <= lo) yields 0.
func Position(t, lo, hi int64) int {
	if hi <= lo {
		return 0
	}
	pct := float64(t-lo) / float64(hi-lo) * 100
	// Round half up, the way the dashboard always has.
	p := int(math.Floor(pct + 0.5))
	return min(max(p, 0), 100)
}

// Place positions the span [start, end] within the bound [lo, hi]. A nil end
// means still open; a nil hi means the bound itself never ended. Either way
// the result collapses to a zero-width marker at the start edge rather than
// guessing a second endpoint.
func Place(start int64, end *int64, lo int64, hi *int64) Interval {
	if hi == nil || *hi <= lo {
		return Interval{ZeroWidth: true}
	}
	s := Position(start, lo, *hi)
	if end == nil {
		return Interval{Start: s, End: s, ZeroWidth: true}
	}
	e := max(Position(*end, lo, *hi), s)
	return Interval{Start: s, End: e, ZeroWidth: e == s}
}
