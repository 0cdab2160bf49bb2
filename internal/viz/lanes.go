package viz

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	colorful "github.com/lucasb-eyer/go-colorful"

	"github.com/tobert/tracelanes/internal/timeline"
)

const (
	defaultWidth  = 80
	minTrackCols  = 10
	legendKindCol = 14
)

const (
	glyphLane     = '─'
	glyphBar      = '█'
	glyphFailed   = '▓'
	glyphSelected = '░'
)

var failRed = colorful.Color{R: 0.86, G: 0.16, B: 0.16}

type cell struct {
	r     rune
	color string
}

// Timeline renders one request's lanes as rows of bars, followed by the
// numbered bar list used to address a single bar.
func Timeline(m *timeline.Model, opts Options) string {
	if m == nil {
		return ""
	}
	width := opts.Width
	if width <= 0 {
		width = defaultWidth
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Request %s (%s, %d lanes)\n", m.RequestID, m.Latency, len(m.Lanes))
	fmt.Fprintf(&b, "  %s\n", SummaryLine(m.Summary))
	if len(m.Lanes) == 0 {
		return b.String()
	}

	labelW, latW := 0, 0
	for _, l := range m.Lanes {
		labelW = max(labelW, len(laneLabel(l.GoID)))
		latW = max(latW, utf8.RuneCountInString(l.Latency))
	}
	// Layout: "  " + label + " [" + track + "] " + latency
	track := max(width-2-labelW-2-2-latW, minTrackCols)

	for _, l := range m.Lanes {
		cells := laneCells(l, track, opts.Selected)
		fmt.Fprintf(&b, "  %-*s [%s] %s\n", labelW, laneLabel(l.GoID), renderCells(cells, opts.Color), l.Latency)
	}

	if !opts.NoLegend {
		b.WriteByte('\n')
		writeLegend(&b, m, width, opts.Selected)
	}
	return b.String()
}

// SummaryLine is the header count line of a request.
func SummaryLine(s timeline.Summary) string {
	parts := []string{
		plural(s.DBQueries, "query", "queries"),
		plural(s.APICalls, "API call", "API calls"),
		plural(s.Publishes, "publish", "publishes"),
		plural(s.LogLines, "log line", "log lines"),
	}
	return strings.Join(parts, " · ")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return fmt.Sprintf("%d %s", n, many)
}

func laneLabel(goid uint32) string { return fmt.Sprintf("g%d", goid) }

// span maps a percentage interval onto [lo, hi) columns. Zero-width
// intervals still occupy one column.
func span(iv timeline.Interval, lo, hi int) (int, int) {
	w := hi - lo
	s := lo + iv.Start*w/100
	e := lo + iv.End*w/100
	s = min(s, hi-1)
	if iv.ZeroWidth || e <= s {
		e = s + 1
	}
	return s, min(e, hi)
}

func laneCells(l timeline.LaneView, track int, sel *Selection) []cell {
	cells := make([]cell, track)
	for i := range cells {
		cells[i] = cell{r: ' '}
	}

	ls, le := span(l.Placement, 0, track)
	for i := ls; i < le; i++ {
		cells[i].r = glyphLane
	}

	for _, bar := range l.Bars {
		bs, be := span(bar.Placement, ls, le)
		glyph, color := glyphBar, bar.Color
		switch {
		case sel != nil && sel.GoID == l.GoID && sel.Bar == bar.Index:
			glyph, color = glyphSelected, bar.Highlight
		case bar.Failed:
			glyph, color = glyphFailed, tint(bar.Color)
		}
		for i := bs; i < be; i++ {
			cells[i] = cell{r: glyph, color: color}
		}
	}
	return cells
}

// tint pulls a bar color toward red to mark failure.
func tint(hex string) string {
	c, err := colorful.Hex(hex)
	if err != nil {
		return hex
	}
	return c.BlendLab(failRed, 0.5).Clamped().Hex()
}

// renderCells draws runs of equally colored cells with one style each.
func renderCells(cells []cell, color bool) string {
	var b strings.Builder
	for i := 0; i < len(cells); {
		j := i
		var run strings.Builder
		for j < len(cells) && cells[j].color == cells[i].color {
			run.WriteRune(cells[j].r)
			j++
		}
		if color && cells[i].color != "" {
			b.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color(cells[i].color)).Render(run.String()))
		} else {
			b.WriteString(run.String())
		}
		i = j
	}
	return b.String()
}

func writeLegend(b *strings.Builder, m *timeline.Model, width int, sel *Selection) {
	for _, l := range m.Lanes {
		for _, bar := range l.Bars {
			marker := " "
			if sel != nil && sel.GoID == l.GoID && sel.Bar == bar.Index {
				marker = "▶"
			}
			addr := fmt.Sprintf("%s:%d", laneLabel(l.GoID), bar.Index)
			suffix := bar.Latency
			if bar.Failed {
				suffix += " !! ERR"
			}
			// Layout: " " + marker + " " + addr + "  " + kind + " " + label + "  " + suffix
			budget := max(width-3-len(addr)-2-legendKindCol-1-2-utf8.RuneCountInString(suffix), 8)
			fmt.Fprintf(b, " %s %s  %-*s %s  %s\n",
				marker, addr, legendKindCol, bar.Kind, pad(truncate(bar.Label, budget), budget), suffix)
		}
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

func pad(s string, n int) string {
	return s + strings.Repeat(" ", max(0, n-utf8.RuneCountInString(s)))
}
