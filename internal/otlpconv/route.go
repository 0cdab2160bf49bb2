package otlpconv

import (
	"strings"

	"github.com/tobert/tracelanes/internal/trace"
)

// ParseRoute turns an http.route template into a path schema. Parameters
// may be written ":id" or "{id}", wildcards "*rest" or "{rest...}", and
// fallbacks "!rest".
func ParseRoute(route string) trace.Path {
	var p trace.Path
	for _, seg := range splitPath(route) {
		switch {
		case strings.HasPrefix(seg, ":"):
			p.Segments = append(p.Segments, trace.PathSegment{Type: trace.SegmentParam, Value: seg[1:]})
		case strings.HasPrefix(seg, "*"):
			p.Segments = append(p.Segments, trace.PathSegment{Type: trace.SegmentWildcard, Value: seg[1:]})
		case strings.HasPrefix(seg, "!"):
			p.Segments = append(p.Segments, trace.PathSegment{Type: trace.SegmentFallback, Value: seg[1:]})
		case strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}"):
			name := seg[1 : len(seg)-1]
			if rest, ok := strings.CutSuffix(name, "..."); ok {
				p.Segments = append(p.Segments, trace.PathSegment{Type: trace.SegmentWildcard, Value: rest})
			} else {
				p.Segments = append(p.Segments, trace.PathSegment{Type: trace.SegmentParam, Value: name})
			}
		default:
			p.Segments = append(p.Segments, trace.PathSegment{Type: trace.SegmentLiteral, Value: seg})
		}
	}
	return p
}

// MatchPath extracts the parameter values of path against schema, in schema
// order. Wildcards and fallbacks consume the rest of the path. Values for
// parameters the path is too short to reach are omitted.
func MatchPath(schema trace.Path, path string) []string {
	parts := splitPath(path)
	var values []string
	for i, seg := range schema.Segments {
		if i >= len(parts) {
			break
		}
		switch seg.Type {
		case trace.SegmentParam:
			values = append(values, parts[i])
		case trace.SegmentWildcard, trace.SegmentFallback:
			return append(values, strings.Join(parts[i:], "/"))
		}
	}
	return values
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
