package timeline

import (
	"fmt"
	"strings"

	"github.com/tobert/tracelanes/internal/palette"
	"github.com/tobert/tracelanes/internal/trace"
)

// Model is the render model of one request's timeline.
type Model struct {
	TraceID   string     `json:"trace_id"`
	RequestID string     `json:"request_id"`
	Summary   Summary    `json:"summary"`
	Latency   string     `json:"latency"`
	Lanes     []LaneView `json:"lanes"`
	Logs      []LogLine  `json:"logs,omitempty"`
}

// LaneView is a lane positioned within its request.
type LaneView struct {
	GoID      uint32   `json:"goid"`
	Placement Interval `json:"placement"`
	Latency   string   `json:"latency"`
	Bars      []Bar    `json:"bars"`
	// Events is the lane's full event list, bars and non-bars alike.
	Events []trace.Event `json:"-"`
}

// Bar is a timed event positioned within its lane.
type Bar struct {
	Index     int             `json:"index"` // position among the lane's bars
	Kind      trace.EventKind `json:"kind"`
	Label     string          `json:"label"`
	Latency   string          `json:"latency"`
	Placement Interval        `json:"placement"`
	ColorKey  string          `json:"color_key"`
	Color     string          `json:"color"`
	Highlight string          `json:"highlight"`
	Failed    bool            `json:"failed,omitempty"`
	Event     trace.Event     `json:"-"`
}

// BuildOptions tunes Build.
type BuildOptions struct {
	// Colors assigns a (color, highlight) pair to a color key.
	// Defaults to palette.For.
	Colors func(key string) (string, string)
}

// Build runs the full reconstruction pass for one request.
// Structural errors such as *MissingLaneError are returned; display
// fallbacks never are.
func Build(tr *trace.Trace, req *trace.Request, opts ...BuildOptions) (*Model, error) {
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}

	colors := palette.For
	if len(opts) > 0 && opts[0].Colors != nil {
		colors = opts[0].Colors
	}

	lanes, err := BuildLanes(req)
	if err != nil {
		return nil, err
	}

	summary := Summarize(req)
	m := &Model{
		TraceID:   tr.ID,
		RequestID: req.ID,
		Summary:   summary,
		Latency:   SpanLatency(tr.Unit, req.StartTime, req.EndTime),
		Lanes:     make([]LaneView, 0, len(lanes)),
		Logs:      ReconstructLogs(tr, req, summary.Logs),
	}

	for _, l := range lanes {
		view := LaneView{
			GoID:      l.GoID,
			Placement: Place(l.Start, l.End, req.StartTime, req.EndTime),
			Latency:   SpanLatency(tr.Unit, l.Start, l.End),
			Events:    l.Events,
		}
		for _, ev := range l.Events {
			if !IsBar(ev) {
				continue
			}
			timed := ev.(trace.Timed)
			start, end := timed.Bounds()
			key := ColorKey(tr, ev)
			color, highlight := colors(key)
			view.Bars = append(view.Bars, Bar{
				Index:     len(view.Bars),
				Kind:      ev.Kind(),
				Label:     BarLabel(tr, ev),
				Latency:   SpanLatency(tr.Unit, start, end),
				Placement: Place(start, end, l.Start, l.End),
				ColorKey:  key,
				Color:     color,
				Highlight: highlight,
				Failed:    failed(ev),
				Event:     ev,
			})
		}
		m.Lanes = append(m.Lanes, view)
	}

	return m, nil
}

// Lane returns the lane view for a goroutine.
func (m *Model) Lane(goid uint32) (*LaneView, bool) {
	for i := range m.Lanes {
		if m.Lanes[i].GoID == goid {
			return &m.Lanes[i], true
		}
	}
	return nil, false
}

// ColorKey is the identity under which an event shares color with related
// events: one transaction, one target service, one host, one topic, one
// cache operation.
func ColorKey(tr *trace.Trace, ev trace.Event) string {
	switch e := ev.(type) {
	case *trace.DBQuery:
		if e.TxID != nil {
			return "tx:" + *e.TxID
		}
		return fmt.Sprintf("query:%d", e.StartTime)
	case *trace.RPCCall:
		if svc, _, ok := rpcTarget(tr, e.DefLoc); ok {
			return svc
		}
		return "unknown"
	case *trace.HTTPCall:
		if e.Host != "" {
			return e.Host
		}
		return e.URL
	case *trace.PubSubPublish:
		return "topic:" + e.Topic
	case *trace.CacheOp:
		return e.Operation
	default:
		return string(ev.Kind())
	}
}

// BarLabel is a one-line description of a bar event.
func BarLabel(tr *trace.Trace, ev trace.Event) string {
	switch e := ev.(type) {
	case *trace.DBQuery:
		q := strings.TrimSpace(string(e.Query))
		if i := strings.IndexByte(q, '\n'); i >= 0 {
			q = q[:i] + "…"
		}
		return q
	case *trace.RPCCall:
		if svc, rpc, ok := rpcTarget(tr, e.DefLoc); ok {
			return svc + "." + rpc
		}
		return "Unknown Endpoint"
	case *trace.HTTPCall:
		return strings.TrimSpace(fmt.Sprintf("%s %s%s", e.Method, e.Host, e.Path))
	case *trace.PubSubPublish:
		return "Publish: " + e.Topic
	case *trace.CacheOp:
		if e.Write {
			return "Cache Write: " + e.Operation
		}
		return "Cache Read: " + e.Operation
	default:
		return string(ev.Kind())
	}
}

func rpcTarget(tr *trace.Trace, defLoc int32) (svc, rpc string, ok bool) {
	loc, found := tr.Location(defLoc)
	if !found {
		return "", "", false
	}
	if d, isRPC := loc.Def.(*trace.RPCDef); isRPC {
		return d.ServiceName, d.RPCName, true
	}
	return "", "", false
}

func failed(ev trace.Event) bool {
	switch e := ev.(type) {
	case *trace.DBQuery:
		return e.Err != nil
	case *trace.RPCCall:
		return e.Err != nil
	case *trace.HTTPCall:
		return e.Err != nil
	case *trace.PubSubPublish:
		return e.Err != nil
	case *trace.CacheOp:
		return e.Err != nil || e.Result == trace.CacheErr
	default:
		return false
	}
}
