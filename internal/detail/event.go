package detail

import (
	"fmt"
	"strings"

	"github.com/tobert/tracelanes/internal/payload"
	"github.com/tobert/tracelanes/internal/timeline"
	"github.com/tobert/tracelanes/internal/trace"
)

// EventView is the tooltip content of one bar event.
type EventView struct {
	Kind    trace.EventKind `json:"kind"`
	Title   string          `json:"title"`
	Latency string          `json:"latency"`
	// Stack is the capture stack of the event, if one was recorded.
	Stack    *trace.Stack `json:"stack,omitempty"`
	Sections []Section    `json:"sections"`
	Timings  []Row        `json:"timings,omitempty"`
}

// ForEvent builds the tooltip for a bar event of req.
// A call whose child request is missing is an *UnresolvedReferenceError.
func ForEvent(tr *trace.Trace, req *trace.Request, ev trace.Event) (*EventView, error) {
	switch e := ev.(type) {
	case *trace.DBQuery:
		return dbQuery(tr, e), nil
	case *trace.RPCCall:
		return rpcCall(tr, req, e)
	case *trace.HTTPCall:
		return httpCall(tr, e), nil
	case *trace.PubSubPublish:
		return publish(tr, e), nil
	case *trace.CacheOp:
		return cacheOp(tr, e), nil
	default:
		return nil, fmt.Errorf("%s: %w", ev.Kind(), ErrNoDetail)
	}
}

func newView(tr *trace.Trace, ev trace.Timed, title string) *EventView {
	start, end := ev.Bounds()
	return &EventView{
		Kind:    ev.Kind(),
		Title:   title,
		Latency: timeline.SpanLatency(tr.Unit, start, end),
	}
}

func stackOrNil(s *trace.Stack) *trace.Stack {
	if s == nil || len(s.Frames) == 0 {
		return nil
	}
	return s
}

func dbQuery(tr *trace.Trace, q *trace.DBQuery) *EventView {
	v := newView(tr, q, "DB Query")
	v.Stack = stackOrNil(&q.Stack)
	v.Sections = []Section{
		{Title: "Query", Content: &Content{Text: payload.UTF8(q.Query), Mode: ModeSQL}},
		errorOrOK(q.Err),
	}
	return v
}

func rpcCall(tr *trace.Trace, req *trace.Request, c *trace.RPCCall) (*EventView, error) {
	target := req.Child(c.ReqID)
	if target == nil {
		return nil, &UnresolvedReferenceError{RequestID: req.ID, Ref: c.ReqID}
	}

	title := "API Call: Unknown Endpoint"
	if loc, ok := tr.Location(c.DefLoc); ok {
		if d, isRPC := loc.Def.(*trace.RPCDef); isRPC {
			title = "API Call: " + d.ServiceName + "." + d.RPCName
		}
	}

	v := newView(tr, c, title)
	v.Stack = stackOrNil(&c.Stack)
	v.Sections = []Section{
		requestSection(tr, target, "Request", "No request data."),
		dataSection("Response", target.Outputs, "No response data."),
		errorOrOK(c.Err),
	}
	return v, nil
}

func httpCall(tr *trace.Trace, c *trace.HTTPCall) *EventView {
	v := newView(tr, c, strings.TrimSpace(fmt.Sprintf("HTTP %s %s%s", c.Method, c.Host, c.Path)))

	response := note("Response", "No response recorded.")
	if c.EndTime != nil {
		response.Note = fmt.Sprintf("HTTP %d", c.StatusCode)
	}
	v.Sections = []Section{
		{Title: "URL", Content: &Content{Text: c.URL, Mode: ModeText}},
		response,
		errorOrOK(c.Err),
	}
	v.Timings = HTTPTimings(tr, c)
	return v
}

// HTTPTimings breaks an HTTP call into its connection phases. Each phase is
// measured from the latest milestone before it that was recorded.
func HTTPTimings(tr *trace.Trace, c *trace.HTTPCall) []Row {
	m := c.Metrics
	lat := func(from int64, to int64) string { return timeline.Latency(tr.Ticks(to - from)) }
	first := func(vals ...*int64) int64 {
		for _, v := range vals {
			if v != nil {
				return *v
			}
		}
		return c.StartTime
	}

	var rows []Row
	if m.ConnReused {
		rows = append(rows, Row{Label: "Reused Connection", Value: "Yes"})
	} else {
		if m.DNSDone != nil {
			rows = append(rows, Row{Label: "DNS Lookup", Value: lat(c.StartTime, *m.DNSDone)})
		}
		if m.TLSHandshakeDone != nil {
			rows = append(rows, Row{Label: "TLS Handshake", Value: lat(first(m.DNSDone), *m.TLSHandshakeDone)})
		}
	}
	if m.WroteRequest != nil {
		rows = append(rows, Row{Label: "Wrote Request", Value: lat(first(m.TLSHandshakeDone, m.GotConn), *m.WroteRequest)})
	}
	if m.FirstResponse != nil {
		rows = append(rows, Row{Label: "Response Start", Value: lat(first(m.WroteHeaders, m.GotConn), *m.FirstResponse)})
	}
	return rows
}

func publish(tr *trace.Trace, p *trace.PubSubPublish) *EventView {
	v := newView(tr, p, "Publish: "+p.Topic)
	v.Stack = stackOrNil(&p.Stack)

	msgID := note("Message ID", "Not Sent")
	if p.MessageID != nil {
		msgID.Note = *p.MessageID
	}
	v.Sections = []Section{
		msgID,
		dataSection("Message", [][]byte{p.Message}, "No message data."),
		errorOrOK(p.Err),
	}
	return v
}

func cacheOp(tr *trace.Trace, op *trace.CacheOp) *EventView {
	title := "Cache Read"
	if op.Write {
		title = "Cache Write"
	}
	v := newView(tr, op, title)
	v.Stack = stackOrNil(&op.Stack)

	if loc, ok := tr.Location(op.DefLoc); ok {
		if ks, isKS := loc.Def.(*trace.CacheKeyspace); isKS {
			v.Sections = append(v.Sections, note("Keyspace", ks.VarName))
		}
	}
	v.Sections = append(v.Sections, note("Operation", op.Operation))
	if len(op.Keys) > 0 {
		title := "Keys"
		if len(op.Keys) == 1 {
			title = "Key"
		}
		v.Sections = append(v.Sections, Section{
			Title:   title,
			Content: &Content{Text: strings.Join(op.Keys, "\n"), Mode: ModeText},
		})
	}
	if op.Err != nil {
		v.Sections = append(v.Sections, errorSection("Result", op.Err, nil))
	} else {
		v.Sections = append(v.Sections, note("Result", CacheResultText(op.Result)))
	}
	return v
}

// CacheResultText is the human readable outcome of a cache operation.
func CacheResultText(r trace.CacheResult) string {
	switch r {
	case trace.CacheNoSuchKey:
		return "Key not found"
	case trace.CacheConflict:
		return "Precondition failed"
	case trace.CacheOk:
		return "Completed successfully"
	default:
		return "Unknown"
	}
}
