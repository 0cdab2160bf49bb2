package detail

import (
	"fmt"
	"strconv"
	"time"

	"github.com/tobert/tracelanes/internal/timeline"
	"github.com/tobert/tracelanes/internal/trace"
)

// RequestView is the span header and body of one request.
type RequestView struct {
	ID        string            `json:"id"`
	Type      trace.RequestType `json:"type"`
	TypeLabel string            `json:"type_label"`
	Service   string            `json:"service"`
	Endpoint  string            `json:"endpoint"`
	Source    string            `json:"source,omitempty"` // file:line of the definition
	Duration  string            `json:"duration"`
	Summary   timeline.Summary  `json:"summary"`
	Lanes     int               `json:"lanes"`
	// CallStack is the stack of the call that spawned this request.
	CallStack *trace.Stack       `json:"call_stack,omitempty"`
	Sections  []Section          `json:"sections"`
	Logs      []timeline.LogLine `json:"logs,omitempty"`
}

// Title is "service.endpoint".
func (v *RequestView) Title() string { return v.Service + "." + v.Endpoint }

// ForRequest builds the header and body of req. Lane errors propagate.
func ForRequest(tr *trace.Trace, req *trace.Request) (*RequestView, error) {
	lanes, err := timeline.BuildLanes(req)
	if err != nil {
		return nil, err
	}
	summary := timeline.Summarize(req)

	v := &RequestView{
		ID:        req.ID,
		Type:      req.Type,
		TypeLabel: "Unknown Request",
		Service:   "unknown",
		Endpoint:  "Unknown",
		Duration:  timeline.SpanLatency(tr.Unit, req.StartTime, req.EndTime),
		Summary:   summary,
		Lanes:     len(lanes),
		Logs:      timeline.ReconstructLogs(tr, req, summary.Logs),
	}

	if loc, ok := tr.Location(req.DefLoc); ok {
		v.Source = fmt.Sprintf("%s:%d", loc.Filepath, loc.SrcLineStart)
		switch d := loc.Def.(type) {
		case *trace.RPCDef:
			v.TypeLabel, v.Service, v.Endpoint = "API Call", d.ServiceName, d.RPCName
		case *trace.AuthHandlerDef:
			v.TypeLabel, v.Service, v.Endpoint = "Auth Call", d.ServiceName, d.Name
		case *trace.PubSubSubscriber:
			v.TypeLabel, v.Service, v.Endpoint = "PubSub Message Received", d.TopicName, d.SubscriberName
		}
	}
	if call := tr.FindCall(req.ID); call != nil {
		v.CallStack = &call.Stack
	}

	switch req.Type {
	case trace.RequestAuth:
		v.Sections = authSections(req)
	case trace.RequestPubSub:
		v.Sections = pubsubSections(tr, req)
	default:
		v.Sections = rpcSections(tr, req)
	}
	return v, nil
}

func authSections(req *trace.Request) []Section {
	if req.Err != nil {
		return []Section{errorSection("Error", req.Err, nil)}
	}
	out := []Section{dataSection("User ID", req.Outputs, "No user id.")}
	if len(req.Outputs) > 1 {
		out = append(out, dataSection("User Data", req.Outputs[1:2], ""))
	}
	return out
}

func pubsubSections(tr *trace.Trace, req *trace.Request) []Section {
	const unknown = "<unknown>"
	msgID, attempt, published := unknown, unknown, unknown
	if req.MsgID != "" {
		msgID = req.MsgID
	}
	if req.Attempt > 0 {
		attempt = strconv.Itoa(req.Attempt)
	}
	if req.Published != nil {
		published = time.UnixMilli(*req.Published).UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}

	out := []Section{
		note("Message ID", msgID),
		note("Delivery Attempt", attempt),
		note("Originally Published", published),
		requestSection(tr, req, "Message", "No message data."),
	}
	if req.Err != nil {
		out = append(out, errorSection("Error", req.Err, req.ErrStack))
	}
	return out
}

func rpcSections(tr *trace.Trace, req *trace.Request) []Section {
	out := []Section{requestSection(tr, req, "Request", "No request data.")}
	if req.Err != nil {
		return append(out, errorSection("Error", req.Err, req.ErrStack))
	}
	return append(out, dataSection("Response", req.Outputs, "No response data."))
}
