// Package trace defines the captured-trace snapshot consumed by the timeline
// reconstruction: a request tree, a location arena addressed by index, and
// the declared service/RPC metadata.
//
// Values in this package are treated as immutable once decoded. Nothing in
// tracelanes mutates a Trace after ingestion.
package trace

import (
	"time"
)

// TimeUnit names the tick size of every trace-relative timestamp.
type TimeUnit string

const (
	Nanoseconds  TimeUnit = "ns"
	Microseconds TimeUnit = "us"
	Milliseconds TimeUnit = "ms"
)

// Duration returns the length of one tick. Unknown or empty units are
// milliseconds.
func (u TimeUnit) Duration() time.Duration {
	switch u {
	case Nanoseconds:
		return time.Nanosecond
	case Microseconds:
		return time.Microsecond
	default:
		return time.Millisecond
	}
}

// Trace is an immutable snapshot of one captured trace.
type Trace struct {
	ID        string     `json:"id"`
	Date      time.Time  `json:"date"`       // wall clock at StartTime
	StartTime int64      `json:"start_time"` // trace-relative origin
	Unit      TimeUnit   `json:"time_unit,omitempty"`
	Root      *Request   `json:"root"`
	Locations []Location `json:"locations"`
	Meta      Metadata   `json:"meta"`
}

// Location resolves a location index. Out-of-range indices report false so
// callers can degrade to a generic label.
func (t *Trace) Location(idx int32) (Location, bool) {
	if t == nil || idx < 0 || int(idx) >= len(t.Locations) {
		return Location{}, false
	}
	return t.Locations[idx], true
}

// Ticks converts a trace-relative tick delta into a time.Duration.
func (t *Trace) Ticks(delta int64) time.Duration {
	return time.Duration(delta) * t.Unit.Duration()
}

// FindRequest returns the request with the given id anywhere in the tree.
func (t *Trace) FindRequest(id string) *Request {
	if t == nil || t.Root == nil {
		return nil
	}
	queue := []*Request{t.Root}
	for len(queue) > 0 {
		req := queue[0]
		queue = queue[1:]
		if req.ID == id {
			return req
		}
		queue = append(queue, req.Children...)
	}
	return nil
}

// FindCall returns the RPCCall event that spawned the request with the given
// id, searching the tree breadth first. Root requests have no call.
func (t *Trace) FindCall(reqID string) *RPCCall {
	if t == nil || t.Root == nil {
		return nil
	}
	queue := []*Request{t.Root}
	for len(queue) > 0 {
		req := queue[0]
		queue = queue[1:]
		for _, ev := range req.Events {
			if call, ok := ev.(*RPCCall); ok && call.ReqID == reqID {
				return call
			}
		}
		queue = append(queue, req.Children...)
	}
	return nil
}

// Requests returns every request in the tree in breadth-first order.
func (t *Trace) Requests() []*Request {
	if t == nil || t.Root == nil {
		return nil
	}
	var out []*Request
	queue := []*Request{t.Root}
	for len(queue) > 0 {
		req := queue[0]
		queue = queue[1:]
		out = append(out, req)
		queue = append(queue, req.Children...)
	}
	return out
}

// RequestType is the kind of work a request represents.
type RequestType string

const (
	RequestRPC    RequestType = "RPC"
	RequestAuth   RequestType = "AUTH"
	RequestPubSub RequestType = "PUBSUB_MSG"
)

// Request is one captured span.
type Request struct {
	ID        string      `json:"id"`
	Type      RequestType `json:"type"`
	GoID      uint32      `json:"goid"`
	SvcName   string      `json:"svc_name"`
	RPCName   string      `json:"rpc_name"`
	StartTime int64       `json:"start_time"`
	EndTime   *int64      `json:"end_time,omitempty"` // nil while open or unknown
	Inputs    [][]byte    `json:"inputs"`
	Outputs   [][]byte    `json:"outputs"`
	Err       []byte      `json:"err,omitempty"`
	ErrStack  *Stack      `json:"err_stack,omitempty"`
	Children  []*Request  `json:"children"`
	DefLoc    int32       `json:"def_loc"`
	Events    EventList   `json:"events"`

	// Pub/Sub delivery metadata.
	MsgID     string `json:"msg_id,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Published *int64 `json:"published,omitempty"` // unix milliseconds
}

// Child returns the direct child with the given id.
func (r *Request) Child(id string) *Request {
	for _, c := range r.Children {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// Stack is an ordered list of captured call frames.
type Stack struct {
	Frames []StackFrame `json:"frames"`
}

// StackFrame is a single call frame.
type StackFrame struct {
	Func     string `json:"func"`
	Filename string `json:"filename"`
	Line     int    `json:"line"`
}

// Metadata describes the services declared by the traced application.
type Metadata struct {
	Svcs []Service `json:"svcs"`
}

// Service is one declared service.
type Service struct {
	Name string `json:"name"`
	RPCs []RPC  `json:"rpcs"`
}

// RPC is one declared endpoint and its path schema.
type RPC struct {
	Name string `json:"name"`
	Path Path   `json:"path"`
}

// Path is an ordered route schema.
type Path struct {
	Segments []PathSegment `json:"segments"`
}

// SegmentType distinguishes literal path segments from parameters.
type SegmentType string

const (
	SegmentLiteral  SegmentType = "LITERAL"
	SegmentParam    SegmentType = "PARAM"
	SegmentWildcard SegmentType = "WILDCARD"
	SegmentFallback SegmentType = "FALLBACK"
)

// PathSegment is one route portion. For parameters Value holds the name.
type PathSegment struct {
	Type  SegmentType `json:"type"`
	Value string      `json:"value"`
}

// Params returns the non-literal segments in declaration order.
func (p Path) Params() []PathSegment {
	var params []PathSegment
	for _, s := range p.Segments {
		if s.Type != SegmentLiteral {
			params = append(params, s)
		}
	}
	return params
}

// LookupRPC resolves an RPC by service and endpoint name.
func (m Metadata) LookupRPC(svc, rpc string) (RPC, bool) {
	for _, s := range m.Svcs {
		if s.Name != svc {
			continue
		}
		for _, r := range s.RPCs {
			if r.Name == rpc {
				return r, true
			}
		}
	}
	return RPC{}, false
}
