package trace

import (
	"encoding/json"
	"fmt"
)

// EventKind discriminates the event union on the wire.
type EventKind string

const (
	KindGoroutine     EventKind = "Goroutine"
	KindDBQuery       EventKind = "DBQuery"
	KindDBTransaction EventKind = "DBTransaction"
	KindRPCCall       EventKind = "RPCCall"
	KindHTTPCall      EventKind = "HTTPCall"
	KindPubSubPublish EventKind = "PubSubPublish"
	KindCacheOp       EventKind = "CacheOp"
	KindLogMessage    EventKind = "LogMessage"
)

// Event is the closed set of sub-events a request can carry.
// The concrete types are the pointer types declared in this file.
type Event interface {
	Kind() EventKind
	// Lane is the goroutine (concurrency unit) that produced the event.
	Lane() uint32
	isEvent()
}

// Timing holds the fields shared by every timed event.
type Timing struct {
	GoID      uint32 `json:"goid"`
	StartTime int64  `json:"start_time"`
	EndTime   *int64 `json:"end_time,omitempty"`
	Stack     Stack  `json:"stack"`
}

// Lane implements Event.
func (t *Timing) Lane() uint32 { return t.GoID }

// Bounds returns the event's start and optional end.
func (t *Timing) Bounds() (int64, *int64) { return t.StartTime, t.EndTime }

// Timed is implemented by every event with a start/end pair.
type Timed interface {
	Event
	Bounds() (int64, *int64)
}

// Goroutine marks the spawn of a concurrent execution unit.
type Goroutine struct {
	Timing
}

// DBQuery is a single database query.
type DBQuery struct {
	Timing
	TxID  *string `json:"txid,omitempty"`
	Query []byte  `json:"query"`
	Err   []byte  `json:"err,omitempty"`
}

// DBTransaction groups the queries executed inside one transaction.
type DBTransaction struct {
	Timing
	TxID           string     `json:"txid"`
	CompletionType string     `json:"completion_type,omitempty"`
	Queries        []*DBQuery `json:"queries"`
	Err            []byte     `json:"err,omitempty"`
}

// RPCCall is an outgoing call whose server side is the child request ReqID.
type RPCCall struct {
	Timing
	ReqID  string `json:"req_id"`
	DefLoc int32  `json:"def_loc"`
	Err    []byte `json:"err,omitempty"`
}

// HTTPCall is an outgoing HTTP request.
type HTTPCall struct {
	Timing
	Method     string      `json:"method"`
	Host       string      `json:"host"`
	Path       string      `json:"path"`
	URL        string      `json:"url"`
	StatusCode int         `json:"status_code"`
	Err        []byte      `json:"err,omitempty"`
	Metrics    HTTPMetrics `json:"metrics"`
}

// HTTPMetrics are the trace-relative milestones of an HTTP round trip.
type HTTPMetrics struct {
	GotConn          *int64 `json:"got_conn,omitempty"`
	ConnReused       bool   `json:"conn_reused"`
	DNSDone          *int64 `json:"dns_done,omitempty"`
	TLSHandshakeDone *int64 `json:"tls_handshake_done,omitempty"`
	WroteHeaders     *int64 `json:"wrote_headers,omitempty"`
	WroteRequest     *int64 `json:"wrote_request,omitempty"`
	FirstResponse    *int64 `json:"first_response,omitempty"`
	BodyClosed       *int64 `json:"body_closed,omitempty"`
}

// PubSubPublish is a message published to a topic.
type PubSubPublish struct {
	Timing
	Topic     string  `json:"topic"`
	Message   []byte  `json:"message"`
	MessageID *string `json:"message_id,omitempty"` // nil when never sent
	Err       []byte  `json:"err,omitempty"`
}

// CacheResult is the outcome of a cache operation.
type CacheResult string

const (
	CacheUnknown   CacheResult = "UNKNOWN"
	CacheOk        CacheResult = "OK"
	CacheNoSuchKey CacheResult = "NO_SUCH_KEY"
	CacheConflict  CacheResult = "CONFLICT"
	CacheErr       CacheResult = "ERR"
)

// CacheOp is a single cache read or write.
type CacheOp struct {
	Timing
	Operation string      `json:"operation"`
	Keys      []string    `json:"keys"`
	Write     bool        `json:"write"`
	Result    CacheResult `json:"result"`
	DefLoc    int32       `json:"def_loc"`
	Err       []byte      `json:"err,omitempty"`
}

// LogLevel is the severity of a log line.
type LogLevel string

const (
	LevelTrace LogLevel = "TRACE"
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// LogMessage is a structured log line. Time is trace-relative.
type LogMessage struct {
	GoID   uint32     `json:"goid"`
	Time   int64      `json:"time"`
	Level  LogLevel   `json:"level"`
	Msg    string     `json:"msg"`
	Fields []LogField `json:"fields"`
	Stack  Stack      `json:"stack"`
}

// Lane implements Event.
func (l *LogMessage) Lane() uint32 { return l.GoID }

// LogField is one key/value pair attached to a log line. Fields carrying an
// error also carry the error's stack.
type LogField struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
	Stack *Stack          `json:"stack,omitempty"`
}

// UnknownEvent preserves an event of a kind this version does not know.
type UnknownEvent struct {
	Type string          `json:"type"`
	GoID uint32          `json:"goid"`
	Raw  json.RawMessage `json:"-"`
}

// Lane implements Event.
func (u *UnknownEvent) Lane() uint32 { return u.GoID }

func (*Goroutine) Kind() EventKind     { return KindGoroutine }
func (*DBQuery) Kind() EventKind       { return KindDBQuery }
func (*DBTransaction) Kind() EventKind { return KindDBTransaction }
func (*RPCCall) Kind() EventKind       { return KindRPCCall }
func (*HTTPCall) Kind() EventKind      { return KindHTTPCall }
func (*PubSubPublish) Kind() EventKind { return KindPubSubPublish }
func (*CacheOp) Kind() EventKind       { return KindCacheOp }
func (*LogMessage) Kind() EventKind    { return KindLogMessage }
func (u *UnknownEvent) Kind() EventKind {
	return EventKind(u.Type)
}

func (*Goroutine) isEvent()     {}
func (*DBQuery) isEvent()       {}
func (*DBTransaction) isEvent() {}
func (*RPCCall) isEvent()       {}
func (*HTTPCall) isEvent()      {}
func (*PubSubPublish) isEvent() {}
func (*CacheOp) isEvent()       {}
func (*LogMessage) isEvent()    {}
func (*UnknownEvent) isEvent()  {}

// EventList is an ordered event slice with type-discriminated JSON encoding.
type EventList []Event

// UnmarshalJSON decodes each element according to its "type" field.
func (l *EventList) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}

	out := make(EventList, 0, len(raws))
	for i, raw := range raws {
		ev, err := decodeEvent(raw)
		if err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
		out = append(out, ev)
	}
	*l = out
	return nil
}

// MarshalJSON encodes each element with its "type" discriminator.
func (l EventList) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(l))
	for _, ev := range l {
		b, err := encodeEvent(ev)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return json.Marshal(out)
}

func decodeEvent(raw json.RawMessage) (Event, error) {
	var head struct {
		Type string `json:"type"`
		GoID uint32 `json:"goid"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, err
	}

	var ev Event
	switch EventKind(head.Type) {
	case KindGoroutine:
		ev = &Goroutine{}
	case KindDBQuery:
		ev = &DBQuery{}
	case KindDBTransaction:
		ev = &DBTransaction{}
	case KindRPCCall:
		ev = &RPCCall{}
	case KindHTTPCall:
		ev = &HTTPCall{}
	case KindPubSubPublish:
		ev = &PubSubPublish{}
	case KindCacheOp:
		ev = &CacheOp{}
	case KindLogMessage:
		ev = &LogMessage{}
	default:
		return &UnknownEvent{Type: head.Type, GoID: head.GoID, Raw: raw}, nil
	}

	if err := json.Unmarshal(raw, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.Type, err)
	}
	return ev, nil
}

func encodeEvent(ev Event) ([]byte, error) {
	if u, ok := ev.(*UnknownEvent); ok {
		if len(u.Raw) > 0 {
			return u.Raw, nil
		}
		return json.Marshal(u)
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}

	// Splice the discriminator into the encoded object.
	typ, err := json.Marshal(string(ev.Kind()))
	if err != nil {
		return nil, err
	}
	if len(body) <= 2 {
		return []byte(`{"type":` + string(typ) + `}`), nil
	}
	out := make([]byte, 0, len(body)+len(typ)+8)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}
