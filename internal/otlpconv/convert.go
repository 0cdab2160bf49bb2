// Package otlpconv assembles trace snapshots from OTLP spans.
//
// SERVER and CONSUMER spans (and spans whose parent was never received)
// become requests. Database, HTTP, messaging and cache spans below a request
// become its events, CLIENT spans that lead into another request become RPC
// calls, the thread.id attribute selects the lane, and span events and
// correlated log records become log lines. Timestamps are microseconds
// relative to the earliest span.
package otlpconv

import (
	"cmp"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/tobert/tracelanes/internal/trace"
)

// Span event names carrying HTTP round-trip milestones.
const (
	EventGotConn       = "http.got_conn"
	EventDNSDone       = "http.dns_done"
	EventTLSDone       = "http.tls_handshake_done"
	EventWroteHeaders  = "http.wrote_headers"
	EventWroteRequest  = "http.wrote_request"
	EventFirstResponse = "http.first_response"
	EventBodyClosed    = "http.body_closed"
	EventException     = "exception"
)

// syntheticGoID is the first lane id handed to spans without thread.id and
// to thread ids too large to use as a lane id directly.
const syntheticGoID = 1 << 20

// ErrNoSpans is returned when a trace has no spans to convert.
var ErrNoSpans = errors.New("no spans")

// SpanRecord is a span together with its resource's service name.
type SpanRecord struct {
	Service string
	Span    *tracepb.Span
}

// Flatten pairs every span in rss with its service name.
func Flatten(rss []*tracepb.ResourceSpans) []SpanRecord {
	var out []SpanRecord
	for _, rs := range rss {
		svc := ServiceName(rs)
		for _, ss := range rs.ScopeSpans {
			for _, span := range ss.Spans {
				out = append(out, SpanRecord{Service: svc, Span: span})
			}
		}
	}
	return out
}

// ServiceName returns the service.name resource attribute, or "unknown".
func ServiceName(rs *tracepb.ResourceSpans) string {
	if rs == nil || rs.Resource == nil {
		return "unknown"
	}
	if s := attrs(rs.Resource.Attributes).str(AttrServiceName); s != "" {
		return s
	}
	return "unknown"
}

// SpanID formats a span or trace id as lowercase hex.
func SpanID(id []byte) string {
	return fmt.Sprintf("%x", id)
}

type converter struct {
	tr       *trace.Trace
	origin   uint64
	byID     map[string]*SpanRecord
	children map[string][]*SpanRecord
	requests map[string]*trace.Request
	callee   map[string]*trace.Request // parent span id -> request it leads into
	consumed map[string]bool
	nextGoID uint32
	threads  map[int64]uint32 // thread.id >= syntheticGoID -> lane
	spaces   map[string]int32
}

// Convert builds a trace snapshot from all spans of one trace. The earliest
// parentless request is the root; any other parentless requests become its
// children so partially received traces still render. Log records become
// log lines on the lane of the span that emitted them.
func Convert(traceID string, spans []SpanRecord, logs ...LogRecord) (*trace.Trace, error) {
	if len(spans) == 0 {
		return nil, fmt.Errorf("trace %s: %w", traceID, ErrNoSpans)
	}

	ordered := make([]*SpanRecord, len(spans))
	for i := range spans {
		ordered[i] = &spans[i]
	}
	slices.SortStableFunc(ordered, func(a, b *SpanRecord) int {
		return cmp.Compare(a.Span.StartTimeUnixNano, b.Span.StartTimeUnixNano)
	})

	c := &converter{
		tr: &trace.Trace{
			ID:   traceID,
			Date: time.Unix(0, int64(ordered[0].Span.StartTimeUnixNano)).UTC(),
			Unit: trace.Microseconds,
		},
		origin:   ordered[0].Span.StartTimeUnixNano,
		byID:     make(map[string]*SpanRecord, len(ordered)),
		children: make(map[string][]*SpanRecord),
		requests: make(map[string]*trace.Request),
		callee:   make(map[string]*trace.Request),
		consumed: make(map[string]bool),
		nextGoID: syntheticGoID,
		threads:  make(map[int64]uint32),
		spaces:   make(map[string]int32),
	}
	for _, rec := range ordered {
		id := SpanID(rec.Span.SpanId)
		c.byID[id] = rec
		if p := SpanID(rec.Span.ParentSpanId); p != "" {
			c.children[p] = append(c.children[p], rec)
		}
	}

	var order []*trace.Request
	for _, rec := range ordered {
		if c.isRequest(rec) {
			req := c.newRequest(rec)
			c.requests[req.ID] = req
			order = append(order, req)
		}
	}

	var roots []*trace.Request
	for _, req := range order {
		parentID := SpanID(c.byID[req.ID].Span.ParentSpanId)
		parent := c.ownerOf(parentID)
		if parent == nil {
			roots = append(roots, req)
			continue
		}
		parent.Children = append(parent.Children, req)
		if _, ok := c.callee[parentID]; !ok {
			c.callee[parentID] = req
		}
	}

	// Queries inside a transaction are emitted by the transaction only.
	for _, rec := range ordered {
		for _, child := range c.txChildren(rec) {
			c.consumed[SpanID(child.Span.SpanId)] = true
		}
	}

	for _, rec := range ordered {
		id := SpanID(rec.Span.SpanId)
		owner, isReq := c.requests[id], true
		if owner == nil {
			owner, isReq = c.ownerOf(SpanID(rec.Span.ParentSpanId)), false
		}
		if owner == nil {
			continue
		}
		lane := owner.GoID
		if !isReq {
			lane = c.laneOf(attrs(rec.Span.Attributes), owner)
		}
		owner.Events = append(owner.Events, c.logs(rec.Span, lane)...)

		if isReq || c.consumed[id] {
			continue
		}
		if ev := c.event(rec, owner, lane); ev != nil {
			owner.Events = append(owner.Events, ev)
		}
	}

	if len(roots) == 0 {
		return nil, fmt.Errorf("trace %s: no root span", traceID)
	}
	root := roots[0]
	c.attachLogs(logs, root)

	for _, req := range order {
		finalize(req)
	}

	root.Children = append(root.Children, roots[1:]...)
	c.tr.Root = root
	return c.tr, nil
}

func (c *converter) isRequest(rec *SpanRecord) bool {
	switch rec.Span.Kind {
	case tracepb.Span_SPAN_KIND_SERVER, tracepb.Span_SPAN_KIND_CONSUMER:
		return true
	}
	parent := SpanID(rec.Span.ParentSpanId)
	_, known := c.byID[parent]
	return parent == "" || !known
}

// ownerOf walks up from spanID to the nearest request span.
func (c *converter) ownerOf(spanID string) *trace.Request {
	// Bounded so a parent cycle in malformed input cannot spin forever.
	for hops := 0; spanID != "" && hops <= len(c.byID); hops++ {
		if req, ok := c.requests[spanID]; ok {
			return req
		}
		rec, ok := c.byID[spanID]
		if !ok {
			return nil
		}
		spanID = SpanID(rec.Span.ParentSpanId)
	}
	return nil
}

func (c *converter) rel(ns uint64) int64 {
	return (int64(ns) - int64(c.origin)) / int64(time.Microsecond)
}

func (c *converter) relEnd(s *tracepb.Span) *int64 {
	if s.EndTimeUnixNano == 0 {
		return nil
	}
	v := c.rel(s.EndTimeUnixNano)
	return &v
}

func (c *converter) timing(s *tracepb.Span, goid uint32) trace.Timing {
	return trace.Timing{GoID: goid, StartTime: c.rel(s.StartTimeUnixNano), EndTime: c.relEnd(s)}
}

func (c *converter) laneOf(a attrs, owner *trace.Request) uint32 {
	if goid, ok := c.threadLane(a); ok {
		return goid
	}
	return owner.GoID
}

// threadLane maps the span's thread.id to a lane id. Small ids are used as
// is; larger ones get a synthetic lane so distinct threads never share one.
func (c *converter) threadLane(a attrs) (uint32, bool) {
	id, ok := a.num(AttrThreadID)
	if !ok || id < 0 {
		return 0, false
	}
	if id < syntheticGoID {
		return uint32(id), true
	}
	if goid, ok := c.threads[id]; ok {
		return goid, true
	}
	goid := c.nextGoID
	c.nextGoID++
	c.threads[id] = goid
	return goid, true
}

func (c *converter) newRequest(rec *SpanRecord) *trace.Request {
	s := rec.Span
	a := attrs(s.Attributes)

	goid, ok := c.threadLane(a)
	if !ok {
		goid = c.nextGoID
		c.nextGoID++
	}

	req := &trace.Request{
		ID:        SpanID(s.SpanId),
		Type:      requestType(s, a),
		GoID:      goid,
		SvcName:   cmp.Or(a.str(AttrRPCService), rec.Service),
		RPCName:   cmp.Or(a.str(AttrRPCMethod), s.Name),
		StartTime: c.rel(s.StartTimeUnixNano),
		EndTime:   c.relEnd(s),
	}
	req.Err, req.ErrStack = spanError(s)

	loc := trace.Location{
		Filepath:     a.str(AttrCodeFilepath, AttrCodeFilePath),
		SrcLineStart: lineNo(a),
	}
	loc.SrcLineEnd = loc.SrcLineStart

	switch req.Type {
	case trace.RequestAuth:
		loc.Def = &trace.AuthHandlerDef{ServiceName: req.SvcName, Name: req.RPCName}
		if uid := a.str(AttrAuthUserID); uid != "" {
			req.Outputs = append(req.Outputs, []byte(uid))
			if data := a.str(AttrAuthUserData); data != "" {
				req.Outputs = append(req.Outputs, []byte(data))
			}
		}
	case trace.RequestPubSub:
		topic := a.str(AttrMessagingDestination)
		loc.Def = &trace.PubSubSubscriber{
			TopicName:      topic,
			SubscriberName: cmp.Or(a.str(AttrMessagingGroup), s.Name),
		}
		req.MsgID = a.str(AttrMessagingMessageID)
		if n, ok := a.num(AttrPubSubAttempt); ok {
			req.Attempt = int(n)
		}
		if ms, ok := a.num(AttrPubSubPublished); ok {
			req.Published = &ms
		}
		if msg := a.str(AttrPubSubMessage); msg != "" {
			req.Inputs = [][]byte{[]byte(msg)}
		}
	default:
		loc.Def = &trace.RPCDef{ServiceName: req.SvcName, RPCName: req.RPCName}
		if route := a.str(AttrHTTPRoute); route != "" {
			schema := ParseRoute(route)
			c.declare(req.SvcName, req.RPCName, schema)
			for _, v := range MatchPath(schema, a.str(AttrURLPath)) {
				req.Inputs = append(req.Inputs, []byte(v))
			}
		}
		if body := a.str(AttrRequestBody); body != "" {
			req.Inputs = append(req.Inputs, []byte(body))
		}
		if body := a.str(AttrResponseBody); body != "" {
			req.Outputs = [][]byte{[]byte(body)}
		}
	}

	req.DefLoc = c.addLocation(loc)
	return req
}

func requestType(s *tracepb.Span, a attrs) trace.RequestType {
	switch strings.ToLower(a.str(AttrRequestType)) {
	case "auth":
		return trace.RequestAuth
	case "pubsub":
		return trace.RequestPubSub
	case "rpc":
		return trace.RequestRPC
	}
	if s.Kind == tracepb.Span_SPAN_KIND_CONSUMER {
		return trace.RequestPubSub
	}
	return trace.RequestRPC
}

func lineNo(a attrs) int {
	n, _ := a.num(AttrCodeLineno, AttrCodeLine)
	return int(n)
}

func (c *converter) addLocation(loc trace.Location) int32 {
	c.tr.Locations = append(c.tr.Locations, loc)
	return int32(len(c.tr.Locations) - 1)
}

// keyspace returns the location of a cache keyspace, declaring it once.
func (c *converter) keyspace(name string) int32 {
	if idx, ok := c.spaces[name]; ok {
		return idx
	}
	idx := c.addLocation(trace.Location{Def: &trace.CacheKeyspace{VarName: name}})
	c.spaces[name] = idx
	return idx
}

// declare records the route schema of an endpoint in the trace metadata.
func (c *converter) declare(svc, rpc string, path trace.Path) {
	meta := &c.tr.Meta
	for i := range meta.Svcs {
		if meta.Svcs[i].Name != svc {
			continue
		}
		for _, r := range meta.Svcs[i].RPCs {
			if r.Name == rpc {
				return
			}
		}
		meta.Svcs[i].RPCs = append(meta.Svcs[i].RPCs, trace.RPC{Name: rpc, Path: path})
		return
	}
	meta.Svcs = append(meta.Svcs, trace.Service{Name: svc, RPCs: []trace.RPC{{Name: rpc, Path: path}}})
}

func (c *converter) event(rec *SpanRecord, owner *trace.Request, lane uint32) trace.Event {
	s := rec.Span
	a := attrs(s.Attributes)
	id := SpanID(s.SpanId)
	errBytes, _ := spanError(s)
	dbSystem := a.str(AttrDBSystem, AttrDBSystemName)

	switch {
	case c.callee[id] != nil:
		target := c.callee[id]
		return &trace.RPCCall{Timing: c.timing(s, lane), ReqID: target.ID, DefLoc: target.DefLoc, Err: errBytes}

	case a.has(AttrCacheOperation) || isCacheSystem(dbSystem):
		return c.cacheOp(s, a, lane, errBytes)

	case dbSystem != "":
		txid := a.str(AttrDBTxID)
		if queries := c.txQueries(rec, txid, lane); len(queries) > 0 {
			return &trace.DBTransaction{
				Timing:         c.timing(s, lane),
				TxID:           txid,
				CompletionType: a.str(AttrDBCompletion),
				Queries:        queries,
				Err:            errBytes,
			}
		}
		q := c.query(s, a, lane)
		if txid != "" {
			q.TxID = &txid
		}
		return q

	case a.has(AttrHTTPMethod) && s.Kind == tracepb.Span_SPAN_KIND_CLIENT:
		return c.httpCall(s, a, lane, errBytes)

	case s.Kind == tracepb.Span_SPAN_KIND_PRODUCER || isPublish(a.str(AttrMessagingOperation)):
		p := &trace.PubSubPublish{
			Timing:  c.timing(s, lane),
			Topic:   a.str(AttrMessagingDestination),
			Message: []byte(a.str(AttrPubSubMessage)),
			Err:     errBytes,
		}
		if mid := a.str(AttrMessagingMessageID); mid != "" {
			p.MessageID = &mid
		}
		return p
	}
	return nil
}

func (c *converter) query(s *tracepb.Span, a attrs, lane uint32) *trace.DBQuery {
	errBytes, _ := spanError(s)
	return &trace.DBQuery{
		Timing: c.timing(s, lane),
		Query:  []byte(cmp.Or(a.str(AttrDBQueryText, AttrDBStatement), s.Name)),
		Err:    errBytes,
	}
}

// txChildren returns the database child spans of a transaction span.
func (c *converter) txChildren(rec *SpanRecord) []*SpanRecord {
	a := attrs(rec.Span.Attributes)
	if a.str(AttrDBTxID) == "" || a.str(AttrDBSystem, AttrDBSystemName) == "" {
		return nil
	}
	var out []*SpanRecord
	for _, child := range c.children[SpanID(rec.Span.SpanId)] {
		if attrs(child.Span.Attributes).str(AttrDBSystem, AttrDBSystemName) != "" {
			out = append(out, child)
		}
	}
	return out
}

func (c *converter) txQueries(rec *SpanRecord, txid string, lane uint32) []*trace.DBQuery {
	var out []*trace.DBQuery
	for _, child := range c.txChildren(rec) {
		q := c.query(child.Span, attrs(child.Span.Attributes), lane)
		id := txid
		q.TxID = &id
		out = append(out, q)
	}
	return out
}

func (c *converter) cacheOp(s *tracepb.Span, a attrs, lane uint32, errBytes []byte) *trace.CacheOp {
	op := &trace.CacheOp{
		Timing:    c.timing(s, lane),
		Operation: cmp.Or(a.str(AttrCacheOperation, AttrDBOperation), s.Name),
		Keys:      a.strs(AttrCacheKeys),
		Write:     a.flag(AttrCacheWrite),
		DefLoc:    -1,
		Err:       errBytes,
	}
	switch trace.CacheResult(strings.ToUpper(a.str(AttrCacheResult))) {
	case trace.CacheOk:
		op.Result = trace.CacheOk
	case trace.CacheNoSuchKey:
		op.Result = trace.CacheNoSuchKey
	case trace.CacheConflict:
		op.Result = trace.CacheConflict
	case trace.CacheErr:
		op.Result = trace.CacheErr
	default:
		op.Result = trace.CacheOk
		if errBytes != nil {
			op.Result = trace.CacheErr
		}
	}
	if ks := a.str(AttrCacheKeyspace); ks != "" {
		op.DefLoc = c.keyspace(ks)
	}
	return op
}

func (c *converter) httpCall(s *tracepb.Span, a attrs, lane uint32, errBytes []byte) *trace.HTTPCall {
	call := &trace.HTTPCall{
		Timing: c.timing(s, lane),
		Method: a.str(AttrHTTPMethod),
		Host:   a.str(AttrServerAddress),
		Path:   a.str(AttrURLPath),
		URL:    a.str(AttrURLFull),
		Err:    errBytes,
	}
	if code, ok := a.num(AttrHTTPStatusCode); ok {
		call.StatusCode = int(code)
	}
	if u, err := url.Parse(call.URL); err == nil && call.URL != "" {
		call.Host = cmp.Or(call.Host, u.Host)
		call.Path = cmp.Or(call.Path, u.Path)
	}

	m := &call.Metrics
	m.ConnReused = a.flag(AttrHTTPConnReused)
	for _, ev := range s.Events {
		t := c.rel(ev.TimeUnixNano)
		switch ev.Name {
		case EventGotConn:
			m.GotConn = &t
		case EventDNSDone:
			m.DNSDone = &t
		case EventTLSDone:
			m.TLSHandshakeDone = &t
		case EventWroteHeaders:
			m.WroteHeaders = &t
		case EventWroteRequest:
			m.WroteRequest = &t
		case EventFirstResponse:
			m.FirstResponse = &t
		case EventBodyClosed:
			m.BodyClosed = &t
		}
	}
	return call
}

// logs converts the span events of s into log lines on lane.
func (c *converter) logs(s *tracepb.Span, lane uint32) []trace.Event {
	var out []trace.Event
	for _, ev := range s.Events {
		if isMarker(ev.Name) {
			continue
		}
		a := attrs(ev.Attributes)
		msg := &trace.LogMessage{
			GoID:  lane,
			Time:  c.rel(ev.TimeUnixNano),
			Level: logLevel(a.str(AttrLogLevel, "level")),
			Msg:   cmp.Or(a.str(AttrLogMessage, "message"), ev.Name),
		}
		for _, kv := range ev.Attributes {
			switch kv.Key {
			case AttrLogLevel, AttrLogMessage, "level", "message":
				continue
			}
			msg.Fields = append(msg.Fields, trace.LogField{Key: kv.Key, Value: jsonValue(kv.Value)})
		}
		out = append(out, msg)
	}
	return out
}

func isMarker(name string) bool {
	switch name {
	case EventGotConn, EventDNSDone, EventTLSDone, EventWroteHeaders,
		EventWroteRequest, EventFirstResponse, EventBodyClosed, EventException:
		return true
	}
	return false
}

func logLevel(s string) trace.LogLevel {
	switch strings.ToUpper(s) {
	case "TRACE":
		return trace.LevelTrace
	case "DEBUG":
		return trace.LevelDebug
	case "WARN", "WARNING":
		return trace.LevelWarn
	case "ERROR", "FATAL", "PANIC":
		return trace.LevelError
	default:
		return trace.LevelInfo
	}
}

func isCacheSystem(system string) bool {
	switch strings.ToLower(system) {
	case "redis", "memcached", "valkey":
		return true
	}
	return false
}

func isPublish(op string) bool {
	switch strings.ToLower(op) {
	case "publish", "send", "create":
		return true
	}
	return false
}

// spanError returns the error text of a failed span and the stack of its
// recorded exception, if any.
func spanError(s *tracepb.Span) ([]byte, *trace.Stack) {
	var msg string
	var stack *trace.Stack
	for _, ev := range s.Events {
		if ev.Name != EventException {
			continue
		}
		a := attrs(ev.Attributes)
		msg = cmp.Or(msg, a.str(AttrExceptionMessage))
		if st := a.str(AttrExceptionStacktrace); st != "" && stack == nil {
			parsed := ParseStack(st)
			stack = &parsed
		}
	}
	if s.Status == nil || s.Status.Code != tracepb.Status_STATUS_CODE_ERROR {
		return nil, nil
	}
	return []byte(cmp.Or(s.Status.Message, msg, "error")), stack
}

// ParseStack reads a Go-style stack dump: a function line followed by a
// tab-indented "file:line" line per frame.
func ParseStack(dump string) trace.Stack {
	var st trace.Stack
	lines := strings.Split(dump, "\n")
	for i := 0; i+1 < len(lines); i++ {
		fn, loc := lines[i], lines[i+1]
		if strings.HasPrefix(fn, "\t") || !strings.HasPrefix(loc, "\t") {
			continue
		}
		loc = strings.TrimSpace(loc)
		if sp := strings.IndexByte(loc, ' '); sp >= 0 {
			loc = loc[:sp]
		}
		colon := strings.LastIndexByte(loc, ':')
		if colon < 0 {
			continue
		}
		file := loc[:colon]
		line, _ := strconv.Atoi(loc[colon+1:])
		if paren := strings.LastIndexByte(fn, '('); paren > 0 {
			fn = fn[:paren]
		}
		st.Frames = append(st.Frames, trace.StackFrame{Func: fn, Filename: file, Line: line})
		i++
	}
	return st
}

// finalize opens a lane for every goroutine the request's events ran on and
// orders the events by time, spawns first.
func finalize(req *trace.Request) {
	type bounds struct {
		start int64
		end   int64
	}
	seen := map[uint32]*bounds{}
	var order []uint32
	for _, ev := range req.Events {
		goid := ev.Lane()
		if goid == req.GoID {
			continue
		}
		start, end := eventTime(ev), eventTime(ev)
		if t, ok := ev.(trace.Timed); ok {
			if _, e := t.Bounds(); e != nil {
				end = *e
			}
		}
		b, ok := seen[goid]
		if !ok {
			seen[goid] = &bounds{start: start, end: end}
			order = append(order, goid)
			continue
		}
		b.start, b.end = min(b.start, start), max(b.end, end)
	}
	for _, goid := range order {
		b := seen[goid]
		end := b.end
		req.Events = append(req.Events, &trace.Goroutine{
			Timing: trace.Timing{GoID: goid, StartTime: b.start, EndTime: &end},
		})
	}

	slices.SortStableFunc(req.Events, func(a, b trace.Event) int {
		if c := cmp.Compare(eventTime(a), eventTime(b)); c != 0 {
			return c
		}
		return cmp.Compare(spawnRank(a), spawnRank(b))
	})
}

func eventTime(ev trace.Event) int64 {
	switch e := ev.(type) {
	case *trace.LogMessage:
		return e.Time
	case trace.Timed:
		start, _ := e.Bounds()
		return start
	default:
		return 0
	}
}

func spawnRank(ev trace.Event) int {
	if _, ok := ev.(*trace.Goroutine); ok {
		return 0
	}
	return 1
}
