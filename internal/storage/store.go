package storage

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/tobert/tracelanes/internal/otlpconv"
	"github.com/tobert/tracelanes/internal/timeline"
	"github.com/tobert/tracelanes/internal/trace"
)

// Source names where a trace was found.
type Source string

const (
	SourceSnapshot Source = "snapshot"
	SourceOTLP     Source = "otlp"
	SourceArchive  Source = "archive"
)

const (
	DefaultSpanCapacity     = 10_000
	DefaultSnapshotCapacity = 500
)

// Options configures a TraceStore.
type Options struct {
	SpanCapacity     int
	LogCapacity      int
	SnapshotCapacity int
	// Archive, when set, receives every stored snapshot and serves traces
	// no longer held in memory.
	Archive Archive
}

// TraceStore is the single place traces are read from. It holds decoded
// snapshots, raw OTLP spans and log records converted on demand, and an
// optional archive.
type TraceStore struct {
	spans     *SpanStore
	logs      *LogStore
	snapshots *RingBuffer[*trace.Trace]
	activity  *ActivityCache
	archive   Archive

	mu        sync.RWMutex
	byID      map[string]*trace.Trace
	converted map[string]convertedTrace
	touched   map[string]uint64 // trace id -> sequence of last change
	seq       uint64
}

// convertedTrace is a conversion result and the span and log versions it
// was built from.
type convertedTrace struct {
	spans uint64
	logs  uint64
	tr    *trace.Trace
}

// TraceSummary is the listing entry of one trace.
type TraceSummary struct {
	ID       string            `json:"id"`
	Source   Source            `json:"source"`
	Service  string            `json:"service,omitempty"`
	Endpoint string            `json:"endpoint,omitempty"`
	Type     trace.RequestType `json:"type,omitempty"`
	Date     time.Time         `json:"date"`
	Latency  string            `json:"latency,omitempty"`
	Requests int               `json:"requests"`
	Spans    int               `json:"spans,omitempty"`
	Failed   bool              `json:"failed,omitempty"`
	Err      string            `json:"conversion_error,omitempty"`
}

// Stats reports the state of every buffer.
type Stats struct {
	Spans            SpanStats `json:"spans"`
	Logs             LogStats  `json:"logs"`
	Snapshots        int       `json:"snapshots"`
	SnapshotCapacity int       `json:"snapshot_capacity"`
	SpansReceived    uint64    `json:"spans_received"`
	SnapshotsAdded   uint64    `json:"snapshots_added"`
	Generation       uint64    `json:"generation"`
	RecentErrors     int       `json:"recent_errors"`
	Archive          bool      `json:"archive"`
	UptimeSeconds    float64   `json:"uptime_seconds"`
}

// NewTraceStore creates a trace store. Zero capacities take the defaults.
func NewTraceStore(opts Options) *TraceStore {
	s := &TraceStore{
		spans:     NewSpanStore(cmp.Or(opts.SpanCapacity, DefaultSpanCapacity)),
		logs:      NewLogStore(cmp.Or(opts.LogCapacity, DefaultLogCapacity)),
		snapshots: NewRingBuffer[*trace.Trace](cmp.Or(opts.SnapshotCapacity, DefaultSnapshotCapacity)),
		activity:  NewActivityCache(),
		archive:   opts.Archive,
		byID:      make(map[string]*trace.Trace),
		converted: make(map[string]convertedTrace),
		touched:   make(map[string]uint64),
	}
	s.spans.onReceive = s.spansReceived
	s.logs.onReceive = s.logsReceived
	return s
}

// Spans returns the span buffer for receiver integration.
func (s *TraceStore) Spans() *SpanStore { return s.spans }

// Logs returns the log buffer for receiver integration.
func (s *TraceStore) Logs() *LogStore { return s.logs }

// Activity returns the activity cache.
func (s *TraceStore) Activity() *ActivityCache { return s.activity }

// Subscribe returns a channel signalled after every change.
func (s *TraceStore) Subscribe() (<-chan struct{}, func()) {
	return s.activity.Subscribe()
}

func (s *TraceStore) spansReceived(traceIDs []string, spans []*StoredSpan) {
	s.mu.Lock()
	for _, id := range traceIDs {
		s.touch(id)
	}
	s.mu.Unlock()
	s.activity.RecordSpans(spans)
}

func (s *TraceStore) logsReceived(traceIDs []string) {
	s.mu.Lock()
	for _, id := range traceIDs {
		s.touch(id)
	}
	s.mu.Unlock()
	s.activity.RecordLogs()
}

// touch must be called with mu held.
func (s *TraceStore) touch(id string) {
	s.seq++
	s.touched[id] = s.seq
}

// Add stores a decoded snapshot, replacing any earlier snapshot with the
// same id, and archives it when an archive is configured.
func (s *TraceStore) Add(ctx context.Context, tr *trace.Trace) error {
	if tr == nil || tr.ID == "" {
		return fmt.Errorf("trace id is required")
	}

	s.mu.Lock()
	old, evicted := s.snapshots.Add(tr)
	if evicted && s.byID[old.ID] == old {
		delete(s.byID, old.ID)
	}
	s.byID[tr.ID] = tr
	s.touch(tr.ID)
	s.mu.Unlock()

	s.activity.RecordSnapshot()

	if s.archive != nil {
		if err := s.archive.Save(ctx, tr); err != nil {
			return fmt.Errorf("stored trace %s but archiving failed: %w", tr.ID, err)
		}
	}
	return nil
}

// Trace looks a trace up in the snapshots, then the span buffer, then the
// archive. Span-built traces are converted again only after their spans or
// log records change. Log records alone never make a trace.
func (s *TraceStore) Trace(ctx context.Context, id string) (*trace.Trace, Source, error) {
	s.mu.RLock()
	snap := s.byID[id]
	conv, haveConv := s.converted[id]
	s.mu.RUnlock()
	if snap != nil {
		return snap, SourceSnapshot, nil
	}

	if sv := s.spans.Version(id); sv != 0 {
		if haveConv && conv.spans == sv && conv.logs == s.logs.Version(id) {
			return conv.tr, SourceOTLP, nil
		}
		spans, spanVer := s.spans.Records(id)
		logs, logVer := s.logs.Records(id)
		if len(spans) == 0 {
			return nil, "", fmt.Errorf("trace %s: %w", id, ErrTraceNotFound)
		}
		tr, err := otlpconv.Convert(id, spans, logs...)
		if err != nil {
			return nil, SourceOTLP, err
		}
		s.mu.Lock()
		s.converted[id] = convertedTrace{spans: spanVer, logs: logVer, tr: tr}
		s.mu.Unlock()
		return tr, SourceOTLP, nil
	}

	if s.archive != nil {
		tr, err := s.archive.Load(ctx, id)
		if err == nil {
			return tr, SourceArchive, nil
		}
		if !errors.Is(err, ErrTraceNotFound) {
			return nil, SourceArchive, err
		}
	}
	return nil, "", fmt.Errorf("trace %s: %w", id, ErrTraceNotFound)
}

// Request resolves one request of a trace. An empty reqID selects the root.
func (s *TraceStore) Request(ctx context.Context, traceID, reqID string) (*trace.Trace, *trace.Request, Source, error) {
	tr, src, err := s.Trace(ctx, traceID)
	if err != nil {
		return nil, nil, src, err
	}
	if reqID == "" {
		if tr.Root == nil {
			return nil, nil, src, fmt.Errorf("trace %s has no root request: %w", traceID, ErrRequestNotFound)
		}
		return tr, tr.Root, src, nil
	}
	req := tr.FindRequest(reqID)
	if req == nil {
		return nil, nil, src, fmt.Errorf("request %s in trace %s: %w", reqID, traceID, ErrRequestNotFound)
	}
	return tr, req, src, nil
}

// Recent lists up to n traces held in memory, most recently changed first.
// Traces whose spans fail to convert are listed with the conversion error.
func (s *TraceStore) Recent(ctx context.Context, n int) []TraceSummary {
	type entry struct {
		id  string
		seq uint64
	}

	s.mu.Lock()
	entries := make([]entry, 0, len(s.touched))
	for id, seq := range s.touched {
		if s.byID[id] == nil && s.spans.Count(id) == 0 {
			delete(s.touched, id)
			delete(s.converted, id)
			continue
		}
		entries = append(entries, entry{id, seq})
	}
	s.mu.Unlock()

	slices.SortFunc(entries, func(a, b entry) int { return cmp.Compare(b.seq, a.seq) })
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}

	out := make([]TraceSummary, 0, len(entries))
	for _, e := range entries {
		tr, src, err := s.Trace(ctx, e.id)
		if err != nil {
			out = append(out, TraceSummary{ID: e.id, Source: src, Spans: s.spans.Count(e.id), Err: err.Error()})
			continue
		}
		sum := Summarize(tr, src)
		if src == SourceOTLP {
			sum.Spans = s.spans.Count(e.id)
		}
		out = append(out, sum)
	}
	return out
}

// Archived lists up to n archived trace ids, newest first.
func (s *TraceStore) Archived(ctx context.Context, n int) ([]string, error) {
	if s.archive == nil {
		return nil, nil
	}
	return s.archive.List(ctx, n)
}

// Summarize builds the listing entry of a trace.
func Summarize(tr *trace.Trace, src Source) TraceSummary {
	sum := TraceSummary{ID: tr.ID, Source: src, Date: tr.Date}
	if tr.Root == nil {
		return sum
	}
	root := tr.Root
	sum.Service = root.SvcName
	sum.Endpoint = root.RPCName
	sum.Type = root.Type
	sum.Latency = timeline.SpanLatency(tr.Unit, root.StartTime, root.EndTime)
	for _, req := range tr.Requests() {
		sum.Requests++
		if req.Err != nil {
			sum.Failed = true
		}
	}
	return sum
}

// Stats returns current store statistics.
func (s *TraceStore) Stats() Stats {
	s.mu.RLock()
	snapshots := len(s.byID)
	s.mu.RUnlock()

	return Stats{
		Spans:            s.spans.Stats(),
		Logs:             s.logs.Stats(),
		Snapshots:        snapshots,
		SnapshotCapacity: s.snapshots.Capacity(),
		SpansReceived:    s.activity.SpansReceived(),
		SnapshotsAdded:   s.activity.SnapshotsAdded(),
		Generation:       s.activity.Generation(),
		RecentErrors:     len(s.activity.RecentErrors(DefaultRecentErrorsCapacity)),
		Archive:          s.archive != nil,
		UptimeSeconds:    s.activity.UptimeSeconds(),
	}
}

// Clear drops everything held in memory. The archive is left untouched.
func (s *TraceStore) Clear() {
	s.spans.Clear()
	s.logs.Clear()

	s.mu.Lock()
	s.snapshots.Clear()
	s.byID = make(map[string]*trace.Trace)
	s.converted = make(map[string]convertedTrace)
	s.touched = make(map[string]uint64)
	s.mu.Unlock()

	s.activity.Clear()
}

// Close releases the archive connection, if any.
func (s *TraceStore) Close() error {
	if s.archive == nil {
		return nil
	}
	return s.archive.Close()
}

// ReceiveSpans implements otlpreceiver.SpanReceiver by buffering the spans.
func (s *TraceStore) ReceiveSpans(ctx context.Context, resourceSpans []*tracepb.ResourceSpans) error {
	return s.spans.ReceiveSpans(ctx, resourceSpans)
}

// ReceiveLogs implements logsreceiver.LogReceiver by buffering the records.
func (s *TraceStore) ReceiveLogs(ctx context.Context, resourceLogs []*logspb.ResourceLogs) error {
	return s.logs.ReceiveLogs(ctx, resourceLogs)
}
