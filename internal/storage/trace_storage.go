package storage

import (
	"context"
	"slices"
	"sync"

	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/tobert/tracelanes/internal/otlpconv"
)

// StoredSpan wraps a protobuf span with the fields used for grouping.
type StoredSpan struct {
	Span *tracepb.Span

	TraceID     string
	SpanID      string
	ServiceName string
	SpanName    string
}

// SpanStore buffers raw OTLP spans and groups them by trace id.
// It implements the otlpreceiver.SpanReceiver interface.
type SpanStore struct {
	spans      *RingBuffer[*StoredSpan]
	traceIndex map[string][]*StoredSpan // trace_id -> spans, oldest first
	versions   map[string]uint64        // trace_id -> sequence of last change
	seq        uint64
	mu         sync.RWMutex // protects traceIndex, versions and seq

	// onReceive is called with the trace ids touched by each batch.
	onReceive func(traceIDs []string, spans []*StoredSpan)
}

// NewSpanStore creates a span store holding at most capacity spans.
func NewSpanStore(capacity int) *SpanStore {
	return &SpanStore{
		spans:      NewRingBuffer[*StoredSpan](capacity),
		traceIndex: make(map[string][]*StoredSpan),
		versions:   make(map[string]uint64),
	}
}

// ReceiveSpans implements otlpreceiver.SpanReceiver.
func (s *SpanStore) ReceiveSpans(ctx context.Context, resourceSpans []*tracepb.ResourceSpans) error {
	var touched []string
	var batch []*StoredSpan
	for _, rec := range otlpconv.Flatten(resourceSpans) {
		if err := ctx.Err(); err != nil {
			return err
		}
		stored := &StoredSpan{
			Span:        rec.Span,
			TraceID:     otlpconv.SpanID(rec.Span.TraceId),
			SpanID:      otlpconv.SpanID(rec.Span.SpanId),
			ServiceName: rec.Service,
			SpanName:    rec.Span.Name,
		}
		s.add(stored)
		batch = append(batch, stored)
		if !slices.Contains(touched, stored.TraceID) {
			touched = append(touched, stored.TraceID)
		}
	}

	if s.onReceive != nil && len(batch) > 0 {
		s.onReceive(touched, batch)
	}
	return nil
}

// add stores a span and keeps the trace index in step with the ring buffer:
// a span pushed out of the buffer is also dropped from its trace. Both
// traces get a new version.
func (s *SpanStore) add(span *StoredSpan) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, evicted := s.spans.Add(span)
	if evicted {
		s.unindex(old)
	}
	s.traceIndex[span.TraceID] = append(s.traceIndex[span.TraceID], span)
	s.seq++
	s.versions[span.TraceID] = s.seq
}

func (s *SpanStore) unindex(span *StoredSpan) {
	list := s.traceIndex[span.TraceID]
	if i := slices.Index(list, span); i >= 0 {
		list = slices.Delete(list, i, i+1)
	}
	if len(list) == 0 {
		delete(s.traceIndex, span.TraceID)
		delete(s.versions, span.TraceID)
		return
	}
	s.traceIndex[span.TraceID] = list
	s.seq++
	s.versions[span.TraceID] = s.seq
}

// Spans returns all buffered spans of a trace, or nil.
func (s *SpanStore) Spans(traceID string) []*StoredSpan {
	s.mu.RLock()
	defer s.mu.RUnlock()

	spans := s.traceIndex[traceID]
	if len(spans) == 0 {
		return nil
	}
	return slices.Clone(spans)
}

// Records returns the spans of a trace ready for otlpconv.Convert, along
// with the version they were read at.
func (s *SpanStore) Records(traceID string) ([]otlpconv.SpanRecord, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	spans := s.traceIndex[traceID]
	if len(spans) == 0 {
		return nil, 0
	}
	out := make([]otlpconv.SpanRecord, len(spans))
	for i, sp := range spans {
		out[i] = otlpconv.SpanRecord{Service: sp.ServiceName, Span: sp.Span}
	}
	return out, s.versions[traceID]
}

// Version returns a value that changes whenever spans of the trace are
// added or evicted. It is 0 for a trace with no buffered spans.
func (s *SpanStore) Version(traceID string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[traceID]
}

// Count returns the number of buffered spans of a trace.
func (s *SpanStore) Count(traceID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.traceIndex[traceID])
}

// TraceIDs returns the ids of every trace with buffered spans.
func (s *SpanStore) TraceIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.traceIndex))
	for id := range s.traceIndex {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Stats returns current span buffer statistics.
func (s *SpanStore) Stats() SpanStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return SpanStats{
		SpanCount:  s.spans.Size(),
		Capacity:   s.spans.Capacity(),
		TraceCount: len(s.traceIndex),
		Received:   s.spans.Total(),
	}
}

// Clear removes all buffered spans.
func (s *SpanStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.spans.Clear()
	s.traceIndex = make(map[string][]*StoredSpan)
	clear(s.versions)
}

// SpanStats contains statistics about the span buffer.
type SpanStats struct {
	SpanCount  int    `json:"span_count"`  // spans currently buffered
	Capacity   int    `json:"capacity"`    // maximum spans buffered
	TraceCount int    `json:"trace_count"` // distinct traces with buffered spans
	Received   uint64 `json:"received"`    // spans ever received
}
