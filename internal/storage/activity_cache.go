package storage

import (
	"sync"
	"sync/atomic"
	"time"

	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

// ActivityCache tracks ingestion counters and recent failures for cheap
// polling, and fans change notifications out to subscribers.
// All counters use atomic operations for lock-free reads.
type ActivityCache struct {
	// Monotonic counters (never reset by Clear)
	spansReceived  atomic.Uint64
	snapshotsAdded atomic.Uint64

	// Generation counter for change detection, bumped on every change.
	generation atomic.Uint64

	recentErrors *RingBuffer[*ErrorEntry]

	subscriberMu     sync.Mutex
	subscribers      map[uint64]chan struct{}
	nextSubscriberID uint64

	startTime time.Time
}

// ErrorEntry captures a failed span for activity tracking.
type ErrorEntry struct {
	TraceID   string `json:"trace_id"`
	SpanID    string `json:"span_id"`
	Service   string `json:"service"`
	SpanName  string `json:"span_name"`
	ErrorMsg  string `json:"error"`
	Timestamp uint64 `json:"timestamp"` // Unix nano
}

// DefaultRecentErrorsCapacity is the number of recent errors to track.
const DefaultRecentErrorsCapacity = 100

// NewActivityCache creates a new activity cache.
func NewActivityCache() *ActivityCache {
	return &ActivityCache{
		recentErrors: NewRingBuffer[*ErrorEntry](DefaultRecentErrorsCapacity),
		subscribers:  make(map[uint64]chan struct{}),
		startTime:    time.Now(),
	}
}

// Subscribe returns a notification channel and an unsubscribe function.
// The channel is buffered with capacity 1 so rapid updates coalesce.
func (h *ActivityCache) Subscribe() (<-chan struct{}, func()) {
	h.subscriberMu.Lock()
	defer h.subscriberMu.Unlock()

	id := h.nextSubscriberID
	h.nextSubscriberID++

	ch := make(chan struct{}, 1)
	h.subscribers[id] = ch

	unsubscribe := func() {
		h.subscriberMu.Lock()
		defer h.subscriberMu.Unlock()
		delete(h.subscribers, id)
	}

	return ch, unsubscribe
}

// notifySubscribers sends a non-blocking signal to all subscriber channels.
func (h *ActivityCache) notifySubscribers() {
	h.subscriberMu.Lock()
	defer h.subscriberMu.Unlock()

	for _, ch := range h.subscribers {
		select {
		case ch <- struct{}{}:
		default:
			// Already pending.
		}
	}
}

// RecordSpans records a received batch of spans.
func (h *ActivityCache) RecordSpans(spans []*StoredSpan) {
	h.spansReceived.Add(uint64(len(spans)))
	for _, span := range spans {
		st := span.Span.Status
		if st == nil || st.Code != tracepb.Status_STATUS_CODE_ERROR {
			continue
		}
		h.recentErrors.Add(&ErrorEntry{
			TraceID:   span.TraceID,
			SpanID:    span.SpanID,
			Service:   span.ServiceName,
			SpanName:  span.SpanName,
			ErrorMsg:  st.Message,
			Timestamp: span.Span.StartTimeUnixNano,
		})
	}
	h.changed()
}

// RecordLogs records a received batch of correlated log records.
func (h *ActivityCache) RecordLogs() {
	h.changed()
}

// RecordSnapshot records a stored trace snapshot.
func (h *ActivityCache) RecordSnapshot() {
	h.snapshotsAdded.Add(1)
	h.changed()
}

func (h *ActivityCache) changed() {
	h.generation.Add(1)
	h.notifySubscribers()
}

// SpansReceived returns the total number of spans received.
func (h *ActivityCache) SpansReceived() uint64 { return h.spansReceived.Load() }

// SnapshotsAdded returns the total number of snapshots stored.
func (h *ActivityCache) SnapshotsAdded() uint64 { return h.snapshotsAdded.Load() }

// Generation returns the current generation counter.
func (h *ActivityCache) Generation() uint64 { return h.generation.Load() }

// UptimeSeconds returns the uptime in seconds.
func (h *ActivityCache) UptimeSeconds() float64 {
	return time.Since(h.startTime).Seconds()
}

// RecentErrors returns the N most recent failed spans.
func (h *ActivityCache) RecentErrors(n int) []*ErrorEntry {
	return h.recentErrors.GetRecent(n)
}

// Clear drops the recent errors and signals subscribers. Counters keep
// counting so pollers can still detect the change.
func (h *ActivityCache) Clear() {
	h.recentErrors.Clear()
	h.changed()
}
