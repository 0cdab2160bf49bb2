package storage

import (
	"context"
	"slices"
	"sync"

	logspb "go.opentelemetry.io/proto/otlp/logs/v1"

	"github.com/tobert/tracelanes/internal/otlpconv"
)

// DefaultLogCapacity is the number of log records held when unset.
const DefaultLogCapacity = 10_000

// StoredLog wraps a protobuf log record with the fields used for grouping.
type StoredLog struct {
	LogRecord *logspb.LogRecord

	TraceID     string
	SpanID      string
	ServiceName string
}

// LogStore buffers OTLP log records that carry a trace id. Records are
// grouped by trace so conversion can place them on request lanes.
type LogStore struct {
	logs       *RingBuffer[*StoredLog]
	traceIndex map[string][]*StoredLog
	versions   map[string]uint64
	seq        uint64
	mu         sync.RWMutex

	onReceive func(traceIDs []string)
}

// NewLogStore creates a log store holding at most capacity records.
func NewLogStore(capacity int) *LogStore {
	return &LogStore{
		logs:       NewRingBuffer[*StoredLog](capacity),
		traceIndex: make(map[string][]*StoredLog),
		versions:   make(map[string]uint64),
	}
}

// ReceiveLogs implements logsreceiver.LogReceiver. Records without a trace
// id cannot be correlated and are skipped.
func (s *LogStore) ReceiveLogs(ctx context.Context, resourceLogs []*logspb.ResourceLogs) error {
	var touched []string
	for _, rec := range otlpconv.FlattenLogs(resourceLogs) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(rec.Log.TraceId) == 0 {
			continue
		}
		stored := &StoredLog{
			LogRecord:   rec.Log,
			TraceID:     otlpconv.SpanID(rec.Log.TraceId),
			SpanID:      otlpconv.SpanID(rec.Log.SpanId),
			ServiceName: rec.Service,
		}
		s.add(stored)
		if !slices.Contains(touched, stored.TraceID) {
			touched = append(touched, stored.TraceID)
		}
	}

	if s.onReceive != nil && len(touched) > 0 {
		s.onReceive(touched)
	}
	return nil
}

func (s *LogStore) add(log *StoredLog) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, evicted := s.logs.Add(log)
	if evicted {
		list := s.traceIndex[old.TraceID]
		if i := slices.Index(list, old); i >= 0 {
			list = slices.Delete(list, i, i+1)
		}
		if len(list) == 0 {
			delete(s.traceIndex, old.TraceID)
			delete(s.versions, old.TraceID)
		} else {
			s.traceIndex[old.TraceID] = list
			s.seq++
			s.versions[old.TraceID] = s.seq
		}
	}
	s.traceIndex[log.TraceID] = append(s.traceIndex[log.TraceID], log)
	s.seq++
	s.versions[log.TraceID] = s.seq
}

// Records returns the log records of a trace ready for otlpconv.Convert,
// along with the version they were read at.
func (s *LogStore) Records(traceID string) ([]otlpconv.LogRecord, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := s.traceIndex[traceID]
	if len(logs) == 0 {
		return nil, 0
	}
	out := make([]otlpconv.LogRecord, len(logs))
	for i, l := range logs {
		out[i] = otlpconv.LogRecord{Service: l.ServiceName, Log: l.LogRecord}
	}
	return out, s.versions[traceID]
}

// Version changes whenever records of the trace are added or evicted.
func (s *LogStore) Version(traceID string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[traceID]
}

// Count returns the number of buffered records of a trace.
func (s *LogStore) Count(traceID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.traceIndex[traceID])
}

// Stats returns current log buffer statistics.
func (s *LogStore) Stats() LogStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return LogStats{
		LogCount:   s.logs.Size(),
		Capacity:   s.logs.Capacity(),
		TraceCount: len(s.traceIndex),
		Received:   s.logs.Total(),
	}
}

// Clear removes all buffered records.
func (s *LogStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs.Clear()
	s.traceIndex = make(map[string][]*StoredLog)
	clear(s.versions)
}

// LogStats contains statistics about the log buffer.
type LogStats struct {
	LogCount   int    `json:"log_count"`
	Capacity   int    `json:"capacity"`
	TraceCount int    `json:"trace_count"`
	Received   uint64 `json:"received"`
}
