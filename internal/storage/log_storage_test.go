package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/tobert/tracelanes/internal/timeline"
)

func makeTestLogs(traceID, spanID []byte, bodies ...string) []*logspb.ResourceLogs {
	now := uint64(time.Now().UnixNano())
	var records []*logspb.LogRecord
	for _, body := range bodies {
		records = append(records, &logspb.LogRecord{
			ObservedTimeUnixNano: now,
			TraceId:              traceID,
			SpanId:               spanID,
			SeverityText:         "INFO",
			Body:                 &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: body}},
		})
	}
	return []*logspb.ResourceLogs{{ScopeLogs: []*logspb.ScopeLogs{{LogRecords: records}}}}
}

func TestLogStoreGroupsByTrace(t *testing.T) {
	store := NewLogStore(10)
	ctx := context.Background()

	store.ReceiveLogs(ctx, makeTestLogs(traceBytes(1), spanBytes(1), "a", "b"))
	store.ReceiveLogs(ctx, makeTestLogs(traceBytes(2), spanBytes(2), "c"))
	store.ReceiveLogs(ctx, makeTestLogs(nil, nil, "uncorrelated"))

	a := fmt.Sprintf("%x", traceBytes(1))
	if got := store.Count(a); got != 2 {
		t.Errorf("expected 2 records for trace 1, got %d", got)
	}
	if records, _ := store.Records(a); len(records) != 2 {
		t.Errorf("expected 2 converted records, got %d", len(records))
	}

	stats := store.Stats()
	if stats.LogCount != 3 || stats.TraceCount != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestLogStoreEvictionPrunesIndex(t *testing.T) {
	store := NewLogStore(2)
	ctx := context.Background()

	store.ReceiveLogs(ctx, makeTestLogs(traceBytes(1), nil, "old"))
	store.ReceiveLogs(ctx, makeTestLogs(traceBytes(2), nil, "x", "y"))

	if got := store.Count(fmt.Sprintf("%x", traceBytes(1))); got != 0 {
		t.Errorf("evicted trace should have no records, got %d", got)
	}
	if got := store.Stats().TraceCount; got != 1 {
		t.Errorf("expected 1 indexed trace, got %d", got)
	}
}

func TestLogStoreClear(t *testing.T) {
	store := NewLogStore(10)
	store.ReceiveLogs(context.Background(), makeTestLogs(traceBytes(1), nil, "a"))
	store.Clear()

	if stats := store.Stats(); stats.LogCount != 0 || stats.TraceCount != 0 {
		t.Errorf("expected empty store after Clear, got %+v", stats)
	}
}

func TestTraceStoreAttachesLogs(t *testing.T) {
	store := NewTraceStore(Options{})
	ctx := context.Background()
	id := fmt.Sprintf("%x", traceBytes(3))

	store.ReceiveLogs(ctx, makeTestLogs(traceBytes(3), spanBytes(1), "early"))
	if _, _, err := store.Trace(ctx, id); err == nil {
		t.Fatal("log records alone should not make a trace")
	}

	store.ReceiveSpans(ctx, []*tracepb.ResourceSpans{makeTestSpan(traceBytes(3), spanBytes(1), "frontend", "GET /")})
	tr, src, err := store.Trace(ctx, id)
	if err != nil {
		t.Fatalf("Trace failed: %v", err)
	}
	if src != SourceOTLP {
		t.Errorf("expected otlp source, got %s", src)
	}
	if logs := timeline.Classify(tr.Root.Events).Logs; len(logs) != 1 || logs[0].Msg != "early" {
		t.Fatalf("expected the early record on the root, got %+v", logs)
	}

	store.ReceiveLogs(ctx, makeTestLogs(traceBytes(3), spanBytes(1), "late"))
	updated, _, _ := store.Trace(ctx, id)
	if updated == tr {
		t.Fatal("new log records should trigger a fresh conversion")
	}
	if logs := timeline.Classify(updated.Root.Events).Logs; len(logs) != 2 {
		t.Errorf("expected 2 log lines, got %d", len(logs))
	}

	if got := store.Stats().Logs.LogCount; got != 2 {
		t.Errorf("expected 2 buffered records, got %d", got)
	}
}
