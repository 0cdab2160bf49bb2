package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/tobert/tracelanes/internal/trace"
)

// memArchive is an in-memory Archive for tests.
type memArchive struct {
	mu      sync.Mutex
	traces  map[string]*trace.Trace
	order   []string
	saveErr error
	closed  bool
}

func newMemArchive() *memArchive {
	return &memArchive{traces: make(map[string]*trace.Trace)}
}

func (m *memArchive) Save(ctx context.Context, tr *trace.Trace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.traces[tr.ID] = tr
	m.order = append(m.order, tr.ID)
	return nil
}

func (m *memArchive) Load(ctx context.Context, id string) (*trace.Trace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.traces[id]
	if !ok {
		return nil, fmt.Errorf("trace %s: %w", id, ErrTraceNotFound)
	}
	return tr, nil
}

func (m *memArchive) List(ctx context.Context, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.order[i])
	}
	return out, nil
}

func (m *memArchive) Close() error {
	m.closed = true
	return nil
}

func snapshot(id string) *trace.Trace {
	end := int64(250)
	return &trace.Trace{
		ID:   id,
		Date: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Root: &trace.Request{
			ID:      id + "-root",
			Type:    trace.RequestRPC,
			SvcName: "users",
			RPCName: "Get",
			EndTime: &end,
			Children: []*trace.Request{
				{ID: id + "-child", SvcName: "billing", RPCName: "Charge", Err: []byte("declined")},
			},
		},
	}
}

func TestTraceStoreSnapshots(t *testing.T) {
	store := NewTraceStore(Options{SnapshotCapacity: 2})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := store.Add(ctx, snapshot(id)); err != nil {
			t.Fatalf("Add(%s) failed: %v", id, err)
		}
	}

	if _, _, err := store.Trace(ctx, "a"); !errors.Is(err, ErrTraceNotFound) {
		t.Fatalf("evicted snapshot should be gone, got %v", err)
	}
	tr, src, err := store.Trace(ctx, "c")
	if err != nil || src != SourceSnapshot || tr.ID != "c" {
		t.Fatalf("expected snapshot c, got %v %s %v", tr, src, err)
	}

	if stats := store.Stats(); stats.Snapshots != 2 || stats.SnapshotsAdded != 3 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestTraceStoreReplaceSnapshot(t *testing.T) {
	store := NewTraceStore(Options{SnapshotCapacity: 2})
	ctx := context.Background()

	store.Add(ctx, snapshot("a"))
	replacement := snapshot("a")
	replacement.Root.SvcName = "v2"
	store.Add(ctx, replacement)
	store.Add(ctx, snapshot("b"))

	tr, _, err := store.Trace(ctx, "a")
	if err != nil {
		t.Fatalf("replacement must survive eviction of the original: %v", err)
	}
	if tr.Root.SvcName != "v2" {
		t.Errorf("expected the replacement, got %s", tr.Root.SvcName)
	}
}

func TestTraceStoreRejectsMissingID(t *testing.T) {
	store := NewTraceStore(Options{})
	if err := store.Add(context.Background(), &trace.Trace{}); err == nil {
		t.Fatal("expected an error for a trace without id")
	}
	if err := store.Add(context.Background(), nil); err == nil {
		t.Fatal("expected an error for a nil trace")
	}
}

func TestTraceStoreConvertsSpans(t *testing.T) {
	store := NewTraceStore(Options{})
	ctx := context.Background()

	rs := makeTestSpan(traceBytes(7), spanBytes(1), "frontend", "GET /")
	if err := store.Spans().ReceiveSpans(ctx, []*tracepb.ResourceSpans{rs}); err != nil {
		t.Fatalf("ReceiveSpans failed: %v", err)
	}

	id := fmt.Sprintf("%x", traceBytes(7))
	tr, src, err := store.Trace(ctx, id)
	if err != nil {
		t.Fatalf("Trace failed: %v", err)
	}
	if src != SourceOTLP {
		t.Errorf("expected otlp source, got %s", src)
	}
	if tr.Root == nil || tr.Root.SvcName != "frontend" {
		t.Fatalf("unexpected root %+v", tr.Root)
	}

	again, _, _ := store.Trace(ctx, id)
	if again != tr {
		t.Error("an unchanged trace should not be converted twice")
	}

	store.Spans().ReceiveSpans(ctx, []*tracepb.ResourceSpans{makeTestSpan(traceBytes(7), spanBytes(2), "frontend", "GET /b")})
	updated, _, _ := store.Trace(ctx, id)
	if updated == tr {
		t.Error("new spans should trigger a fresh conversion")
	}
}

func TestTraceStoreReconvertsAfterEviction(t *testing.T) {
	store := NewTraceStore(Options{SpanCapacity: 2})
	ctx := context.Background()
	id := fmt.Sprintf("%x", traceBytes(7))

	for i := byte(1); i <= 2; i++ {
		store.ReceiveSpans(ctx, []*tracepb.ResourceSpans{makeTestSpan(traceBytes(7), spanBytes(i), "frontend", fmt.Sprintf("GET /%d", i))})
	}
	before, _, err := store.Trace(ctx, id)
	if err != nil {
		t.Fatalf("Trace failed: %v", err)
	}
	if before.FindRequest("0000000000000001") == nil {
		t.Fatal("first span should be a request before eviction")
	}

	// Same span count, different spans.
	store.ReceiveSpans(ctx, []*tracepb.ResourceSpans{makeTestSpan(traceBytes(7), spanBytes(3), "frontend", "GET /3")})
	if got := store.Spans().Count(id); got != 2 {
		t.Fatalf("expected 2 buffered spans, got %d", got)
	}

	after, _, err := store.Trace(ctx, id)
	if err != nil {
		t.Fatalf("Trace failed: %v", err)
	}
	if after == before {
		t.Fatal("an eviction within the trace must invalidate the conversion")
	}
	if after.FindRequest("0000000000000001") != nil {
		t.Error("evicted span is still a request")
	}
	if after.FindRequest("0000000000000003") == nil {
		t.Error("new span is missing from the conversion")
	}
}

func TestSpanStoreVersionChangesOnEviction(t *testing.T) {
	ss := NewSpanStore(2)
	ctx := context.Background()
	id := fmt.Sprintf("%x", traceBytes(1))
	other := fmt.Sprintf("%x", traceBytes(2))

	ss.ReceiveSpans(ctx, []*tracepb.ResourceSpans{makeTestSpan(traceBytes(1), spanBytes(1), "svc", "a")})
	ss.ReceiveSpans(ctx, []*tracepb.ResourceSpans{makeTestSpan(traceBytes(1), spanBytes(2), "svc", "b")})
	v := ss.Version(id)

	ss.ReceiveSpans(ctx, []*tracepb.ResourceSpans{makeTestSpan(traceBytes(2), spanBytes(3), "svc", "c")})
	if got := ss.Version(id); got == v || got == 0 {
		t.Errorf("evicting a span of the trace should bump its version, %d -> %d", v, got)
	}

	ss.ReceiveSpans(ctx, []*tracepb.ResourceSpans{makeTestSpan(traceBytes(2), spanBytes(4), "svc", "d")})
	if got := ss.Version(id); got != 0 {
		t.Errorf("fully evicted trace should have version 0, got %d", got)
	}
	if ss.Version(other) == 0 {
		t.Error("live trace should have a version")
	}
}

func TestTraceStoreRecent(t *testing.T) {
	store := NewTraceStore(Options{})
	ctx := context.Background()

	store.Add(ctx, snapshot("first"))
	store.Spans().ReceiveSpans(ctx, []*tracepb.ResourceSpans{makeTestSpan(traceBytes(1), spanBytes(1), "frontend", "GET /")})
	store.Add(ctx, snapshot("last"))

	recent := store.Recent(ctx, 10)
	if len(recent) != 3 {
		t.Fatalf("expected 3 traces, got %d", len(recent))
	}
	if recent[0].ID != "last" || recent[2].ID != "first" {
		t.Errorf("expected most recent first, got %s..%s", recent[0].ID, recent[2].ID)
	}
	if recent[1].Source != SourceOTLP || recent[1].Spans != 1 {
		t.Errorf("unexpected otlp summary %+v", recent[1])
	}

	last := recent[0]
	if last.Service != "users" || last.Endpoint != "Get" || last.Requests != 2 || !last.Failed {
		t.Errorf("unexpected summary %+v", last)
	}
	if last.Latency != "250ms" {
		t.Errorf("expected 250ms latency, got %s", last.Latency)
	}

	if got := store.Recent(ctx, 1); len(got) != 1 || got[0].ID != "last" {
		t.Errorf("limit not applied: %+v", got)
	}
}

func TestTraceStoreArchive(t *testing.T) {
	archive := newMemArchive()
	store := NewTraceStore(Options{SnapshotCapacity: 1, Archive: archive})
	ctx := context.Background()

	store.Add(ctx, snapshot("old"))
	store.Add(ctx, snapshot("new"))

	tr, src, err := store.Trace(ctx, "old")
	if err != nil {
		t.Fatalf("expected archived trace, got %v", err)
	}
	if src != SourceArchive || tr.ID != "old" {
		t.Errorf("expected archive source, got %s", src)
	}

	ids, err := store.Archived(ctx, 10)
	if err != nil || len(ids) != 2 || ids[0] != "new" {
		t.Errorf("unexpected archive listing %v (%v)", ids, err)
	}

	store.Close()
	if !archive.closed {
		t.Error("Close should close the archive")
	}
}

func TestTraceStoreArchiveFailure(t *testing.T) {
	archive := newMemArchive()
	archive.saveErr = errors.New("connection refused")
	store := NewTraceStore(Options{Archive: archive})
	ctx := context.Background()

	if err := store.Add(ctx, snapshot("a")); err == nil {
		t.Fatal("expected the archive error")
	}
	if _, _, err := store.Trace(ctx, "a"); err != nil {
		t.Errorf("trace should still be held in memory: %v", err)
	}
}

func TestTraceStoreSubscribe(t *testing.T) {
	store := NewTraceStore(Options{})
	ch, unsubscribe := store.Subscribe()
	defer unsubscribe()

	store.Add(context.Background(), snapshot("a"))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a change notification")
	}
}

func TestTraceStoreClear(t *testing.T) {
	store := NewTraceStore(Options{})
	ctx := context.Background()
	store.Add(ctx, snapshot("a"))
	store.Spans().ReceiveSpans(ctx, []*tracepb.ResourceSpans{makeTestSpan(traceBytes(1), spanBytes(1), "svc", "x")})

	store.Clear()

	if got := store.Recent(ctx, 10); len(got) != 0 {
		t.Fatalf("expected nothing after clear, got %d traces", len(got))
	}
	stats := store.Stats()
	if stats.Snapshots != 0 || stats.Spans.SpanCount != 0 {
		t.Errorf("unexpected stats after clear %+v", stats)
	}
	if stats.SpansReceived != 1 {
		t.Errorf("received counters survive clear, got %d", stats.SpansReceived)
	}
}

func TestTraceStoreRequest(t *testing.T) {
	store := NewTraceStore(Options{})
	ctx := context.Background()
	store.Add(ctx, snapshot("r"))

	_, root, src, err := store.Request(ctx, "r", "")
	if err != nil || root.ID != "r-root" || src != SourceSnapshot {
		t.Fatalf("expected the root, got %v %v (%v)", root, src, err)
	}

	_, child, _, err := store.Request(ctx, "r", "r-child")
	if err != nil || child.SvcName != "billing" {
		t.Fatalf("expected the child, got %v (%v)", child, err)
	}

	if _, _, _, err := store.Request(ctx, "r", "nope"); !errors.Is(err, ErrRequestNotFound) {
		t.Errorf("expected ErrRequestNotFound, got %v", err)
	}
	if _, _, _, err := store.Request(ctx, "missing", ""); !errors.Is(err, ErrTraceNotFound) {
		t.Errorf("expected ErrTraceNotFound, got %v", err)
	}

	store.Add(ctx, &trace.Trace{ID: "rootless"})
	if _, _, _, err := store.Request(ctx, "rootless", ""); !errors.Is(err, ErrRequestNotFound) {
		t.Errorf("expected ErrRequestNotFound for a rootless trace, got %v", err)
	}
}
