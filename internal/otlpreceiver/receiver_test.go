package otlpreceiver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	collectorlogs "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tobert/tracelanes/internal/storage"
	"github.com/tobert/tracelanes/internal/trace"
)

// mockReceiver records received spans.
type mockReceiver struct {
	mu    sync.Mutex
	spans []*tracepb.ResourceSpans
	err   error
}

func (m *mockReceiver) ReceiveSpans(ctx context.Context, spans []*tracepb.ResourceSpans) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	m.spans = append(m.spans, spans...)
	return nil
}

func (m *mockReceiver) getSpans() []*tracepb.ResourceSpans {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spans
}

var (
	goodTraceID = []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	goodSpanID  = []byte{1, 2, 3, 4, 5, 6, 7, 8}
)

func testRequest(spans ...*tracepb.Span) *collectortrace.ExportTraceServiceRequest {
	return &collectortrace.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: &resourcepb.Resource{
				Attributes: []*commonpb.KeyValue{{
					Key:   "service.name",
					Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "test-service"}},
				}},
			},
			ScopeSpans: []*tracepb.ScopeSpans{{Spans: spans}},
		}},
	}
}

func testSpan(traceID, spanID []byte, name string) *tracepb.Span {
	now := uint64(time.Now().UnixNano())
	return &tracepb.Span{
		TraceId:           traceID,
		SpanId:            spanID,
		Name:              name,
		Kind:              tracepb.Span_SPAN_KIND_SERVER,
		StartTimeUnixNano: now,
		EndTimeUnixNano:   now + 1000,
	}
}

// startServer starts a server on an ephemeral port and returns a client.
func startServer(t *testing.T, receiver SpanReceiver) (*Server, collectortrace.TraceServiceClient) {
	t.Helper()

	server, err := NewServer(Config{Host: "127.0.0.1", Port: 0}, receiver)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go server.Start(ctx)
	t.Cleanup(func() {
		cancel()
		server.Stop()
	})

	conn, err := grpc.NewClient(server.Endpoint(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("failed to create grpc client: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return server, collectortrace.NewTraceServiceClient(conn)
}

func TestNewServer(t *testing.T) {
	server, err := NewServer(Config{Host: "127.0.0.1", Port: 0}, &mockReceiver{})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	defer server.Stop()

	if server.Endpoint() == "" {
		t.Fatal("endpoint is empty")
	}
}

func TestNewServerNilReceiver(t *testing.T) {
	if _, err := NewServer(Config{Host: "127.0.0.1", Port: 0}, nil); err == nil {
		t.Fatal("expected error for nil receiver, got nil")
	}
}

func TestServerStartStop(t *testing.T) {
	server, err := NewServer(Config{Host: "127.0.0.1", Port: 0}, &mockReceiver{})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start(context.Background())
	}()

	time.Sleep(100 * time.Millisecond)
	server.StopWait()
	server.Stop() // second call is a no-op

	select {
	case err := <-errChan:
		if err != nil {
			t.Logf("Server stopped with error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop in time")
	}
}

func TestServerStopsOnContextCancel(t *testing.T) {
	server, err := NewServer(Config{Host: "127.0.0.1", Port: 0}, &mockReceiver{})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		server.Start(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
}

func TestOTLPExport(t *testing.T) {
	receiver := &mockReceiver{}
	server, client := startServer(t, receiver)

	resp, err := client.Export(context.Background(), testRequest(testSpan(goodTraceID, goodSpanID, "test-span")))
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if resp.PartialSuccess != nil {
		t.Errorf("unexpected partial success %v", resp.PartialSuccess)
	}

	received := receiver.getSpans()
	if len(received) != 1 || len(received[0].ScopeSpans) != 1 {
		t.Fatalf("expected 1 resource with 1 scope, got %v", received)
	}
	if got := received[0].ScopeSpans[0].Spans[0].Name; got != "test-span" {
		t.Errorf("expected span name 'test-span', got %q", got)
	}
	if received[0].Resource == nil || len(received[0].Resource.Attributes) != 1 {
		t.Error("resource attributes must be preserved")
	}
	if server.Accepted() != 1 || server.Rejected() != 0 {
		t.Errorf("unexpected counters %d/%d", server.Accepted(), server.Rejected())
	}
}

func TestOTLPExportRejectsMalformedIDs(t *testing.T) {
	receiver := &mockReceiver{}
	server, client := startServer(t, receiver)

	req := testRequest(
		testSpan(goodTraceID, goodSpanID, "good"),
		testSpan([]byte{1, 2}, goodSpanID, "short-trace"),
		testSpan(goodTraceID, nil, "no-span-id"),
	)
	resp, err := client.Export(context.Background(), req)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if resp.PartialSuccess == nil || resp.PartialSuccess.RejectedSpans != 2 {
		t.Fatalf("expected 2 rejected spans, got %v", resp.PartialSuccess)
	}

	received := receiver.getSpans()
	if len(received) != 1 || len(received[0].ScopeSpans[0].Spans) != 1 {
		t.Fatalf("only the well-formed span should be forwarded, got %v", received)
	}
	if server.Rejected() != 2 {
		t.Errorf("expected 2 rejected, got %d", server.Rejected())
	}
}

func TestOTLPExportAllRejected(t *testing.T) {
	receiver := &mockReceiver{}
	_, client := startServer(t, receiver)

	if _, err := client.Export(context.Background(), testRequest(testSpan(nil, nil, "bad"))); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if len(receiver.getSpans()) != 0 {
		t.Fatal("nothing should reach the receiver")
	}
}

func TestOTLPExportReceiverError(t *testing.T) {
	receiver := &mockReceiver{err: errors.New("disk full")}
	_, client := startServer(t, receiver)

	if _, err := client.Export(context.Background(), testRequest(testSpan(goodTraceID, goodSpanID, "x"))); err == nil {
		t.Fatal("expected the receiver error to surface")
	}
}

func TestOTLPExportIntoTraceStore(t *testing.T) {
	store := storage.NewTraceStore(storage.Options{})
	_, client := startServer(t, store.Spans())

	for i := byte(0); i < 3; i++ {
		traceID := append([]byte{i}, goodTraceID[1:]...)
		if _, err := client.Export(context.Background(), testRequest(testSpan(traceID, goodSpanID, "GET /"))); err != nil {
			t.Fatalf("Export %d failed: %v", i, err)
		}
	}

	recent := store.Recent(context.Background(), 10)
	if len(recent) != 3 {
		t.Fatalf("expected 3 traces, got %d", len(recent))
	}
	for _, sum := range recent {
		if sum.Service != "test-service" || sum.Err != "" {
			t.Errorf("unexpected summary %+v", sum)
		}
	}
}

func TestOTLPLogsOnSamePort(t *testing.T) {
	store := storage.NewTraceStore(storage.Options{})
	server, err := NewServer(Config{Host: "127.0.0.1", Port: 0, Logs: store}, store)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go server.Start(ctx)
	t.Cleanup(func() {
		cancel()
		server.Stop()
	})
	if !server.LogsEnabled() {
		t.Fatal("logs service should be enabled")
	}

	conn, err := grpc.NewClient(server.Endpoint(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("failed to create grpc client: %v", err)
	}
	defer conn.Close()

	if _, err := collectortrace.NewTraceServiceClient(conn).Export(ctx, testRequest(testSpan(goodTraceID, goodSpanID, "GET /"))); err != nil {
		t.Fatalf("trace Export failed: %v", err)
	}
	_, err = collectorlogs.NewLogsServiceClient(conn).Export(ctx, &collectorlogs.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			ScopeLogs: []*logspb.ScopeLogs{{LogRecords: []*logspb.LogRecord{{
				TimeUnixNano: uint64(time.Now().UnixNano()),
				TraceId:      goodTraceID,
				SpanId:       goodSpanID,
				Body:         &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "handled"}},
			}}}},
		}},
	})
	if err != nil {
		t.Fatalf("logs Export failed: %v", err)
	}
	if server.LogsAccepted() != 1 {
		t.Errorf("expected 1 accepted record, got %d", server.LogsAccepted())
	}

	tr, _, err := store.Trace(ctx, fmt.Sprintf("%x", goodTraceID))
	if err != nil {
		t.Fatalf("Trace failed: %v", err)
	}
	found := false
	for _, ev := range tr.Root.Events {
		if l, ok := ev.(*trace.LogMessage); ok && l.Msg == "handled" {
			found = true
		}
	}
	if !found {
		t.Error("log record should appear on the root request")
	}
}

func TestLogsDisabledByDefault(t *testing.T) {
	server, err := NewServer(Config{Host: "127.0.0.1", Port: 0}, &mockReceiver{})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	defer server.Stop()
	if server.LogsEnabled() || server.LogsAccepted() != 0 {
		t.Error("logs service should be off without a log receiver")
	}
}

func TestFilterSpansKeepsScope(t *testing.T) {
	rss := []*tracepb.ResourceSpans{{
		SchemaUrl: "https://opentelemetry.io/schemas/1.26.0",
		ScopeSpans: []*tracepb.ScopeSpans{
			{Scope: &commonpb.InstrumentationScope{Name: "db"}, Spans: []*tracepb.Span{testSpan(goodTraceID, goodSpanID, "q")}},
			{Scope: &commonpb.InstrumentationScope{Name: "empty"}},
		},
	}}

	kept, accepted, rejected := filterSpans(rss)
	if accepted != 1 || rejected != 0 {
		t.Fatalf("unexpected counts %d/%d", accepted, rejected)
	}
	if len(kept) != 1 || len(kept[0].ScopeSpans) != 1 || kept[0].ScopeSpans[0].Scope.Name != "db" {
		t.Fatalf("unexpected result %v", kept)
	}
	if kept[0].SchemaUrl != rss[0].SchemaUrl {
		t.Error("schema url should be preserved")
	}
}
