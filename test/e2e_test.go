package test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	collectorlogs "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tobert/tracelanes/internal/mcpserver"
	"github.com/tobert/tracelanes/internal/otlpreceiver"
	"github.com/tobert/tracelanes/internal/storage"
	"github.com/tobert/tracelanes/internal/timeline"
	"github.com/tobert/tracelanes/internal/trace"
)

// startReceiver runs an OTLP receiver for traces and logs over a fresh store.
func startReceiver(t *testing.T) (*storage.TraceStore, *otlpreceiver.Server) {
	t.Helper()

	store := storage.NewTraceStore(storage.Options{SpanCapacity: 1000})
	server, err := otlpreceiver.NewServer(otlpreceiver.Config{Host: "127.0.0.1", Port: 0, Logs: store}, store)
	if err != nil {
		t.Fatalf("failed to create OTLP server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := server.Start(ctx); err != nil {
			t.Logf("OTLP server stopped: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		server.Stop()
	})
	t.Logf("OTLP server listening on %s", server.Endpoint())
	return store, server
}

// sendCheckout records an order lookup with the OpenTelemetry SDK: a
// server span on lane 1 and a database query on lane 2.
func sendCheckout(t *testing.T, endpoint string) oteltrace.SpanContext {
	t.Helper()
	ctx := context.Background()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		t.Fatalf("failed to create exporter: %v", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", "e2e-shop"))),
	)
	defer tp.Shutdown(ctx)
	tracer := tp.Tracer("e2e")

	ctx, root := tracer.Start(ctx, "GET /orders/:id",
		oteltrace.WithSpanKind(oteltrace.SpanKindServer),
		oteltrace.WithAttributes(
			attribute.Int("thread.id", 1),
			attribute.String("rpc.service", "orders"),
			attribute.String("rpc.method", "Get"),
			attribute.String("http.route", "/orders/:id"),
			attribute.String("url.path", "/orders/7"),
			attribute.String("tracelanes.response.body", `{"id":7}`),
		),
	)
	root.AddEvent("log", oteltrace.WithAttributes(
		attribute.String("log.severity", "info"),
		attribute.String("log.message", "loading order"),
	))

	_, query := tracer.Start(ctx, "SELECT orders",
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			attribute.Int("thread.id", 2),
			attribute.String("db.system", "postgresql"),
			attribute.String("db.query.text", "SELECT * FROM orders WHERE id = $1"),
		),
	)
	time.Sleep(2 * time.Millisecond)
	query.End()
	root.End()

	if err := tp.ForceFlush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	return root.SpanContext()
}

// sendLog exports one log record emitted inside the root span.
func sendLog(t *testing.T, endpoint string, sc oteltrace.SpanContext, body string) {
	t.Helper()

	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("failed to create grpc client: %v", err)
	}
	defer conn.Close()

	traceID, spanID := sc.TraceID(), sc.SpanID()
	_, err = collectorlogs.NewLogsServiceClient(conn).Export(context.Background(), &collectorlogs.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			ScopeLogs: []*logspb.ScopeLogs{{LogRecords: []*logspb.LogRecord{{
				TimeUnixNano:   uint64(time.Now().UnixNano()),
				TraceId:        traceID[:],
				SpanId:         spanID[:],
				SeverityNumber: logspb.SeverityNumber_SEVERITY_NUMBER_WARN,
				Body:           &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: body}},
			}}}},
		}},
	})
	if err != nil {
		t.Fatalf("failed to export log: %v", err)
	}
}

// TestEndToEnd verifies the complete workflow:
// 1. Start the OTLP receiver over a trace store
// 2. Send a trace with the OpenTelemetry SDK and a correlated log record
// 3. Rebuild the request timeline from the store
// 4. Query the same trace through MCP tools
func TestEndToEnd(t *testing.T) {
	store, server := startReceiver(t)
	sc := sendCheckout(t, server.Endpoint())
	sendLog(t, server.Endpoint(), sc, "cache cold")
	traceID := sc.TraceID().String()

	ctx := context.Background()
	tr, src, err := store.Trace(ctx, traceID)
	if err != nil {
		t.Fatalf("trace not found after export: %v", err)
	}
	if src != storage.SourceOTLP {
		t.Errorf("expected otlp source, got %s", src)
	}
	if tr.Root == nil || tr.Root.SvcName != "orders" || tr.Root.RPCName != "Get" {
		t.Fatalf("unexpected root %+v", tr.Root)
	}

	events := timeline.Classify(tr.Root.Events)
	if len(events.Queries) != 1 || events.Queries[0].GoID != 2 {
		t.Fatalf("expected one query on lane 2, got %+v", events.Queries)
	}
	if len(events.Logs) != 2 {
		t.Fatalf("expected span event and log record, got %d logs", len(events.Logs))
	}
	var warned bool
	for _, l := range events.Logs {
		if l.Msg == "cache cold" && l.Level == trace.LevelWarn && l.GoID == 1 {
			warned = true
		}
	}
	if !warned {
		t.Error("log record should land on the root lane at warn level")
	}

	model, err := timeline.Build(tr, tr.Root)
	if err != nil {
		t.Fatalf("timeline build failed: %v", err)
	}
	if len(model.Lanes) != 2 {
		t.Fatalf("expected 2 lanes, got %d", len(model.Lanes))
	}
	for _, lane := range model.Lanes {
		p := lane.Placement
		if p.Start < 0 || p.End > 100 || p.Start > p.End {
			t.Errorf("lane g%d placed outside the request: %+v", lane.GoID, p)
		}
	}
	if model.Summary.DBQueries != 1 {
		t.Errorf("expected 1 query in the summary, got %d", model.Summary.DBQueries)
	}

	stats := store.Stats()
	if stats.Spans.SpanCount != 2 || stats.Logs.LogCount != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if server.Accepted() != 2 || server.LogsAccepted() != 1 {
		t.Errorf("unexpected receiver counters %d/%d", server.Accepted(), server.LogsAccepted())
	}

	t.Run("mcp", func(t *testing.T) {
		session := connectMCP(t, store, server)

		var list struct {
			Traces []storage.TraceSummary `json:"traces"`
		}
		callTool(t, session, "list_traces", map[string]any{}, &list)
		if len(list.Traces) != 1 || list.Traces[0].ID != traceID {
			t.Fatalf("expected the exported trace, got %+v", list.Traces)
		}

		var tl struct {
			Source   storage.Source `json:"source"`
			Timeline struct {
				Lanes []struct {
					GoID uint32 `json:"goid"`
				} `json:"lanes"`
				Logs []timeline.LogLine `json:"logs"`
			} `json:"timeline"`
			Rendered string `json:"rendered"`
		}
		callTool(t, session, "get_timeline", map[string]any{"trace_id": traceID}, &tl)
		if tl.Source != storage.SourceOTLP || len(tl.Timeline.Lanes) != 2 || len(tl.Timeline.Logs) != 2 {
			t.Fatalf("unexpected timeline %+v", tl)
		}
		if !strings.Contains(tl.Rendered, "g2:0") {
			t.Errorf("rendered timeline should list the query bar:\n%s", tl.Rendered)
		}

		var bar struct {
			Detail struct {
				Kind trace.EventKind `json:"kind"`
			} `json:"detail"`
		}
		callTool(t, session, "get_event_detail", map[string]any{"trace_id": traceID, "goid": 2, "bar": 0}, &bar)
		if bar.Detail.Kind != trace.KindDBQuery {
			t.Errorf("expected a query tooltip, got %q", bar.Detail.Kind)
		}
	})
}

// TestMultipleTraces tests handling of several traces across exports.
func TestMultipleTraces(t *testing.T) {
	store, server := startReceiver(t)

	ids := map[string]bool{}
	for range 5 {
		ids[sendCheckout(t, server.Endpoint()).TraceID().String()] = true
	}

	recent := store.Recent(context.Background(), 10)
	if len(recent) != 5 {
		t.Fatalf("expected 5 traces, got %d", len(recent))
	}
	for _, sum := range recent {
		if !ids[sum.ID] {
			t.Errorf("unexpected trace %s", sum.ID)
		}
		if sum.Service != "orders" || sum.Err != "" {
			t.Errorf("unexpected summary %+v", sum)
		}
	}
	if got := store.Stats().Spans.TraceCount; got != 5 {
		t.Errorf("expected 5 span traces, got %d", got)
	}
}

func connectMCP(t *testing.T, store *storage.TraceStore, recv *otlpreceiver.Server) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	server, err := mcpserver.NewServer(store, recv)
	if err != nil {
		t.Fatalf("failed to create MCP server: %v", err)
	}
	t.Cleanup(server.Shutdown)

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	if _, err := server.MCPServer().Connect(ctx, serverTransport, nil); err != nil {
		t.Fatalf("server connect failed: %v", err)
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "e2e", Version: "v0.0.1"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client connect failed: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any, out any) {
	t.Helper()

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("%s failed: %v", name, err)
	}
	if res.IsError {
		t.Fatalf("%s returned a tool error: %+v", name, res.Content)
	}
	data, err := json.Marshal(res.StructuredContent)
	if err != nil {
		t.Fatalf("%s: marshal structured content: %v", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("%s: decode structured content: %v", name, err)
	}
}
