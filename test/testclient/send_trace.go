package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	collectorlogs "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Simple program to send a demo checkout trace to a running tracelanes server.
// Usage: go run send_trace.go <endpoint>
// Example: go run send_trace.go 127.0.0.1:38279
func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <endpoint>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Example: %s 127.0.0.1:38279\n", os.Args[0])
		os.Exit(1)
	}

	endpoint := os.Args[1]
	fmt.Printf("📡 Connecting to OTLP endpoint: %s\n", endpoint)

	ctx := context.Background()
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to create exporter: %v\n", err)
		os.Exit(1)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "demo-shop"),
			attribute.String("service.version", "1.0.0"),
			attribute.String("deployment.environment", "development"),
		)),
	)

	fmt.Println("🚀 Recording checkout request...")
	root, logs := checkout(ctx, tp.Tracer("demo-shop"))

	if err := tp.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to export spans: %v\n", err)
		os.Exit(1)
	}
	if err := sendLogs(ctx, endpoint, logs); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to export logs: %v\n", err)
	}

	fmt.Println("✅ Trace exported successfully!")
	fmt.Printf("📊 Trace ID: %s\n", root.TraceID())
	fmt.Println("   - shop.Checkout (g1) → charge failed")
	fmt.Println("   - SELECT carts (g1), cache get (g2), billing.Charge (g3) → card declined")
}

// checkout records a request that fans out over three goroutine lanes and
// makes one failing API call. It returns the root span context and the log
// records emitted along the way.
func checkout(ctx context.Context, tracer oteltrace.Tracer) (oteltrace.SpanContext, []*logspb.LogRecord) {
	var logs []*logspb.LogRecord
	logf := func(span oteltrace.Span, sev logspb.SeverityNumber, msg string) {
		sc := span.SpanContext()
		traceID, spanID := sc.TraceID(), sc.SpanID()
		logs = append(logs, &logspb.LogRecord{
			TimeUnixNano:   uint64(time.Now().UnixNano()),
			TraceId:        traceID[:],
			SpanId:         spanID[:],
			SeverityNumber: sev,
			Body:           &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: msg}},
		})
	}

	ctx, root := tracer.Start(ctx, "POST /checkout/:cart",
		oteltrace.WithSpanKind(oteltrace.SpanKindServer),
		oteltrace.WithAttributes(
			attribute.Int("thread.id", 1),
			attribute.String("rpc.service", "shop"),
			attribute.String("rpc.method", "Checkout"),
			attribute.String("http.route", "/checkout/:cart"),
			attribute.String("url.path", "/checkout/c-19"),
			attribute.String("tracelanes.request.body", `{"coupon":"SPRING"}`),
			attribute.String("code.filepath", "shop/checkout.go"),
			attribute.Int("code.lineno", 42),
		),
	)
	logf(root, logspb.SeverityNumber_SEVERITY_NUMBER_INFO, "checkout started")

	_, query := tracer.Start(ctx, "SELECT carts",
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			attribute.Int("thread.id", 1),
			attribute.String("db.system", "postgresql"),
			attribute.String("db.query.text", "SELECT * FROM carts WHERE id = $1"),
		),
	)
	time.Sleep(8 * time.Millisecond)
	query.End()

	_, cache := tracer.Start(ctx, "cache get",
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			attribute.Int("thread.id", 2),
			attribute.String("tracelanes.cache.operation", "Get"),
			attribute.StringSlice("tracelanes.cache.keys", []string{"prices:c-19"}),
			attribute.String("tracelanes.cache.result", "no_such_key"),
			attribute.String("tracelanes.cache.keyspace", "Prices"),
		),
	)
	time.Sleep(2 * time.Millisecond)
	logf(cache, logspb.SeverityNumber_SEVERITY_NUMBER_WARN, "price cache miss")
	cache.End()

	callCtx, call := tracer.Start(ctx, "billing.Charge",
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(attribute.Int("thread.id", 3)),
	)
	_, charge := tracer.Start(callCtx, "Charge",
		oteltrace.WithSpanKind(oteltrace.SpanKindServer),
		oteltrace.WithAttributes(
			attribute.Int("thread.id", 7),
			attribute.String("rpc.service", "billing"),
			attribute.String("rpc.method", "Charge"),
		),
	)
	time.Sleep(20 * time.Millisecond)
	charge.SetStatus(codes.Error, "card declined")
	logf(charge, logspb.SeverityNumber_SEVERITY_NUMBER_ERROR, "card declined by issuer")
	charge.End()
	call.End()

	root.SetStatus(codes.Error, "charge failed")
	root.End()
	return root.SpanContext(), logs
}

// sendLogs exports the log records with the raw OTLP client; tracelanes
// keeps them because they carry trace context.
func sendLogs(ctx context.Context, endpoint string, logs []*logspb.LogRecord) error {
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = collectorlogs.NewLogsServiceClient(conn).Export(ctx, &collectorlogs.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{{
				Key:   "service.name",
				Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "demo-shop"}},
			}}},
			ScopeLogs: []*logspb.ScopeLogs{{LogRecords: logs}},
		}},
	})
	return err
}
