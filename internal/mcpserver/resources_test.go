package mcpserver

import (
	"context"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tobert/tracelanes/internal/otlpreceiver"
	"github.com/tobert/tracelanes/internal/storage"
)

func readReq(uri string) *mcp.ReadResourceRequest {
	return &mcp.ReadResourceRequest{
		Params: &mcp.ReadResourceParams{URI: uri},
	}
}

func readText(t *testing.T, result *mcp.ReadResourceResult) string {
	t.Helper()
	if len(result.Contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(result.Contents))
	}
	return result.Contents[0].Text
}

func TestEndpointResource(t *testing.T) {
	store := storage.NewTraceStore(storage.Options{})
	recv, err := otlpreceiver.NewServer(otlpreceiver.Config{Host: "127.0.0.1", Port: 0}, store)
	if err != nil {
		t.Fatalf("create receiver: %v", err)
	}
	t.Cleanup(recv.Stop)
	srv, _ := NewServer(store, recv)

	result, err := srv.handleEndpointResource(context.Background(), readReq("tracelanes://endpoint"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := readText(t, result)
	if !strings.Contains(text, recv.Endpoint()) || !strings.Contains(text, "OTEL_EXPORTER_OTLP_ENDPOINT=http://") {
		t.Errorf("unexpected endpoint text:\n%s", text)
	}
}

func TestEndpointResourceDisabled(t *testing.T) {
	srv := newTestServer(t)
	result, _ := srv.handleEndpointResource(context.Background(), readReq("tracelanes://endpoint"))
	if !strings.Contains(readText(t, result), "disabled") {
		t.Error("expected the disabled notice")
	}
}

func TestStatsResource(t *testing.T) {
	srv := newTestServer(t)
	result, err := srv.handleStatsResource(context.Background(), readReq("tracelanes://stats"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := readText(t, result)
	if !strings.Contains(text, "10,000") {
		t.Errorf("expected the default span capacity, got:\n%s", text)
	}
	if !strings.Contains(text, "Snapshots added: 1") {
		t.Errorf("expected the snapshot counter, got:\n%s", text)
	}
}

func TestTracesResource(t *testing.T) {
	srv := newTestServer(t)
	result, err := srv.handleTracesResource(context.Background(), readReq("tracelanes://traces"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text := readText(t, result); !strings.Contains(text, "checkout") || !strings.Contains(text, "✗") {
		t.Errorf("expected the failed checkout trace, got:\n%s", text)
	}

	srv.store.Clear()
	result, _ = srv.handleTracesResource(context.Background(), readReq("tracelanes://traces"))
	if !strings.Contains(readText(t, result), "(none)") {
		t.Error("expected an empty listing")
	}
}

func TestFileSourcesResourceEmpty(t *testing.T) {
	srv := newTestServer(t)
	result, err := srv.handleFileSourcesResource(context.Background(), readReq("tracelanes://file-sources"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text := readText(t, result); !strings.Contains(text, "File Sources (0)") {
		t.Errorf("unexpected text:\n%s", text)
	}
}

func TestTraceDetailResource(t *testing.T) {
	srv := newTestServer(t)
	result, err := srv.handleTraceDetailResource(context.Background(), readReq("tracelanes://traces/checkout"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := readText(t, result)
	for _, want := range []string{"users.Get", "API Call", "100ms", "users/users.go:10", "g2:0", "Trace checkout", "looking up user"} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in:\n%s", want, text)
		}
	}
}

func TestTraceDetailResourceNotFound(t *testing.T) {
	srv := newTestServer(t)
	for _, uri := range []string{"tracelanes://traces/nope", "tracelanes://traces/", "other://traces/checkout"} {
		if _, err := srv.handleTraceDetailResource(context.Background(), readReq(uri)); err == nil {
			t.Errorf("%s: expected not found", uri)
		}
	}
}

func TestExtractURIParam(t *testing.T) {
	got, err := extractURIParam("tracelanes://traces/a%2Fb", "tracelanes://traces/")
	if err != nil || got != "a/b" {
		t.Errorf("expected decoded id, got %q (%v)", got, err)
	}
	if _, err := extractURIParam("tracelanes://traces/%zz", "tracelanes://traces/"); err == nil {
		t.Error("expected error for bad escape")
	}
}

func TestFmtHelpers(t *testing.T) {
	tests := map[int]string{0: "0", 999: "999", 1000: "1,000", 1234567: "1,234,567", -2500: "-2,500"}
	for n, want := range tests {
		if got := fmtNum(n); got != want {
			t.Errorf("fmtNum(%d) = %q, want %q", n, got, want)
		}
	}
	if fmtPct(1, 0) != "─" || fmtPct(5, 10) != "50%" {
		t.Error("unexpected fmtPct output")
	}
}
