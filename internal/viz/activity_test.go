package viz

import (
	"strings"
	"testing"
)

func TestRecentTraces_Empty(t *testing.T) {
	if result := RecentTraces(nil); result != "" {
		t.Errorf("expected empty string, got %q", result)
	}
}

func TestRecentTraces(t *testing.T) {
	traces := []TraceRow{
		{ID: "aabbccdd11223344", Source: "otlp", Service: "users", Endpoint: "Get", Latency: "502ms", Requests: 3},
		{ID: "checkout", Source: "snapshot", Service: "orders", Endpoint: "Create", Latency: "1.2s", Requests: 2, Failed: true},
		{ID: "broken", Source: "otlp", Err: "no root span"},
	}
	result := RecentTraces(traces)

	if !strings.Contains(result, "Recent Traces (3)") {
		t.Errorf("expected header, got:\n%s", result)
	}
	if !strings.Contains(result, "aabbccdd1122") || strings.Contains(result, "aabbccdd11223344") {
		t.Errorf("expected truncated trace ID, got:\n%s", result)
	}
	if !strings.Contains(result, "users.Get") {
		t.Errorf("expected trace label, got:\n%s", result)
	}
	for _, icon := range []string{"✓", "✗", "?"} {
		if !strings.Contains(result, icon) {
			t.Errorf("expected %s icon, got:\n%s", icon, result)
		}
	}
	if !strings.Contains(result, "no root span") {
		t.Errorf("expected conversion error, got:\n%s", result)
	}
}

func TestRecentErrors_Empty(t *testing.T) {
	if result := RecentErrors(nil); result != "" {
		t.Errorf("expected empty string, got %q", result)
	}
}

func TestRecentErrors(t *testing.T) {
	result := RecentErrors([]ActivityError{
		{TraceID: "aabbccdd11223344", Service: "billing", SpanName: "Charge", ErrorMsg: strings.Repeat("x", 60)},
	})
	if !strings.Contains(result, "Recent Errors (1)") {
		t.Errorf("expected header, got:\n%s", result)
	}
	if !strings.Contains(result, "✗ aabbccdd") {
		t.Errorf("expected truncated id, got:\n%s", result)
	}
	if !strings.Contains(result, "billing/Charge") || !strings.Contains(result, "…") {
		t.Errorf("expected label and truncated message, got:\n%s", result)
	}
}
