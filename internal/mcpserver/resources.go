package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tobert/tracelanes/internal/detail"
	"github.com/tobert/tracelanes/internal/storage"
	"github.com/tobert/tracelanes/internal/timeline"
	"github.com/tobert/tracelanes/internal/viz"
)

const resourceWidth = 100

// registerResources registers all MCP resources and resource templates.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(&mcp.Resource{
		URI:         "tracelanes://endpoint",
		Name:        "endpoint",
		Description: "OTLP gRPC endpoint address and environment variable suggestions.",
		MIMEType:    "text/plain",
	}, s.handleEndpointResource)

	s.mcpServer.AddResource(&mcp.Resource{
		URI:         "tracelanes://stats",
		Name:        "stats",
		Description: "Span and snapshot buffer counts, capacities, and receiver counters.",
		MIMEType:    "text/plain",
	}, s.handleStatsResource)

	s.mcpServer.AddResource(&mcp.Resource{
		URI:         "tracelanes://traces",
		Name:        "traces",
		Description: "Recent traces with root endpoint, latency, and failure marker.",
		MIMEType:    "text/plain",
	}, s.handleTracesResource)

	s.mcpServer.AddResource(&mcp.Resource{
		URI:         "tracelanes://file-sources",
		Name:        "file-sources",
		Description: "Directories being watched for trace snapshots and OTLP JSONL.",
		MIMEType:    "text/plain",
	}, s.handleFileSourcesResource)

	s.mcpServer.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: "tracelanes://traces/{id}",
		Name:        "trace-detail",
		Description: "Span header, lane timeline, and request tree of a trace's root request.",
		MIMEType:    "text/plain",
	}, s.handleTraceDetailResource)
}

// ─── Static resource handlers ───────────────────────────────────────────

func (s *Server) handleEndpointResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	endpoint := s.Endpoint()

	var b strings.Builder
	b.WriteString("OTLP Endpoint\n")
	b.WriteString("═════════════\n")
	if endpoint == "" {
		b.WriteString("  (disabled; traces are read from file sources)\n")
		return textResult(req.Params.URI, b.String()), nil
	}
	fmt.Fprintf(&b, "  Address:   %s\n", endpoint)
	b.WriteString("  Protocol:  grpc\n")
	b.WriteString("\n  Environment Variables:\n")
	fmt.Fprintf(&b, "    OTEL_EXPORTER_OTLP_ENDPOINT=http://%s\n", endpoint)
	b.WriteString("    OTEL_EXPORTER_OTLP_TRACES_PROTOCOL=grpc\n")
	if s.otlpReceiver.LogsEnabled() {
		b.WriteString("    OTEL_EXPORTER_OTLP_LOGS_PROTOCOL=grpc\n")
	}

	return textResult(req.Params.URI, b.String()), nil
}

func (s *Server) handleStatsResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	stats := s.store.Stats()

	var b strings.Builder
	b.WriteString("Buffer Statistics\n")
	b.WriteString("═════════════════\n")
	b.WriteString("  Buffer      Count       Capacity    Usage\n")
	b.WriteString("  ─────────   ─────────   ─────────   ─────\n")
	fmt.Fprintf(&b, "  Spans       %-10s  %-10s  %s\n",
		fmtNum(stats.Spans.SpanCount), fmtNum(stats.Spans.Capacity),
		fmtPct(stats.Spans.SpanCount, stats.Spans.Capacity))
	fmt.Fprintf(&b, "  Logs        %-10s  %-10s  %s\n",
		fmtNum(stats.Logs.LogCount), fmtNum(stats.Logs.Capacity),
		fmtPct(stats.Logs.LogCount, stats.Logs.Capacity))
	fmt.Fprintf(&b, "  Snapshots   %-10s  %-10s  %s\n",
		fmtNum(stats.Snapshots), fmtNum(stats.SnapshotCapacity),
		fmtPct(stats.Snapshots, stats.SnapshotCapacity))

	fmt.Fprintf(&b, "\n  Span traces:     %s distinct\n", fmtNum(stats.Spans.TraceCount))
	fmt.Fprintf(&b, "  Spans received:  %s\n", fmtNum(int(stats.SpansReceived)))
	fmt.Fprintf(&b, "  Snapshots added: %s\n", fmtNum(int(stats.SnapshotsAdded)))
	fmt.Fprintf(&b, "  Recent errors:   %d\n", stats.RecentErrors)
	if stats.Archive {
		b.WriteString("  Archive:         redis\n")
	}

	if s.otlpReceiver != nil {
		b.WriteString("\n  OTLP Receiver:\n")
		fmt.Fprintf(&b, "    Accepted: %s\n", fmtNum(int(s.otlpReceiver.Accepted())))
		fmt.Fprintf(&b, "    Rejected: %s\n", fmtNum(int(s.otlpReceiver.Rejected())))
		if s.otlpReceiver.LogsEnabled() {
			fmt.Fprintf(&b, "    Logs:     %s\n", fmtNum(int(s.otlpReceiver.LogsAccepted())))
		}
	}

	return textResult(req.Params.URI, b.String()), nil
}

func (s *Server) handleTracesResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	traces := s.store.Recent(ctx, defaultListLimit)
	if len(traces) == 0 {
		return textResult(req.Params.URI, "Recent Traces (0)\n  (none)\n"), nil
	}
	return textResult(req.Params.URI, viz.RecentTraces(traceRows(traces))), nil
}

func (s *Server) handleFileSourcesResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	stats := s.FileSourceStats()

	var b strings.Builder
	fmt.Fprintf(&b, "File Sources (%d)\n", len(stats))
	b.WriteString("═════════════════\n")

	if len(stats) == 0 {
		b.WriteString("  (none)\n")
	} else {
		for _, stat := range stats {
			fmt.Fprintf(&b, "  %s\n", stat.Directory)
			fmt.Fprintf(&b, "    JSONL files:  %d\n", stat.FilesTracked)
			fmt.Fprintf(&b, "    Snapshots:    %d\n", stat.Snapshots)
			if len(stat.WatchedDirs) > 0 {
				b.WriteString("    Watching:\n")
				for _, dir := range stat.WatchedDirs {
					fmt.Fprintf(&b, "      • %s\n", dir)
				}
			}
		}
	}

	return textResult(req.Params.URI, b.String()), nil
}

// ─── Resource template handlers ─────────────────────────────────────────

func (s *Server) handleTraceDetailResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	id, err := extractURIParam(req.Params.URI, "tracelanes://traces/")
	if err != nil {
		return nil, mcp.ResourceNotFoundError(req.Params.URI)
	}

	tr, root, src, err := s.store.Request(ctx, id, "")
	if errors.Is(err, storage.ErrTraceNotFound) || errors.Is(err, storage.ErrRequestNotFound) {
		return nil, mcp.ResourceNotFoundError(req.Params.URI)
	}
	if err != nil {
		return nil, err
	}

	header, err := detail.ForRequest(tr, root)
	if err != nil {
		return nil, err
	}
	model, err := timeline.Build(tr, root)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	title := header.Title()
	fmt.Fprintf(&b, "%s\n", title)
	b.WriteString(strings.Repeat("═", len([]rune(title))) + "\n")
	fmt.Fprintf(&b, "  Type:      %s\n", header.TypeLabel)
	fmt.Fprintf(&b, "  Duration:  %s\n", header.Duration)
	fmt.Fprintf(&b, "  Source:    %s\n", src)
	if header.Source != "" {
		fmt.Fprintf(&b, "  Defined:   %s\n", header.Source)
	}
	if !tr.Date.IsZero() {
		fmt.Fprintf(&b, "  Date:      %s\n", tr.Date.Format("2006-01-02 15:04:05.000"))
	}
	b.WriteByte('\n')
	b.WriteString(viz.Timeline(model, viz.Options{Width: resourceWidth}))
	b.WriteByte('\n')
	b.WriteString(viz.Waterfall(tr, resourceWidth))

	if len(model.Logs) > 0 {
		fmt.Fprintf(&b, "\nLogs (%d)\n", len(model.Logs))
		for _, l := range model.Logs {
			fmt.Fprintf(&b, "  %s %s %s\n", l.Clock, l.LevelTag, l.Msg)
		}
	}

	return textResult(req.Params.URI, b.String()), nil
}

// ─── Helpers ────────────────────────────────────────────────────────────

// extractURIParam extracts the parameter value from a URI by stripping the prefix
// and URL-decoding the remainder.
func extractURIParam(uri, prefix string) (string, error) {
	if !strings.HasPrefix(uri, prefix) {
		return "", fmt.Errorf("invalid URI: %s", uri)
	}
	param := strings.TrimPrefix(uri, prefix)
	if param == "" {
		return "", fmt.Errorf("empty parameter in URI: %s", uri)
	}
	decoded, err := url.PathUnescape(param)
	if err != nil {
		return "", fmt.Errorf("invalid encoding in URI: %w", err)
	}
	return decoded, nil
}

// textResult wraps a string in a ReadResourceResult.
func textResult(uri, text string) *mcp.ReadResourceResult {
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      uri,
			MIMEType: "text/plain",
			Text:     text,
		}},
	}
}

// fmtNum formats an integer with comma separators (e.g. 10,000).
func fmtNum(n int) string {
	if n < 0 {
		return "-" + fmtNum(-n)
	}
	s := fmt.Sprintf("%d", n)
	if n < 1000 {
		return s
	}

	var result strings.Builder
	remainder := len(s) % 3
	if remainder > 0 {
		result.WriteString(s[:remainder])
	}
	for i := remainder; i < len(s); i += 3 {
		if result.Len() > 0 {
			result.WriteByte(',')
		}
		result.WriteString(s[i : i+3])
	}
	return result.String()
}

// fmtPct formats a percentage like "62%" or "100%".
func fmtPct(count, capacity int) string {
	if capacity == 0 {
		return "─"
	}
	return fmt.Sprintf("%.0f%%", float64(count)/float64(capacity)*100)
}
