package mcpserver

import (
	"cmp"
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tobert/tracelanes/internal/detail"
	"github.com/tobert/tracelanes/internal/filereader"
	"github.com/tobert/tracelanes/internal/payload"
	"github.com/tobert/tracelanes/internal/storage"
	"github.com/tobert/tracelanes/internal/timeline"
	"github.com/tobert/tracelanes/internal/trace"
	"github.com/tobert/tracelanes/internal/viz"
)

// ═══════════════════════════════════════════════════════════════════════════
// SPAN-DETAIL MCP TOOLS
//
// One request at a time, the way a person reads a span detail page:
// 1. get_otlp_endpoint - Where to send OTLP traces
// 2. list_traces - Recent traces across snapshots, OTLP spans, and the archive
// 3. get_timeline - Header, lanes, bars, and logs of one request
// 4. get_event_detail - The tooltip of one bar (lane goid + bar index)
// 5. get_request_payload - Path parameters and body of a request
// 6. add_file_source / remove_file_source - Watch directories for traces
// 7. get_stats - Buffer health
// 8. clear_traces - Reset the in-memory buffers
// ═══════════════════════════════════════════════════════════════════════════

const (
	defaultListLimit   = 20
	defaultRenderWidth = 100
)

// Tool 1: get_otlp_endpoint

type GetOTLPEndpointInput struct{}

type GetOTLPEndpointOutput struct {
	Endpoint        string            `json:"endpoint" jsonschema:"OTLP gRPC endpoint address for traces"`
	Protocol        string            `json:"protocol" jsonschema:"Protocol type (grpc)"`
	EnvironmentVars map[string]string `json:"environment_vars" jsonschema:"Suggested environment variables for configuring applications"`
}

func (s *Server) handleGetOTLPEndpoint(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input GetOTLPEndpointInput,
) (*mcp.CallToolResult, GetOTLPEndpointOutput, error) {
	endpoint := s.Endpoint()
	if endpoint == "" {
		return nil, GetOTLPEndpointOutput{}, fmt.Errorf("OTLP receiver is disabled; traces are only read from file sources")
	}
	env := map[string]string{
		"OTEL_EXPORTER_OTLP_ENDPOINT":        "http://" + endpoint,
		"OTEL_EXPORTER_OTLP_TRACES_PROTOCOL": "grpc",
		"OTEL_TRACES_EXPORTER":               "otlp",
	}
	if s.otlpReceiver.LogsEnabled() {
		env["OTEL_EXPORTER_OTLP_LOGS_PROTOCOL"] = "grpc"
		env["OTEL_LOGS_EXPORTER"] = "otlp"
	}
	return &mcp.CallToolResult{}, GetOTLPEndpointOutput{
		Endpoint:        endpoint,
		Protocol:        "grpc",
		EnvironmentVars: env,
	}, nil
}

// Tool 2: list_traces

type ListTracesInput struct {
	Limit           int  `json:"limit,omitempty" jsonschema:"Maximum traces to list (default 20)"`
	IncludeArchived bool `json:"include_archived,omitempty" jsonschema:"Also list trace ids kept in the Redis archive"`
}

type ListTracesOutput struct {
	Traces   []storage.TraceSummary `json:"traces" jsonschema:"In-memory traces, most recently changed first"`
	Archived []string               `json:"archived,omitempty" jsonschema:"Archived trace ids, newest first"`
	Rendered string                 `json:"rendered" jsonschema:"Text table of the listed traces"`
}

func (s *Server) handleListTraces(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input ListTracesInput,
) (*mcp.CallToolResult, ListTracesOutput, error) {
	limit := cmp.Or(input.Limit, defaultListLimit)
	traces := s.store.Recent(ctx, limit)

	out := ListTracesOutput{
		Traces:   traces,
		Rendered: viz.RecentTraces(traceRows(traces)),
	}
	if input.IncludeArchived {
		ids, err := s.store.Archived(ctx, limit)
		if err != nil {
			return nil, ListTracesOutput{}, fmt.Errorf("failed to list archive: %w", err)
		}
		out.Archived = ids
	}
	return &mcp.CallToolResult{}, out, nil
}

// Tool 3: get_timeline

type GetTimelineInput struct {
	TraceID   string `json:"trace_id" jsonschema:"Trace id from list_traces"`
	RequestID string `json:"request_id,omitempty" jsonschema:"Request (span) id within the trace; defaults to the root"`
	Width     int    `json:"width,omitempty" jsonschema:"Width of the rendered timeline in columns (default 100)"`
}

type GetTimelineOutput struct {
	Source   storage.Source      `json:"source" jsonschema:"Where the trace was found: snapshot, otlp, or archive"`
	Header   *detail.RequestView `json:"header" jsonschema:"Span header: type, service, endpoint, duration, counts, and body sections"`
	Timeline *timeline.Model     `json:"timeline" jsonschema:"Goroutine lanes with positioned bars and the log timeline"`
	Children []RequestRef        `json:"children,omitempty" jsonschema:"Child requests, for drilling down"`
	Rendered string              `json:"rendered" jsonschema:"Text rendering of the lanes with a numbered bar list"`
	Tree     string              `json:"tree,omitempty" jsonschema:"Request tree waterfall (root requests only)"`
}

// RequestRef points at another request of the same trace.
type RequestRef struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Latency string `json:"latency"`
	Failed  bool   `json:"failed,omitempty"`
}

func (s *Server) handleGetTimeline(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input GetTimelineInput,
) (*mcp.CallToolResult, GetTimelineOutput, error) {
	tr, r, src, err := s.resolve(ctx, input.TraceID, input.RequestID)
	if err != nil {
		return nil, GetTimelineOutput{}, err
	}

	model, err := timeline.Build(tr, r)
	if err != nil {
		return nil, GetTimelineOutput{}, fmt.Errorf("failed to build timeline: %w", err)
	}
	header, err := detail.ForRequest(tr, r)
	if err != nil {
		return nil, GetTimelineOutput{}, fmt.Errorf("failed to build header: %w", err)
	}

	width := cmp.Or(input.Width, defaultRenderWidth)
	out := GetTimelineOutput{
		Source:   src,
		Header:   header,
		Timeline: model,
		Rendered: viz.Timeline(model, viz.Options{Width: width}),
	}
	for _, child := range r.Children {
		ref := RequestRef{
			ID:      child.ID,
			Title:   child.SvcName + "." + child.RPCName,
			Latency: timeline.SpanLatency(tr.Unit, child.StartTime, child.EndTime),
			Failed:  child.Err != nil,
		}
		if v, err := detail.ForRequest(tr, child); err == nil {
			ref.Title = v.Title()
		}
		out.Children = append(out.Children, ref)
	}
	if r == tr.Root {
		out.Tree = viz.Waterfall(tr, width)
	}
	return &mcp.CallToolResult{}, out, nil
}

// Tool 4: get_event_detail

type GetEventDetailInput struct {
	TraceID   string `json:"trace_id" jsonschema:"Trace id"`
	RequestID string `json:"request_id,omitempty" jsonschema:"Request id; defaults to the root"`
	GoID      uint32 `json:"goid" jsonschema:"Lane goroutine id, the N in gN:M of the timeline bar list"`
	Bar       int    `json:"bar" jsonschema:"Bar index within the lane, the M in gN:M"`
}

type GetEventDetailOutput struct {
	Bar            timeline.Bar      `json:"bar" jsonschema:"The bar as placed on the timeline"`
	Detail         *detail.EventView `json:"detail" jsonschema:"Tooltip content: title, latency, sections, stack, timings"`
	ChildRequestID string            `json:"child_request_id,omitempty" jsonschema:"For API calls, the request to pass to get_timeline"`
}

func (s *Server) handleGetEventDetail(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input GetEventDetailInput,
) (*mcp.CallToolResult, GetEventDetailOutput, error) {
	tr, r, _, err := s.resolve(ctx, input.TraceID, input.RequestID)
	if err != nil {
		return nil, GetEventDetailOutput{}, err
	}
	bar, err := findBar(tr, r, input.GoID, input.Bar)
	if err != nil {
		return nil, GetEventDetailOutput{}, err
	}

	view, err := detail.ForEvent(tr, r, bar.Event)
	if err != nil {
		return nil, GetEventDetailOutput{}, fmt.Errorf("failed to build detail: %w", err)
	}

	out := GetEventDetailOutput{Bar: bar, Detail: view}
	if call, ok := bar.Event.(*trace.RPCCall); ok {
		out.ChildRequestID = call.ReqID
	}
	return &mcp.CallToolResult{}, out, nil
}

// findBar locates a bar by lane and index in the built timeline.
func findBar(tr *trace.Trace, r *trace.Request, goid uint32, index int) (timeline.Bar, error) {
	model, err := timeline.Build(tr, r)
	if err != nil {
		return timeline.Bar{}, fmt.Errorf("failed to build timeline: %w", err)
	}
	lane, ok := model.Lane(goid)
	if !ok {
		return timeline.Bar{}, fmt.Errorf("request %s has no lane for goroutine %d", r.ID, goid)
	}
	if index < 0 || index >= len(lane.Bars) {
		return timeline.Bar{}, fmt.Errorf("lane g%d has %d bars, no bar %d", goid, len(lane.Bars), index)
	}
	return lane.Bars[index], nil
}

// Tool 5: get_request_payload

type GetRequestPayloadInput struct {
	TraceID   string `json:"trace_id" jsonschema:"Trace id"`
	RequestID string `json:"request_id,omitempty" jsonschema:"Request id; defaults to the root"`
}

type GetRequestPayloadOutput struct {
	Request  payload.Split `json:"request" jsonschema:"Inputs split into path parameters and body using the route schema"`
	Response *payload.Body `json:"response,omitempty" jsonschema:"First output payload, pretty-printed when JSON"`
	Error    string        `json:"error,omitempty" jsonschema:"Request error text"`
	Stack    *trace.Stack  `json:"error_stack,omitempty" jsonschema:"Stack captured with the error"`
}

func (s *Server) handleGetRequestPayload(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input GetRequestPayloadInput,
) (*mcp.CallToolResult, GetRequestPayloadOutput, error) {
	tr, r, _, err := s.resolve(ctx, input.TraceID, input.RequestID)
	if err != nil {
		return nil, GetRequestPayloadOutput{}, err
	}

	out := GetRequestPayloadOutput{
		Request:  payload.Correlate(tr, r, r.Inputs),
		Response: payload.Render(r.Outputs),
		Stack:    r.ErrStack,
	}
	if r.Err != nil {
		out.Error = payload.UTF8(r.Err)
	}
	return &mcp.CallToolResult{}, out, nil
}

// Tool 6: add_file_source / remove_file_source

type AddFileSourceInput struct {
	Directory  string `json:"directory" jsonschema:"Directory holding *.trace.json snapshots or Collector *.jsonl files"`
	ActiveOnly bool   `json:"active_only,omitempty" jsonschema:"Read only traces.jsonl, skipping rotated archives"`
}

type FileSourceOutput struct {
	Directories []string `json:"directories" jsonschema:"All watched directories"`
	Message     string   `json:"message" jsonschema:"What happened"`
}

func (s *Server) handleAddFileSource(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input AddFileSourceInput,
) (*mcp.CallToolResult, FileSourceOutput, error) {
	// The watcher outlives this call, so it is not bound to the request context.
	if err := s.AddFileSource(context.WithoutCancel(ctx), input.Directory, input.ActiveOnly); err != nil {
		return nil, FileSourceOutput{}, err
	}
	return &mcp.CallToolResult{}, FileSourceOutput{
		Directories: s.ListFileSources(),
		Message:     fmt.Sprintf("Watching %s", input.Directory),
	}, nil
}

type RemoveFileSourceInput struct {
	Directory string `json:"directory" jsonschema:"Directory to stop watching"`
}

func (s *Server) handleRemoveFileSource(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input RemoveFileSourceInput,
) (*mcp.CallToolResult, FileSourceOutput, error) {
	if err := s.RemoveFileSource(input.Directory); err != nil {
		return nil, FileSourceOutput{}, err
	}
	return &mcp.CallToolResult{}, FileSourceOutput{
		Directories: s.ListFileSources(),
		Message:     fmt.Sprintf("Stopped watching %s; its traces stay in memory", input.Directory),
	}, nil
}

// Tool 7: get_stats

type GetStatsInput struct{}

type GetStatsOutput struct {
	Store       storage.Stats      `json:"store" jsonschema:"Span and snapshot buffer statistics"`
	Receiver    *ReceiverStats     `json:"receiver,omitempty" jsonschema:"OTLP receiver counters"`
	OTLPTraces  []string           `json:"otlp_trace_ids,omitempty" jsonschema:"Trace ids with buffered OTLP spans, sorted"`
	FileSources []filereader.Stats `json:"file_sources,omitempty" jsonschema:"Watched directories"`
	Rendered    string             `json:"rendered" jsonschema:"Text overview of buffer health and recent errors"`
}

// ReceiverStats counts spans and log records seen by the OTLP receiver.
type ReceiverStats struct {
	Endpoint     string `json:"endpoint"`
	Accepted     uint64 `json:"accepted_spans"`
	Rejected     uint64 `json:"rejected_spans"`
	LogsAccepted uint64 `json:"accepted_log_records,omitempty"`
}

func (s *Server) handleGetStats(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input GetStatsInput,
) (*mcp.CallToolResult, GetStatsOutput, error) {
	stats := s.store.Stats()

	out := GetStatsOutput{
		Store:       stats,
		OTLPTraces:  s.store.Spans().TraceIDs(),
		FileSources: s.FileSourceStats(),
		Rendered:    viz.StatsOverview(bufferStats(stats)) + viz.RecentErrors(activityErrors(s.store.Activity().RecentErrors(5))),
	}
	if s.otlpReceiver != nil {
		out.Receiver = &ReceiverStats{
			Endpoint:     s.otlpReceiver.Endpoint(),
			Accepted:     s.otlpReceiver.Accepted(),
			Rejected:     s.otlpReceiver.Rejected(),
			LogsAccepted: s.otlpReceiver.LogsAccepted(),
		}
	}
	return &mcp.CallToolResult{}, out, nil
}

// Tool 8: clear_traces

type ClearTracesInput struct{}

type ClearTracesOutput struct {
	Message string `json:"message" jsonschema:"Confirmation message"`
}

func (s *Server) handleClearTraces(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input ClearTracesInput,
) (*mcp.CallToolResult, ClearTracesOutput, error) {
	s.store.Clear()

	return &mcp.CallToolResult{}, ClearTracesOutput{
		Message: "Cleared all in-memory spans and snapshots (the archive is untouched)",
	}, nil
}

// Register all tools

func (s *Server) registerTools() error {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_otlp_endpoint",
		Description: "🚀 START HERE: Get the OTLP gRPC endpoint address. Set OTEL_EXPORTER_OTLP_ENDPOINT to it when running an instrumented program, then use list_traces to find what it sent.",
	}, s.handleGetOTLPEndpoint)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "list_traces",
		Description: "List recent traces, most recently changed first: loaded snapshots and traces assembled from OTLP spans. Each entry has the root service and endpoint, latency, request count, and whether any request failed. Set include_archived to also list ids stored in the Redis archive.",
	}, s.handleListTraces)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_timeline",
		Description: "Reconstruct one request as a span detail page: header (type, service.endpoint, duration, API calls, DB queries, publishes, log lines), the body sections, one lane per goroutine with bars positioned as percentages, and the log timeline on the wall clock. The rendered text numbers every bar gN:M; pass N and M to get_event_detail. Children list the request ids reachable from this one.",
	}, s.handleGetTimeline)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_event_detail",
		Description: "Open the tooltip of one timeline bar: the SQL of a query, the target and payloads of an API call, the method/URL/status and timing breakdown of an HTTP call, the message of a publish, or the keys and result of a cache operation. Address the bar by lane goid and bar index from get_timeline.",
	}, s.handleGetEventDetail)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_request_payload",
		Description: "Get the payloads of a request: inputs split into named path parameters and a JSON body using the route declared for the endpoint, the pretty-printed response, and the error with its stack if the request failed.",
	}, s.handleGetRequestPayload)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "add_file_source",
		Description: "Watch a directory for trace files: *.trace.json snapshots and OpenTelemetry Collector file-exporter *.jsonl. Existing files are loaded immediately and new data is picked up as it is written.",
	}, s.handleAddFileSource)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "remove_file_source",
		Description: "Stop watching a directory added with add_file_source. Traces already loaded stay in memory.",
	}, s.handleRemoveFileSource)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_stats",
		Description: "Buffer health dashboard: span and snapshot counts against capacity, OTLP receiver accepted/rejected counters, watched directories, and the most recent error spans.",
	}, s.handleGetStats)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "clear_traces",
		Description: "Wipe every in-memory span and snapshot. The Redis archive, if configured, is left as is.",
	}, s.handleClearTraces)

	return nil
}

// resolve loads a trace and one of its requests, naming what was missing.
func (s *Server) resolve(ctx context.Context, traceID, requestID string) (*trace.Trace, *trace.Request, storage.Source, error) {
	if traceID == "" {
		return nil, nil, "", fmt.Errorf("trace_id is required")
	}
	tr, r, src, err := s.store.Request(ctx, traceID, requestID)
	if errors.Is(err, storage.ErrTraceNotFound) {
		return nil, nil, src, fmt.Errorf("trace %s not found; use list_traces to see what is held", traceID)
	}
	return tr, r, src, err
}

// ═══════════════════════════════════════════════════════════════════════════
// VIEW CONVERSIONS - storage types to viz rows
// ═══════════════════════════════════════════════════════════════════════════

func traceRows(sums []storage.TraceSummary) []viz.TraceRow {
	rows := make([]viz.TraceRow, len(sums))
	for i, t := range sums {
		rows[i] = viz.TraceRow{
			ID:       t.ID,
			Source:   string(t.Source),
			Service:  t.Service,
			Endpoint: t.Endpoint,
			Latency:  t.Latency,
			Requests: t.Requests,
			Failed:   t.Failed,
			Err:      t.Err,
		}
	}
	return rows
}

func bufferStats(st storage.Stats) viz.BufferStats {
	return viz.BufferStats{
		SpanCount:        st.Spans.SpanCount,
		SpanCapacity:     st.Spans.Capacity,
		TraceCount:       st.Spans.TraceCount,
		SnapshotCount:    st.Snapshots,
		SnapshotCapacity: st.SnapshotCapacity,
		Archive:          st.Archive,
	}
}

func activityErrors(entries []*storage.ErrorEntry) []viz.ActivityError {
	out := make([]viz.ActivityError, len(entries))
	for i, e := range entries {
		out[i] = viz.ActivityError{
			TraceID:   e.TraceID,
			Service:   e.Service,
			SpanName:  e.SpanName,
			ErrorMsg:  e.ErrorMsg,
			Timestamp: e.Timestamp,
		}
	}
	return out
}
