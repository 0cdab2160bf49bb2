// Package mcpserver exposes request timelines, bar tooltips, payloads, and
// trace store management as MCP tools and resources.
package mcpserver

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tobert/tracelanes/internal/filereader"
	"github.com/tobert/tracelanes/internal/otlpreceiver"
	"github.com/tobert/tracelanes/internal/storage"
)

const instructions = `Span-detail timeline server. Captures OTLP traces, correlated OTLP log records, and trace snapshots, then reconstructs one request at a time as goroutine lanes of positioned bars.

Workflow: get_otlp_endpoint -> run program -> list_traces -> get_timeline -> get_event_detail on a bar (lane goid + bar index).

Tools: get_request_payload (path params + body), add_file_source (watch a directory), get_stats, clear_traces.
Resources: tracelanes://endpoint, tracelanes://stats, tracelanes://traces, tracelanes://traces/{id}, tracelanes://file-sources.`

// Server serves span-detail tools over a TraceStore.
type Server struct {
	mcpServer    *mcp.Server
	store        *storage.TraceStore
	otlpReceiver *otlpreceiver.Server // nil when only reading from disk
	sources      *sourceRegistry
	verbose      bool
}

// ServerOptions configures the MCP server.
type ServerOptions struct {
	Verbose bool
}

// NewServer creates a new MCP server over store. otlpReceiver may be nil
// when traces only come from files.
func NewServer(store *storage.TraceStore, otlpReceiver *otlpreceiver.Server, opts ...ServerOptions) (*Server, error) {
	if store == nil {
		return nil, errors.New("trace store cannot be nil")
	}

	var o ServerOptions
	if len(opts) > 0 {
		o = opts[0]
	}

	s := &Server{
		store:        store,
		otlpReceiver: otlpReceiver,
		sources:      newSourceRegistry(),
		verbose:      o.Verbose,
	}
	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    "tracelanes",
		Title:   "Span Timelines for Agents",
		Version: "0.1.0",
	}, &mcp.ServerOptions{
		Instructions:       instructions,
		SubscribeHandler:   func(context.Context, *mcp.SubscribeRequest) error { return nil },
		UnsubscribeHandler: func(context.Context, *mcp.UnsubscribeRequest) error { return nil },
	})

	if err := s.registerTools(); err != nil {
		return nil, err
	}
	s.registerResources()
	return s, nil
}

// Run serves MCP on stdio until ctx is cancelled or stdin closes, then
// stops every file source.
func (s *Server) Run(ctx context.Context) error {
	defer s.sources.stopAll()
	return s.mcpServer.Run(ctx, &mcp.StdioTransport{})
}

// MCPServer returns the underlying mcp.Server for other transports such as
// StreamableHTTPHandler or in-memory sessions.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcpServer
}

// Shutdown stops file sources when the server was not started with Run.
func (s *Server) Shutdown() {
	s.sources.stopAll()
}

// Endpoint returns the OTLP gRPC address, or "" without a receiver.
func (s *Server) Endpoint() string {
	if s.otlpReceiver == nil {
		return ""
	}
	return s.otlpReceiver.Endpoint()
}

// AddFileSource watches directory for snapshots and OTLP JSONL. With
// activeOnly, rotated traces-<timestamp>.jsonl archives are skipped.
func (s *Server) AddFileSource(ctx context.Context, directory string, activeOnly bool) error {
	return s.sources.add(ctx, directory, func() (*filereader.FileSource, error) {
		return filereader.New(filereader.Config{
			Directory:  directory,
			Verbose:    s.verbose,
			ActiveOnly: activeOnly,
		}, s.store)
	})
}

// RemoveFileSource stops watching directory.
func (s *Server) RemoveFileSource(directory string) error {
	return s.sources.remove(directory)
}

// ListFileSources returns the watched directories, sorted.
func (s *Server) ListFileSources() []string {
	return s.sources.dirs()
}

// FileSourceStats returns per-directory reader stats, sorted by directory.
func (s *Server) FileSourceStats() []filereader.Stats {
	return s.sources.stats()
}
