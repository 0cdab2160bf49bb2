// Package otlpreceiver accepts OTLP trace exports over gRPC, and log exports
// on the same port when a log receiver is configured.
package otlpreceiver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"

	"github.com/tobert/tracelanes/internal/logsreceiver"
)

// SpanReceiver stores received spans.
// Implementations must be safe for concurrent use; Export runs per request.
type SpanReceiver interface {
	ReceiveSpans(ctx context.Context, spans []*tracepb.ResourceSpans) error
}

// DefaultMaxRecvMsgSize is large enough for traces carrying request bodies.
const DefaultMaxRecvMsgSize = 16 << 20

// Config holds configuration for the OTLP receiver.
type Config struct {
	Host string // e.g., "127.0.0.1"
	Port int    // 0 for ephemeral port assignment

	// MaxRecvMsgSize caps one export request. Zero uses DefaultMaxRecvMsgSize.
	MaxRecvMsgSize int

	// Logs, when set, also serves the OTLP logs service.
	Logs logsreceiver.LogReceiver
}

// Server is the OTLP gRPC server that receives trace data.
type Server struct {
	listener   net.Listener
	grpcServer *grpc.Server
	service    *traceService
	logs       *logsreceiver.Service
	stopOnce   sync.Once
	stopChan   chan struct{}
	stopDone   chan struct{}
}

// NewServer creates a new OTLP gRPC server bound to the configured address.
func NewServer(cfg Config, receiver SpanReceiver) (*Server, error) {
	if receiver == nil {
		return nil, fmt.Errorf("span receiver cannot be nil")
	}

	var logs *logsreceiver.Service
	if cfg.Logs != nil {
		var err error
		if logs, err = logsreceiver.NewService(cfg.Logs); err != nil {
			return nil, err
		}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	maxMsg := cfg.MaxRecvMsgSize
	if maxMsg <= 0 {
		maxMsg = DefaultMaxRecvMsgSize
	}
	grpcServer := grpc.NewServer(grpc.MaxRecvMsgSize(maxMsg))

	service := &traceService{receiver: receiver}
	collectortrace.RegisterTraceServiceServer(grpcServer, service)
	if logs != nil {
		logs.Register(grpcServer)
	}

	return &Server{
		listener:   listener,
		grpcServer: grpcServer,
		service:    service,
		logs:       logs,
		stopChan:   make(chan struct{}),
		stopDone:   make(chan struct{}, 1),
	}, nil
}

// Start serves until Stop is called or ctx is done.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.stopChan:
		}
	}()

	err := s.grpcServer.Serve(s.listener)
	s.stopDone <- struct{}{}
	return err
}

// Stop initiates graceful shutdown. Safe to call multiple times.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.grpcServer.GracefulStop()
		close(s.stopChan)
	})
}

// StopWait stops the server and waits for Start to return.
func (s *Server) StopWait() {
	s.Stop()
	<-s.stopDone
}

// Endpoint returns the actual listening address, e.g. "127.0.0.1:54321".
func (s *Server) Endpoint() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Accepted returns the number of spans handed to the receiver.
func (s *Server) Accepted() uint64 { return s.service.accepted.Load() }

// Rejected returns the number of spans dropped for malformed ids.
func (s *Server) Rejected() uint64 { return s.service.rejected.Load() }

// LogsEnabled reports whether the logs service is served.
func (s *Server) LogsEnabled() bool { return s.logs != nil }

// LogsAccepted returns the number of log records handed to the log receiver.
func (s *Server) LogsAccepted() uint64 {
	if s.logs == nil {
		return 0
	}
	return s.logs.Accepted()
}

type traceService struct {
	collectortrace.UnimplementedTraceServiceServer
	receiver SpanReceiver
	accepted atomic.Uint64
	rejected atomic.Uint64
}

// Export forwards well-formed spans to the receiver. Spans without a 16-byte
// trace id or an 8-byte span id cannot be grouped and are reported back as
// a partial success.
func (t *traceService) Export(
	ctx context.Context,
	req *collectortrace.ExportTraceServiceRequest,
) (*collectortrace.ExportTraceServiceResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}

	kept, accepted, rejected := filterSpans(req.ResourceSpans)
	if len(kept) > 0 {
		if err := t.receiver.ReceiveSpans(ctx, kept); err != nil {
			return nil, fmt.Errorf("failed to receive spans: %w", err)
		}
	}
	t.accepted.Add(uint64(accepted))
	t.rejected.Add(uint64(rejected))

	resp := &collectortrace.ExportTraceServiceResponse{}
	if rejected > 0 {
		resp.PartialSuccess = &collectortrace.ExportTracePartialSuccess{
			RejectedSpans: int64(rejected),
			ErrorMessage:  "spans need a 16-byte trace_id and an 8-byte span_id",
		}
	}
	return resp, nil
}

// filterSpans drops malformed spans and emptied containers, leaving the
// request untouched when nothing needs dropping.
func filterSpans(rss []*tracepb.ResourceSpans) (kept []*tracepb.ResourceSpans, accepted, rejected int) {
	for _, rs := range rss {
		out := &tracepb.ResourceSpans{Resource: rs.Resource, SchemaUrl: rs.SchemaUrl}
		for _, ss := range rs.ScopeSpans {
			var spans []*tracepb.Span
			for _, span := range ss.Spans {
				if len(span.TraceId) != 16 || len(span.SpanId) != 8 {
					rejected++
					continue
				}
				spans = append(spans, span)
			}
			if len(spans) == 0 {
				continue
			}
			accepted += len(spans)
			out.ScopeSpans = append(out.ScopeSpans, &tracepb.ScopeSpans{
				Scope:     ss.Scope,
				Spans:     spans,
				SchemaUrl: ss.SchemaUrl,
			})
		}
		if len(out.ScopeSpans) > 0 {
			kept = append(kept, out)
		}
	}
	return kept, accepted, rejected
}
