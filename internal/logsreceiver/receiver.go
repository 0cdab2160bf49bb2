// Package logsreceiver accepts OTLP log exports over gRPC. Only records
// carrying trace context are kept; they are shown on the lane of the span
// that emitted them.
package logsreceiver

import (
	"context"
	"fmt"
	"sync/atomic"

	collectorlogs "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	"google.golang.org/grpc"
)

// LogReceiver stores received log records.
// Implementations must be safe for concurrent use; Export runs per request.
type LogReceiver interface {
	ReceiveLogs(ctx context.Context, logs []*logspb.ResourceLogs) error
}

// Service implements the OTLP LogsService.
type Service struct {
	collectorlogs.UnimplementedLogsServiceServer
	receiver LogReceiver
	accepted atomic.Uint64
	rejected atomic.Uint64
}

// NewService creates a logs service forwarding to receiver.
func NewService(receiver LogReceiver) (*Service, error) {
	if receiver == nil {
		return nil, fmt.Errorf("log receiver cannot be nil")
	}
	return &Service{receiver: receiver}, nil
}

// Register adds the service to a gRPC server. It must be called before the
// server starts serving.
func (s *Service) Register(server *grpc.Server) {
	collectorlogs.RegisterLogsServiceServer(server, s)
}

// Accepted returns the number of records handed to the receiver.
func (s *Service) Accepted() uint64 { return s.accepted.Load() }

// Rejected returns the number of records dropped for missing trace context.
func (s *Service) Rejected() uint64 { return s.rejected.Load() }

// Export forwards correlated records to the receiver. Records without a
// 16-byte trace id, or with a span id that is not 8 bytes, are reported back
// as a partial success.
func (s *Service) Export(
	ctx context.Context,
	req *collectorlogs.ExportLogsServiceRequest,
) (*collectorlogs.ExportLogsServiceResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}

	kept, accepted, rejected := filterLogs(req.ResourceLogs)
	if len(kept) > 0 {
		if err := s.receiver.ReceiveLogs(ctx, kept); err != nil {
			return nil, fmt.Errorf("failed to receive logs: %w", err)
		}
	}
	s.accepted.Add(uint64(accepted))
	s.rejected.Add(uint64(rejected))

	resp := &collectorlogs.ExportLogsServiceResponse{}
	if rejected > 0 {
		resp.PartialSuccess = &collectorlogs.ExportLogsPartialSuccess{
			RejectedLogRecords: int64(rejected),
			ErrorMessage:       "log records need a 16-byte trace_id to be shown on a timeline",
		}
	}
	return resp, nil
}

func correlated(lr *logspb.LogRecord) bool {
	if len(lr.TraceId) != 16 {
		return false
	}
	return len(lr.SpanId) == 0 || len(lr.SpanId) == 8
}

// filterLogs drops uncorrelated records and emptied containers.
func filterLogs(rls []*logspb.ResourceLogs) (kept []*logspb.ResourceLogs, accepted, rejected int) {
	for _, rl := range rls {
		out := &logspb.ResourceLogs{Resource: rl.Resource, SchemaUrl: rl.SchemaUrl}
		for _, sl := range rl.ScopeLogs {
			var records []*logspb.LogRecord
			for _, lr := range sl.LogRecords {
				if !correlated(lr) {
					rejected++
					continue
				}
				records = append(records, lr)
			}
			if len(records) == 0 {
				continue
			}
			accepted += len(records)
			out.ScopeLogs = append(out.ScopeLogs, &logspb.ScopeLogs{
				Scope:      sl.Scope,
				LogRecords: records,
				SchemaUrl:  sl.SchemaUrl,
			})
		}
		if len(out.ScopeLogs) > 0 {
			kept = append(kept, out)
		}
	}
	return kept, accepted, rejected
}
