package otlpconv

import (
	"cmp"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"

	"github.com/tobert/tracelanes/internal/trace"
)

// LogRecord is an OTLP log record together with its resource's service name.
type LogRecord struct {
	Service string
	Log     *logspb.LogRecord
}

// FlattenLogs pairs every log record in rls with its service name.
func FlattenLogs(rls []*logspb.ResourceLogs) []LogRecord {
	var out []LogRecord
	for _, rl := range rls {
		svc := resourceService(rl.Resource)
		for _, sl := range rl.ScopeLogs {
			for _, lr := range sl.LogRecords {
				out = append(out, LogRecord{Service: svc, Log: lr})
			}
		}
	}
	return out
}

func resourceService(r *resourcepb.Resource) string {
	if r == nil {
		return "unknown"
	}
	return cmp.Or(attrs(r.Attributes).str(AttrServiceName), "unknown")
}

// logTime is the event time of a record, falling back to when the collector
// observed it.
func logTime(lr *logspb.LogRecord) uint64 {
	return cmp.Or(lr.TimeUnixNano, lr.ObservedTimeUnixNano)
}

// severity maps an OTLP severity onto a log level. The text wins when set.
func severity(lr *logspb.LogRecord) trace.LogLevel {
	if lr.SeverityText != "" {
		return logLevel(lr.SeverityText)
	}
	switch n := lr.SeverityNumber; {
	case n == logspb.SeverityNumber_SEVERITY_NUMBER_UNSPECIFIED:
		return trace.LevelInfo
	case n < logspb.SeverityNumber_SEVERITY_NUMBER_DEBUG:
		return trace.LevelTrace
	case n < logspb.SeverityNumber_SEVERITY_NUMBER_INFO:
		return trace.LevelDebug
	case n < logspb.SeverityNumber_SEVERITY_NUMBER_WARN:
		return trace.LevelInfo
	case n < logspb.SeverityNumber_SEVERITY_NUMBER_ERROR:
		return trace.LevelWarn
	default:
		return trace.LevelError
	}
}

// attachLogs places each record on the lane of the span it was emitted in.
// Records without a known span go to fallback's lane.
func (c *converter) attachLogs(logs []LogRecord, fallback *trace.Request) {
	for _, rec := range logs {
		lr := rec.Log
		spanID := SpanID(lr.SpanId)

		var lane uint32
		owner := c.ownerOf(spanID)
		switch {
		case owner != nil && owner.ID == spanID:
			lane = owner.GoID
		case owner != nil:
			lane = c.laneOf(attrs(c.byID[spanID].Span.Attributes), owner)
		case fallback != nil:
			owner, lane = fallback, fallback.GoID
		default:
			continue
		}

		msg := &trace.LogMessage{
			GoID:  lane,
			Time:  c.rel(logTime(lr)),
			Level: severity(lr),
			Msg:   stringValue(lr.Body),
		}
		if msg.Msg == "" {
			msg.Msg = lr.EventName
		}
		for _, kv := range lr.Attributes {
			msg.Fields = append(msg.Fields, trace.LogField{Key: kv.Key, Value: jsonValue(kv.Value)})
		}
		if rec.Service != "" && rec.Service != c.byID[owner.ID].Service {
			msg.Fields = append(msg.Fields, trace.LogField{Key: AttrServiceName, Value: jsonValue(&commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: rec.Service}})})
		}
		owner.Events = append(owner.Events, msg)
	}
}
