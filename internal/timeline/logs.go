package timeline

import (
	"encoding/json"
	"time"

	"github.com/tobert/tracelanes/internal/trace"
)

// LogLine is a log message placed on the wall clock.
type LogLine struct {
	Time     time.Time         `json:"time"`
	Clock    string            `json:"clock"` // HH:MM:SS.mmm
	Level    trace.LogLevel    `json:"level"`
	LevelTag string            `json:"level_tag"`
	Msg      string            `json:"msg"`
	Fields   []LogFieldView    `json:"fields,omitempty"`
	GoID     uint32            `json:"goid"`
	Stack    trace.Stack       `json:"-"`
	Source   *trace.LogMessage `json:"-"`
}

// LogFieldView is a log field with its value rendered as JSON text.
type LogFieldView struct {
	Key   string       `json:"key"`
	Value string       `json:"value"`
	Stack *trace.Stack `json:"-"`
	IsErr bool         `json:"is_err,omitempty"`
}

// WallClock converts a trace-relative instant into wall-clock time:
// base + (t - origin), truncated to millisecond precision.
// Out-of-order inputs are converted as given.
func WallClock(base time.Time, origin, t int64, unit trace.TimeUnit) time.Time {
	offset := time.Duration(t-origin) * unit.Duration()
	return base.Add(offset.Truncate(time.Millisecond))
}

// ReconstructLogs places each log relative to the request start.
func ReconstructLogs(tr *trace.Trace, req *trace.Request, logs []*trace.LogMessage) []LogLine {
	if len(logs) == 0 {
		return nil
	}
	out := make([]LogLine, 0, len(logs))
	for _, l := range logs {
		wall := WallClock(tr.Date, req.StartTime, l.Time, tr.Unit)
		line := LogLine{
			Time:     wall,
			Clock:    wall.Format("15:04:05.000"),
			Level:    l.Level,
			LevelTag: LevelTag(l.Level),
			Msg:      l.Msg,
			GoID:     l.GoID,
			Stack:    l.Stack,
			Source:   l,
		}
		for _, f := range l.Fields {
			line.Fields = append(line.Fields, LogFieldView{
				Key:   f.Key,
				Value: renderFieldValue(f.Value),
				Stack: f.Stack,
				IsErr: f.Stack != nil,
			})
		}
		out = append(out, line)
	}
	return out
}

// LevelTag abbreviates a level to its three-letter display tag.
// Unrecognised levels display as errors.
func LevelTag(l trace.LogLevel) string {
	switch l {
	case trace.LevelTrace:
		return "TRC"
	case trace.LevelDebug:
		return "DBG"
	case trace.LevelInfo:
		return "INF"
	case trace.LevelWarn:
		return "WRN"
	default:
		return "ERR"
	}
}

func renderFieldValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(b)
}
