package timeline

import "github.com/tobert/tracelanes/internal/trace"

// Summary holds the header counts of a request.
type Summary struct {
	Duration  *int64 `json:"duration,omitempty"` // ticks; nil when the request never ended
	APICalls  int    `json:"api_calls"`
	DBQueries int    `json:"db_queries"`
	Publishes int    `json:"publishes"`
	LogLines  int    `json:"log_lines"`

	// Logs are kept in their original order for the log timeline.
	Logs []*trace.LogMessage `json:"-"`
}

// Summarize computes the header counts in a single pass over the events.
// API calls count children, so a call that never returned still counts.
func Summarize(req *trace.Request) Summary {
	s := Summary{APICalls: len(req.Children)}
	if req.EndTime != nil {
		d := *req.EndTime - req.StartTime
		s.Duration = &d
	}

	for _, ev := range req.Events {
		switch e := ev.(type) {
		case *trace.DBQuery:
			s.DBQueries++
		case *trace.DBTransaction:
			s.DBQueries += len(e.Queries)
		case *trace.PubSubPublish:
			s.Publishes++
		case *trace.LogMessage:
			s.Logs = append(s.Logs, e)
		}
	}
	s.LogLines = len(s.Logs)
	return s
}
