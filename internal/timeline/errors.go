package timeline

import (
	"fmt"

	"github.com/tobert/tracelanes/internal/trace"
)

// MissingLaneError reports an event that names a goroutine no lane exists
// for. It means the capture or serialization upstream is broken.
type MissingLaneError struct {
	RequestID string
	GoID      uint32
	Kind      trace.EventKind
	Index     int // position in the request's event list
}

func (e *MissingLaneError) Error() string {
	return fmt.Sprintf("request %s: event %d (%s) references goroutine %d with no lane",
		e.RequestID, e.Index, e.Kind, e.GoID)
}
