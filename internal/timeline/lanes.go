package timeline

import "github.com/tobert/tracelanes/internal/trace"

// Lane is the derived row of one goroutine within a request.
type Lane struct {
	GoID   uint32
	Start  int64
	End    *int64
	Events []trace.Event
}

// BuildLanes groups a request's events by goroutine.
//
// The request's own goroutine seeds the first lane with the request bounds.
// Each Goroutine event opens a lane bounded by that event. Transaction
// queries are flattened into the transaction's lane; every other event joins
// the lane of its own goroutine. Lanes are returned in first-seen order,
// keeping only lanes with events plus the root lane.
func BuildLanes(req *trace.Request) ([]Lane, error) {
	lanes := map[uint32]*Lane{
		req.GoID: {GoID: req.GoID, Start: req.StartTime, End: req.EndTime},
	}
	order := []uint32{req.GoID}

	for i, ev := range req.Events {
		switch e := ev.(type) {
		case *trace.Goroutine:
			if l, ok := lanes[e.GoID]; ok {
				// Reused goroutine id: keep its row, take the latest bounds.
				l.Start, l.End = e.StartTime, e.EndTime
				continue
			}
			lanes[e.GoID] = &Lane{GoID: e.GoID, Start: e.StartTime, End: e.EndTime}
			order = append(order, e.GoID)

		case *trace.DBTransaction:
			l, ok := lanes[e.GoID]
			if !ok {
				return nil, &MissingLaneError{RequestID: req.ID, GoID: e.GoID, Kind: e.Kind(), Index: i}
			}
			for _, q := range e.Queries {
				l.Events = append(l.Events, q)
			}

		default:
			l, ok := lanes[ev.Lane()]
			if !ok {
				return nil, &MissingLaneError{RequestID: req.ID, GoID: ev.Lane(), Kind: ev.Kind(), Index: i}
			}
			l.Events = append(l.Events, ev)
		}
	}

	out := make([]Lane, 0, len(order))
	for _, id := range order {
		l := lanes[id]
		if len(l.Events) > 0 || id == req.GoID {
			out = append(out, *l)
		}
	}
	return out, nil
}
