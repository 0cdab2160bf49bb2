// Package tracetest provides trace fixtures for tests.
package tracetest

import (
	"time"

	"github.com/tobert/tracelanes/internal/trace"
)

// Ptr returns a pointer to v.
func Ptr(v int64) *int64 { return &v }

// Date is the wall clock of every fixture's start.
var Date = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// Checkout is a 100ms users.Get request on goroutine 1 with:
//
//	g1:0  DBQuery  SELECT 1           10..20
//	g1:1  RPCCall  billing.Charge     50..90, failed, child "charge"
//	g2:0  DBQuery  SELECT 2           35..45, on a goroutine spawned 30..60
//
// plus one INFO log line at 5ms. The users.Get route is /users/:id, so the
// first input is the id and the second the body.
func Checkout(id string) *trace.Trace {
	return &trace.Trace{
		ID:   id,
		Date: Date,
		Locations: []trace.Location{
			{Filepath: "users/users.go", SrcLineStart: 10, Def: &trace.RPCDef{ServiceName: "users", RPCName: "Get"}},
			{Filepath: "billing/billing.go", SrcLineStart: 20, Def: &trace.RPCDef{ServiceName: "billing", RPCName: "Charge"}},
		},
		Meta: trace.Metadata{Svcs: []trace.Service{{
			Name: "users",
			RPCs: []trace.RPC{{
				Name: "Get",
				Path: trace.Path{Segments: []trace.PathSegment{
					{Type: trace.SegmentLiteral, Value: "users"},
					{Type: trace.SegmentParam, Value: "id"},
				}},
			}},
		}}},
		Root: &trace.Request{
			ID:        "root",
			Type:      trace.RequestRPC,
			GoID:      1,
			SvcName:   "users",
			RPCName:   "Get",
			StartTime: 0,
			EndTime:   Ptr(100),
			DefLoc:    0,
			Inputs:    [][]byte{[]byte("42"), []byte(`{"verbose":true}`)},
			Outputs:   [][]byte{[]byte(`{"name":"ada"}`)},
			Children: []*trace.Request{{
				ID:        "charge",
				Type:      trace.RequestRPC,
				GoID:      7,
				SvcName:   "billing",
				RPCName:   "Charge",
				StartTime: 50,
				EndTime:   Ptr(90),
				DefLoc:    1,
				Err:       []byte("card declined"),
			}},
			Events: trace.EventList{
				&trace.LogMessage{GoID: 1, Time: 5, Level: trace.LevelInfo, Msg: "looking up user"},
				&trace.DBQuery{Timing: trace.Timing{GoID: 1, StartTime: 10, EndTime: Ptr(20)}, Query: []byte("SELECT 1")},
				&trace.Goroutine{Timing: trace.Timing{GoID: 2, StartTime: 30, EndTime: Ptr(60)}},
				&trace.DBQuery{Timing: trace.Timing{GoID: 2, StartTime: 35, EndTime: Ptr(45)}, Query: []byte("SELECT 2")},
				&trace.RPCCall{Timing: trace.Timing{GoID: 1, StartTime: 50, EndTime: Ptr(90)}, ReqID: "charge", DefLoc: 1, Err: []byte("card declined")},
			},
		},
	}
}
