package detail

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tobert/tracelanes/internal/timeline"
	"github.com/tobert/tracelanes/internal/trace"
)

func i64(v int64) *int64 { return &v }

func fixture() (*trace.Trace, *trace.Request) {
	child := &trace.Request{
		ID: "child", Type: trace.RequestRPC, GoID: 7,
		SvcName: "users", RPCName: "Get",
		StartTime: 1100, EndTime: i64(1300),
		Inputs:  [][]byte{[]byte("42"), []byte(`{"verbose":true}`)},
		Outputs: [][]byte{[]byte(`{"name":"bob"}`)},
	}
	call := &trace.RPCCall{
		Timing: trace.Timing{GoID: 1, StartTime: 1100, EndTime: i64(1300),
			Stack: trace.Stack{Frames: []trace.StackFrame{{Func: "main.handler", Filename: "main.go", Line: 10}}}},
		ReqID:  "child",
		DefLoc: 1,
	}
	root := &trace.Request{
		ID: "root", Type: trace.RequestRPC, GoID: 1,
		SvcName: "api", RPCName: "Home",
		StartTime: 1000, EndTime: i64(2000),
		DefLoc:   0,
		Inputs:   [][]byte{[]byte(`{"q":"x"}`)},
		Outputs:  [][]byte{[]byte(`"ok"`)},
		Children: []*trace.Request{child},
		Events: trace.EventList{
			call,
			&trace.LogMessage{GoID: 1, Time: 1500, Level: trace.LevelInfo, Msg: "hello"},
		},
	}
	tr := &trace.Trace{
		ID:   "t1",
		Date: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Unit: trace.Milliseconds,
		Root: root,
		Locations: []trace.Location{
			{Filepath: "api/home.go", SrcLineStart: 12, Def: &trace.RPCDef{ServiceName: "api", RPCName: "Home"}},
			{Filepath: "users/get.go", SrcLineStart: 5, Def: &trace.RPCDef{ServiceName: "users", RPCName: "Get"}},
			{Filepath: "auth/auth.go", SrcLineStart: 3, Def: &trace.AuthHandlerDef{ServiceName: "auth", Name: "Check"}},
			{Filepath: "sub/sub.go", SrcLineStart: 9, Def: &trace.PubSubSubscriber{TopicName: "signups", SubscriberName: "welcome"}},
			{Filepath: "cache/ks.go", SrcLineStart: 1, Def: &trace.CacheKeyspace{VarName: "Sessions"}},
		},
		Meta: trace.Metadata{Svcs: []trace.Service{{
			Name: "users",
			RPCs: []trace.RPC{{Name: "Get", Path: trace.Path{Segments: []trace.PathSegment{
				{Type: trace.SegmentLiteral, Value: "users"},
				{Type: trace.SegmentParam, Value: "id"},
			}}}},
		}}},
	}
	child.DefLoc = 1
	return tr, root
}

func TestForRequestRPC(t *testing.T) {
	tr, root := fixture()
	v, err := ForRequest(tr, root)
	require.NoError(t, err)

	assert.Equal(t, "API Call", v.TypeLabel)
	assert.Equal(t, "api.Home", v.Title())
	assert.Equal(t, "api/home.go:12", v.Source)
	assert.Equal(t, "1.0s", v.Duration)
	assert.Equal(t, 1, v.Summary.APICalls)
	assert.Equal(t, 1, v.Lanes)
	assert.Nil(t, v.CallStack, "root request has no spawning call")

	require.Len(t, v.Sections, 2)
	assert.Equal(t, "Request", v.Sections[0].Title)
	require.NotNil(t, v.Sections[0].Content)
	assert.Equal(t, ModeJSON, v.Sections[0].Content.Mode)
	assert.Equal(t, "Response", v.Sections[1].Title)
	assert.Equal(t, `"ok"`, v.Sections[1].Content.Text)

	require.Len(t, v.Logs, 1)
	assert.Equal(t, "00:00:00.500", v.Logs[0].Clock)
}

func TestForRequestChildHasCallStack(t *testing.T) {
	tr, root := fixture()
	v, err := ForRequest(tr, root.Children[0])
	require.NoError(t, err)
	require.NotNil(t, v.CallStack)
	assert.Equal(t, "main.handler", v.CallStack.Frames[0].Func)

	req := v.Sections[0]
	assert.Equal(t, "42", req.Params[0].Value)
	assert.Equal(t, "id", req.Params[0].Name)
	assert.Equal(t, "{\n  \"verbose\": true\n}", req.Content.Text)
}

func TestForRequestFallbacks(t *testing.T) {
	tr, _ := fixture()
	req := &trace.Request{ID: "x", GoID: 1, DefLoc: 99, StartTime: 5}
	v, err := ForRequest(tr, req)
	require.NoError(t, err)
	assert.Equal(t, "Unknown Request", v.TypeLabel)
	assert.Equal(t, "unknown.Unknown", v.Title())
	assert.Equal(t, "Unknown", v.Duration)
	assert.Equal(t, "No request data.", v.Sections[0].Note)
	assert.Equal(t, "No response data.", v.Sections[1].Note)
}

func TestForRequestErrorReplacesResponse(t *testing.T) {
	tr, root := fixture()
	root.Err = []byte("boom")
	root.ErrStack = &trace.Stack{}
	v, err := ForRequest(tr, root)
	require.NoError(t, err)
	last := v.Sections[len(v.Sections)-1]
	assert.Equal(t, "Error", last.Title)
	assert.True(t, last.Error)
	assert.Equal(t, "boom", last.Content.Text)
	assert.NotNil(t, last.Stack)
}

func TestForRequestAuth(t *testing.T) {
	tr, _ := fixture()
	req := &trace.Request{
		ID: "a", Type: trace.RequestAuth, GoID: 1, DefLoc: 2,
		Outputs: [][]byte{[]byte(`"user-1"`), []byte(`{"role":"admin"}`)},
	}
	v, err := ForRequest(tr, req)
	require.NoError(t, err)
	assert.Equal(t, "Auth Call", v.TypeLabel)
	assert.Equal(t, "auth.Check", v.Title())
	require.Len(t, v.Sections, 2)
	assert.Equal(t, "User ID", v.Sections[0].Title)
	assert.Equal(t, `"user-1"`, v.Sections[0].Content.Text)
	assert.Equal(t, "User Data", v.Sections[1].Title)

	req.Err = []byte("denied")
	v, err = ForRequest(tr, req)
	require.NoError(t, err)
	require.Len(t, v.Sections, 1)
	assert.True(t, v.Sections[0].Error)
}

func TestForRequestPubSub(t *testing.T) {
	tr, _ := fixture()
	req := &trace.Request{
		ID: "p", Type: trace.RequestPubSub, GoID: 1, DefLoc: 3,
		MsgID: "m-1", Attempt: 2, Published: i64(1704067200000),
		Inputs: [][]byte{[]byte(`{"email":"a@b.c"}`)},
	}
	v, err := ForRequest(tr, req)
	require.NoError(t, err)
	assert.Equal(t, "PubSub Message Received", v.TypeLabel)
	assert.Equal(t, "signups.welcome", v.Title())

	assert.Equal(t, "m-1", v.Sections[0].Note)
	assert.Equal(t, "2", v.Sections[1].Note)
	assert.Equal(t, "2024-01-01T00:00:00.000Z", v.Sections[2].Note)
	assert.Equal(t, "Message", v.Sections[3].Title)
	assert.Equal(t, ModeJSON, v.Sections[3].Content.Mode)

	req.MsgID, req.Attempt, req.Published, req.Inputs = "", 0, nil, nil
	v, err = ForRequest(tr, req)
	require.NoError(t, err)
	assert.Equal(t, "<unknown>", v.Sections[0].Note)
	assert.Equal(t, "<unknown>", v.Sections[1].Note)
	assert.Equal(t, "<unknown>", v.Sections[2].Note)
	assert.Equal(t, "No message data.", v.Sections[3].Note)
}

func TestForRequestMissingLane(t *testing.T) {
	tr, _ := fixture()
	req := &trace.Request{ID: "bad", GoID: 1, Events: trace.EventList{
		&trace.DBQuery{Timing: trace.Timing{GoID: 3}},
	}}
	_, err := ForRequest(tr, req)
	var missing *timeline.MissingLaneError
	assert.True(t, errors.As(err, &missing))
}

func TestForEventRPCCall(t *testing.T) {
	tr, root := fixture()
	call := root.Events[0]
	v, err := ForEvent(tr, root, call)
	require.NoError(t, err)
	assert.Equal(t, "API Call: users.Get", v.Title)
	assert.Equal(t, "200ms", v.Latency)
	require.NotNil(t, v.Stack)
	require.Len(t, v.Sections, 3)
	assert.Equal(t, "42", v.Sections[0].Params[0].Value)
	assert.Equal(t, "{\n  \"name\": \"bob\"\n}", v.Sections[1].Content.Text)
	assert.Equal(t, completed, v.Sections[2].Note)
}

func TestForEventUnresolvedCall(t *testing.T) {
	tr, root := fixture()
	orphan := &trace.RPCCall{Timing: trace.Timing{GoID: 1}, ReqID: "ghost"}
	_, err := ForEvent(tr, root, orphan)
	require.Error(t, err)

	var unresolved *UnresolvedReferenceError
	require.True(t, errors.As(err, &unresolved))
	assert.Equal(t, "ghost", unresolved.Ref)
	assert.Equal(t, "root", unresolved.RequestID)
}

func TestForEventDBQuery(t *testing.T) {
	tr, root := fixture()
	q := &trace.DBQuery{Timing: trace.Timing{GoID: 1, StartTime: 10}, Query: []byte("SELECT 1")}
	v, err := ForEvent(tr, root, q)
	require.NoError(t, err)
	assert.Equal(t, "DB Query", v.Title)
	assert.Equal(t, "Unknown", v.Latency)
	assert.Nil(t, v.Stack)
	assert.Equal(t, &Content{Text: "SELECT 1", Mode: ModeSQL}, v.Sections[0].Content)

	q.Err = []byte("syntax error")
	v, _ = ForEvent(tr, root, q)
	assert.True(t, v.Sections[1].Error)
}

func TestForEventHTTPCall(t *testing.T) {
	tr, root := fixture()
	c := &trace.HTTPCall{
		Timing: trace.Timing{GoID: 1, StartTime: 100, EndTime: i64(200)},
		Method: "GET", Host: "example.com", Path: "/a", URL: "https://example.com/a",
		StatusCode: 204,
		Metrics: trace.HTTPMetrics{
			GotConn: i64(105), DNSDone: i64(110), TLSHandshakeDone: i64(130),
			WroteHeaders: i64(132), WroteRequest: i64(135), FirstResponse: i64(180),
		},
	}
	v, err := ForEvent(tr, root, c)
	require.NoError(t, err)
	assert.Equal(t, "HTTP GET example.com/a", v.Title)
	assert.Equal(t, "HTTP 204", v.Sections[1].Note)
	assert.Equal(t, []Row{
		{Label: "DNS Lookup", Value: "10ms"},
		{Label: "TLS Handshake", Value: "20ms"},
		{Label: "Wrote Request", Value: "5ms"},
		{Label: "Response Start", Value: "48ms"},
	}, v.Timings)

	c.Metrics.ConnReused = true
	c.EndTime = nil
	v, _ = ForEvent(tr, root, c)
	assert.Equal(t, "No response recorded.", v.Sections[1].Note)
	assert.Equal(t, Row{Label: "Reused Connection", Value: "Yes"}, v.Timings[0])
}

func TestForEventPublish(t *testing.T) {
	tr, root := fixture()
	p := &trace.PubSubPublish{Timing: trace.Timing{GoID: 1}, Topic: "signups", Message: []byte(`{"id":1}`)}
	v, err := ForEvent(tr, root, p)
	require.NoError(t, err)
	assert.Equal(t, "Publish: signups", v.Title)
	assert.Equal(t, "Not Sent", v.Sections[0].Note)
	assert.Equal(t, ModeJSON, v.Sections[1].Content.Mode)

	id := "msg-9"
	p.MessageID = &id
	v, _ = ForEvent(tr, root, p)
	assert.Equal(t, "msg-9", v.Sections[0].Note)
}

func TestForEventCacheOp(t *testing.T) {
	tr, root := fixture()
	op := &trace.CacheOp{
		Timing: trace.Timing{GoID: 1}, Operation: "Set", Write: true,
		Keys: []string{"a"}, Result: trace.CacheConflict, DefLoc: 4,
	}
	v, err := ForEvent(tr, root, op)
	require.NoError(t, err)
	assert.Equal(t, "Cache Write", v.Title)

	titles := make([]string, 0, len(v.Sections))
	for _, s := range v.Sections {
		titles = append(titles, s.Title)
	}
	assert.Equal(t, []string{"Keyspace", "Operation", "Key", "Result"}, titles)
	assert.Equal(t, "Sessions", v.Sections[0].Note)
	assert.Equal(t, "Precondition failed", v.Sections[3].Note)
}

func TestForEventNoDetail(t *testing.T) {
	tr, root := fixture()
	_, err := ForEvent(tr, root, &trace.LogMessage{})
	assert.ErrorIs(t, err, ErrNoDetail)
}

func TestCacheResultText(t *testing.T) {
	assert.Equal(t, "Key not found", CacheResultText(trace.CacheNoSuchKey))
	assert.Equal(t, "Completed successfully", CacheResultText(trace.CacheOk))
	assert.Equal(t, "Unknown", CacheResultText(trace.CacheErr))
}
