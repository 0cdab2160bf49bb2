package webui

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/tobert/tracelanes/internal/detail"
	"github.com/tobert/tracelanes/internal/hover"
	"github.com/tobert/tracelanes/internal/storage"
	"github.com/tobert/tracelanes/internal/timeline"
	"github.com/tobert/tracelanes/internal/trace"
)

// Client-sent operations on the WebSocket.
const (
	opOpen         = "open"
	opEnterBar     = "enter_bar"
	opLeaveBar     = "leave_bar"
	opEnterTooltip = "enter_tooltip"
	opLeaveTooltip = "leave_tooltip"
	opLeaveLane    = "leave_lane"
)

// wsRequest is a client-sent message.
type wsRequest struct {
	Op        string `json:"op"`
	TraceID   string `json:"trace_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	GoID      uint32 `json:"goid,omitempty"`
	Bar       int    `json:"bar,omitempty"`
}

// wsMessage is a server-sent message.
type wsMessage struct {
	Type       string          `json:"type"` // hello, timeline, tooltip, generation, error
	Session    string          `json:"session,omitempty"`
	Generation uint64          `json:"generation,omitempty"`
	Timeline   *timeline.Model `json:"timeline,omitempty"`
	Tooltip    *wsTooltip      `json:"tooltip,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// wsTooltip is one lane's tooltip after a pointer transition.
type wsTooltip struct {
	GoID    uint32       `json:"goid"`
	State   string       `json:"state"`
	Visible bool         `json:"visible"`
	Bar     *barResponse `json:"bar,omitempty"`
}

// hoverSession is the hover state of one connected page: the request
// being viewed and one tracker per lane.
type hoverSession struct {
	id       string
	store    *storage.TraceStore
	tr       *trace.Trace
	req      *trace.Request
	model    *timeline.Model
	trackers map[uint32]*hover.Tracker[int]
}

func newHoverSession(store *storage.TraceStore) *hoverSession {
	return &hoverSession{
		id:       uuid.NewString(),
		store:    store,
		trackers: make(map[uint32]*hover.Tracker[int]),
	}
}

// handle applies one client message and returns the reply.
func (h *hoverSession) handle(ctx context.Context, msg wsRequest) (wsMessage, error) {
	if msg.Op == opOpen {
		return h.open(ctx, msg.TraceID, msg.RequestID)
	}
	if h.model == nil {
		return wsMessage{}, fmt.Errorf("no request is open")
	}

	lane, ok := h.model.Lane(msg.GoID)
	if !ok {
		return wsMessage{}, fmt.Errorf("request %s has no lane for goroutine %d", h.req.ID, msg.GoID)
	}
	t := h.trackers[lane.GoID]
	if t == nil {
		t = &hover.Tracker[int]{}
		h.trackers[lane.GoID] = t
	}

	switch msg.Op {
	case opEnterBar:
		if msg.Bar < 0 || msg.Bar >= len(lane.Bars) {
			return wsMessage{}, fmt.Errorf("lane g%d has %d bars, no bar %d", lane.GoID, len(lane.Bars), msg.Bar)
		}
		t.EnterBar(msg.Bar)
	case opLeaveBar:
		t.LeaveBar()
	case opEnterTooltip:
		t.EnterTooltip()
	case opLeaveTooltip:
		t.LeaveTooltip()
	case opLeaveLane:
		t.Reset()
	default:
		return wsMessage{}, fmt.Errorf("unknown op %q", msg.Op)
	}

	tip := &wsTooltip{GoID: lane.GoID, State: t.State().String(), Visible: t.Visible()}
	if index, ok := t.Target(); ok {
		resp, err := barDetail(h.tr, h.req, lane, index)
		if err != nil {
			return wsMessage{}, err
		}
		tip.Bar = resp
	}
	return wsMessage{Type: "tooltip", Tooltip: tip}, nil
}

// open loads a request and resets every lane to Idle.
func (h *hoverSession) open(ctx context.Context, traceID, reqID string) (wsMessage, error) {
	tr, req, _, err := h.store.Request(ctx, traceID, reqID)
	if err != nil {
		return wsMessage{}, err
	}
	model, err := timeline.Build(tr, req)
	if err != nil {
		return wsMessage{}, err
	}
	h.tr, h.req, h.model = tr, req, model
	clear(h.trackers)
	return wsMessage{Type: "timeline", Timeline: model}, nil
}

// barDetail builds the tooltip content of one bar of lane.
func barDetail(tr *trace.Trace, req *trace.Request, lane *timeline.LaneView, index int) (*barResponse, error) {
	if index < 0 || index >= len(lane.Bars) {
		return nil, fmt.Errorf("lane g%d has %d bars, no bar %d", lane.GoID, len(lane.Bars), index)
	}
	bar := lane.Bars[index]

	view, err := detail.ForEvent(tr, req, bar.Event)
	if err != nil {
		return nil, err
	}
	resp := &barResponse{Bar: bar, Detail: view}
	if call, ok := bar.Event.(*trace.RPCCall); ok {
		resp.ChildRequestID = call.ReqID
	}
	return resp, nil
}

// handleWebSocket upgrades to WebSocket and runs a hover session. The
// client opens a request, then reports pointer transitions; each one is
// answered with the lane's tooltip. Store changes are announced with the
// new generation so the page can refresh its trace list.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow any origin for localhost dev
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	session := newHoverSession(s.store)

	notifyCh, unsubscribe := s.store.Subscribe()
	defer unsubscribe()

	// Read client messages in a goroutine
	reqCh := make(chan wsRequest, 16)
	go func() {
		defer close(reqCh)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var m wsRequest
			if err := json.Unmarshal(data, &m); err != nil {
				m = wsRequest{Op: "invalid"}
			}
			select {
			case reqCh <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	ac := s.store.Activity()
	if !send(ctx, conn, wsMessage{Type: "hello", Session: session.id, Generation: ac.Generation()}) {
		return
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "server shutting down")
			return

		case m, ok := <-reqCh:
			if !ok {
				// Client disconnected
				return
			}
			reply, err := session.handle(ctx, m)
			if err != nil {
				reply = wsMessage{Type: "error", Error: err.Error()}
			}
			if !send(ctx, conn, reply) {
				return
			}

		case <-notifyCh:
			if !send(ctx, conn, wsMessage{Type: "generation", Generation: ac.Generation()}) {
				return
			}

		case <-keepalive.C:
			if !send(ctx, conn, wsMessage{Type: "generation", Generation: ac.Generation()}) {
				return
			}
		}
	}
}

// send writes one JSON message, reporting whether the connection is usable.
func send(ctx context.Context, conn *websocket.Conn, msg wsMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("webui: failed to marshal %s message: %v", msg.Type, err)
		return true
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return conn.Write(writeCtx, websocket.MessageText, data) == nil
}
