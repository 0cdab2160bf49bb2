package webui

import (
	"cmp"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/tobert/tracelanes/internal/detail"
	"github.com/tobert/tracelanes/internal/payload"
	"github.com/tobert/tracelanes/internal/storage"
	"github.com/tobert/tracelanes/internal/timeline"
	"github.com/tobert/tracelanes/internal/trace"
)

//go:embed static/index.html
var staticFiles embed.FS

const defaultTraceLimit = 50

// Server serves the embedded span detail page, its JSON API, and the
// hover WebSocket.
type Server struct {
	store *storage.TraceStore
}

// New creates a new web UI server.
func New(store *storage.TraceStore) *Server {
	return &Server{store: store}
}

// RegisterRoutes attaches web UI routes to an existing ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ui/", s.handleUI)
	mux.HandleFunc("GET /ui", s.handleUIRedirect)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/traces", s.handleTraces)
	mux.HandleFunc("GET /api/traces/{id}/timeline", s.handleTimeline)
	mux.HandleFunc("GET /api/traces/{id}/bar", s.handleBar)
	mux.HandleFunc("GET /api/traces/{id}/payload", s.handlePayload)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

// ListenAndServe starts a standalone HTTP server for the web UI.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleUIRedirect redirects /ui to /ui/ for consistent routing.
func (s *Server) handleUIRedirect(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/ui/", http.StatusMovedPermanently)
}

// handleUI serves the embedded index.html.
func (s *Server) handleUI(w http.ResponseWriter, r *http.Request) {
	data, err := staticFiles.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "UI not found", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// handleStatus returns buffer statistics and the generation counter.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.store.Stats())
}

// handleTraces lists recent traces, most recently changed first.
func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	limit := defaultTraceLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, s.store.Recent(r.Context(), limit))
}

// timelineResponse is the JSON shape for /api/traces/{id}/timeline.
type timelineResponse struct {
	Source   storage.Source      `json:"source"`
	Header   *detail.RequestView `json:"header"`
	Timeline *timeline.Model     `json:"timeline"`
	Children []childRef          `json:"children,omitempty"`
}

type childRef struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Latency string `json:"latency"`
	Failed  bool   `json:"failed,omitempty"`
}

// handleTimeline returns the header, lanes, and logs of one request.
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	tr, req, src, ok := s.lookup(w, r)
	if !ok {
		return
	}

	model, err := timeline.Build(tr, req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	header, err := detail.ForRequest(tr, req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	resp := timelineResponse{Source: src, Header: header, Timeline: model}
	for _, child := range req.Children {
		ref := childRef{
			ID:      child.ID,
			Title:   cmp.Or(child.SvcName+"."+child.RPCName, child.ID),
			Latency: timeline.SpanLatency(tr.Unit, child.StartTime, child.EndTime),
			Failed:  child.Err != nil,
		}
		if v, err := detail.ForRequest(tr, child); err == nil {
			ref.Title = v.Title()
		}
		resp.Children = append(resp.Children, ref)
	}
	writeJSON(w, resp)
}

// barResponse is the JSON shape for /api/traces/{id}/bar.
type barResponse struct {
	Bar            timeline.Bar      `json:"bar"`
	Detail         *detail.EventView `json:"detail"`
	ChildRequestID string            `json:"child_request_id,omitempty"`
}

// handleBar returns the tooltip of one bar, addressed by goid and bar index.
func (s *Server) handleBar(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	goid, err := strconv.ParseUint(q.Get("goid"), 10, 32)
	if err != nil {
		http.Error(w, "goid must be a goroutine id", http.StatusBadRequest)
		return
	}
	index, err := strconv.Atoi(q.Get("bar"))
	if err != nil {
		http.Error(w, "bar must be a bar index", http.StatusBadRequest)
		return
	}

	tr, req, _, ok := s.lookup(w, r)
	if !ok {
		return
	}

	model, err := timeline.Build(tr, req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	lane, ok := model.Lane(uint32(goid))
	if !ok {
		http.Error(w, fmt.Sprintf("request %s has no lane for goroutine %d", req.ID, goid), http.StatusNotFound)
		return
	}
	resp, err := barDetail(tr, req, lane, index)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, resp)
}

// payloadResponse is the JSON shape for /api/traces/{id}/payload.
type payloadResponse struct {
	Request  payload.Split `json:"request"`
	Response *payload.Body `json:"response,omitempty"`
	Error    string        `json:"error,omitempty"`
	Stack    *trace.Stack  `json:"error_stack,omitempty"`
}

// handlePayload returns the request's parameters, body, and response.
func (s *Server) handlePayload(w http.ResponseWriter, r *http.Request) {
	tr, req, _, ok := s.lookup(w, r)
	if !ok {
		return
	}

	resp := payloadResponse{
		Request:  payload.Correlate(tr, req, req.Inputs),
		Response: payload.Render(req.Outputs),
		Stack:    req.ErrStack,
	}
	if req.Err != nil {
		resp.Error = payload.UTF8(req.Err)
	}
	writeJSON(w, resp)
}

// lookup resolves the {id} path value and the optional request query
// parameter, writing the error response itself when it fails.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*trace.Trace, *trace.Request, storage.Source, bool) {
	tr, req, src, err := s.store.Request(r.Context(), r.PathValue("id"), r.URL.Query().Get("request"))
	switch {
	case errors.Is(err, storage.ErrTraceNotFound), errors.Is(err, storage.ErrRequestNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, nil, "", false
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, nil, "", false
	}
	return tr, req, src, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "")
	if err := enc.Encode(v); err != nil {
		log.Printf("webui: failed to write JSON: %v", err)
	}
}
