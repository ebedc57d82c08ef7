// Package web provides an HTTP status server for the hysteresis-output daemon.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sweeney/hysteresis-output/internal/logic"
	"github.com/sweeney/hysteresis-output/internal/status"
)

// Server serves the status page over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	latch      chan<- logic.LatchUpdate
}

// New creates a Server that reads state from the given tracker.
// If latch is non-nil, POST /latch forwards partial latch time changes to it;
// the receiver (the run loop) owns the controller and applies them.
func New(addr string, tracker *status.Tracker, latch chan<- logic.LatchUpdate) *Server {
	s := &Server{tracker: tracker, latch: latch}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/index.html", s.handleIndex)
	mux.HandleFunc("/index.json", s.handleJSON)
	if latch != nil {
		mux.HandleFunc("/latch", s.handleLatch)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		http.NotFound(w, r)
		return
	}
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap); err != nil {
		log.Printf("web: render index: %v", err)
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

// LatchRequest is the body of POST /latch. Omitted fields keep their current value.
type LatchRequest struct {
	OnMs  *int64 `json:"on_ms,omitempty"`
	OffMs *int64 `json:"off_ms,omitempty"`
}

// maxLatchMs is the largest hold that fits in a time.Duration.
const maxLatchMs = math.MaxInt64 / int64(time.Millisecond)

// latchDuration converts a millisecond field, rejecting values that are
// negative or overflow time.Duration.
func latchDuration(name string, ms *int64) (*time.Duration, error) {
	if ms == nil {
		return nil, nil
	}
	if *ms < 0 {
		return nil, fmt.Errorf("%s must not be negative", name)
	}
	if *ms > maxLatchMs {
		return nil, fmt.Errorf("%s must not exceed %d", name, maxLatchMs)
	}
	d := time.Duration(*ms) * time.Millisecond
	return &d, nil
}

// handleLatch forwards the requested fields to the run loop, which merges them
// into the controller's current latch times.
func (s *Server) handleLatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req LatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.OnMs == nil && req.OffMs == nil {
		http.Error(w, "on_ms or off_ms required", http.StatusBadRequest)
		return
	}

	var update logic.LatchUpdate
	var err error
	if update.On, err = latchDuration("on_ms", req.OnMs); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if update.Off, err = latchDuration("off_ms", req.OffMs); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	select {
	case s.latch <- update:
	default:
		http.Error(w, "latch update already pending", http.StatusServiceUnavailable)
		return
	}

	log.Printf("web: latch update requested: on_ms=%s off_ms=%s", msString(req.OnMs), msString(req.OffMs))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(req)
}

func msString(ms *int64) string {
	if ms == nil {
		return "unchanged"
	}
	return strconv.FormatInt(*ms, 10)
}
