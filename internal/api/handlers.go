package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/recyclekiosk/internal/bus"
	"github.com/rewired-gh/recyclekiosk/internal/logger"
	"github.com/rewired-gh/recyclekiosk/internal/models"
	"github.com/rewired-gh/recyclekiosk/internal/session"
	"github.com/rewired-gh/recyclekiosk/internal/vision"
)

// Kiosk states reported by /api/status.
const (
	StateIdle             = "idle"
	StateConfirming       = "confirming"
	StateAwaitingIdentity = "awaiting_identity"
)

type statusResponse struct {
	State string `json:"state"`
	session.Snapshot
	Classifier *vision.LatencySummary `json:"classifier_latency,omitempty"`
}

func stateOf(s session.Snapshot) string {
	switch {
	case s.Pending != nil:
		return StateAwaitingIdentity
	case s.Candidate != nil:
		return StateConfirming
	default:
		return StateIdle
	}
}

func (s *Server) status() statusResponse {
	snap := s.opts.Session.Snapshot()
	resp := statusResponse{State: stateOf(snap), Snapshot: snap}
	if s.opts.Latency != nil {
		l := s.opts.Latency()
		resp.Classifier = &l
	}
	return resp
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("pong"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.status())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	snap := s.opts.Session.Reset()
	s.opts.Bus.Publish(bus.TopicSystemReset, snap)
	logger.Info("[api] session reset from %s", r.RemoteAddr)
	writeJSON(w, map[string]string{"status": "reset_complete"})
}

func (s *Server) handleContainers(w http.ResponseWriter, r *http.Request) {
	containers := []models.ContainerTelemetry{}
	if s.opts.Containers != nil {
		containers = s.opts.Containers.Containers()
	}
	writeJSON(w, map[string]any{"containers": containers})
}

// handleEvents streams notifications as server-sent events. ?topics=a,b narrows the
// stream; the first event is always initial_state with the current status.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONWithStatus(w, map[string]string{"error": "streaming unsupported"}, http.StatusInternalServerError)
		return
	}

	var topics []string
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			t = strings.TrimSpace(t)
			if t == "" {
				continue
			}
			if !bus.IsTopic(t) {
				writeJSONWithStatus(w, map[string]string{"error": "unknown topic: " + t}, http.StatusBadRequest)
				return
			}
			topics = append(topics, t)
		}
	}

	id := "sse-" + uuid.NewString()
	sub, err := s.opts.Bus.Subscribe(id, s.opts.EventBuffer, topics...)
	if err != nil {
		writeJSONWithStatus(w, map[string]string{"error": err.Error()}, http.StatusServiceUnavailable)
		return
	}
	defer s.opts.Bus.Unsubscribe(id) //nolint:errcheck

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if err := writeSSE(w, "initial_state", s.status()); err != nil {
		return
	}
	flusher.Flush()
	logger.Debug("[api] event stream %s opened (topics=%v)", id, topics)

	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Debug("[api] event stream %s closed", id)
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case n, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeSSE(w, n.Topic, n); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
