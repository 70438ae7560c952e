package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rewired-gh/recyclekiosk/internal/bus"
	"github.com/rewired-gh/recyclekiosk/internal/models"
	"github.com/rewired-gh/recyclekiosk/internal/session"
	"github.com/rewired-gh/recyclekiosk/internal/vision"
)

type staticContainers []models.ContainerTelemetry

func (c staticContainers) Containers() []models.ContainerTelemetry { return c }

func newTestServer(t *testing.T) (*Server, *session.Session, *bus.Bus) {
	t.Helper()
	sess := session.New()
	b := bus.New()
	t.Cleanup(b.Close)
	srv := NewServer(Options{
		Session:    sess,
		Bus:        b,
		Containers: staticContainers{{ContainerID: "plastico", FillPercent: 40, State: models.ContainerOK}},
		Latency:    func() vision.LatencySummary { return vision.LatencySummary{Count: 3, MeanMs: 12} },
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		}),
		Heartbeat: time.Hour,
	})
	return srv, sess, b
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func setPending(sess *session.Session, m models.MaterialKind) {
	_ = sess.WithLock(func(st *session.State) error {
		st.Pending = &m
		return nil
	})
}

func TestPing(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := do(t, srv.Router(), http.MethodGet, "/ping")
	if rec.Code != http.StatusOK || rec.Body.String() != "pong" {
		t.Errorf("ping = %d %q", rec.Code, rec.Body.String())
	}
}

func TestStatus(t *testing.T) {
	srv, sess, _ := newTestServer(t)
	setPending(sess, "plastico")

	rec := do(t, srv.Router(), http.MethodGet, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["state"] != StateAwaitingIdentity {
		t.Errorf("state = %v", body["state"])
	}
	if body["pending_material"] != "plastico" {
		t.Errorf("pending_material = %v", body["pending_material"])
	}
	if _, ok := body["counters"]; !ok {
		t.Error("counters missing")
	}
	lat, ok := body["classifier_latency"].(map[string]any)
	if !ok || lat["mean_ms"] != 12.0 {
		t.Errorf("classifier_latency = %v", body["classifier_latency"])
	}
}

func TestStateOf(t *testing.T) {
	m := models.MaterialKind("aluminio")
	tests := []struct {
		snap session.Snapshot
		want string
	}{
		{session.Snapshot{}, StateIdle},
		{session.Snapshot{Candidate: &m}, StateConfirming},
		{session.Snapshot{Pending: &m}, StateAwaitingIdentity},
	}
	for _, tt := range tests {
		if got := stateOf(tt.snap); got != tt.want {
			t.Errorf("stateOf(%+v) = %s, want %s", tt.snap, got, tt.want)
		}
	}
}

func TestReset(t *testing.T) {
	srv, sess, b := newTestServer(t)
	sub, _ := b.Subscribe("t", 4, bus.TopicSystemReset)
	setPending(sess, "plastico")

	for i := 0; i < 2; i++ {
		rec := do(t, srv.Router(), http.MethodPost, "/api/reset")
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"reset_complete"`) {
			t.Fatalf("reset = %d %s", rec.Code, rec.Body.String())
		}
	}
	if sess.Snapshot().Pending != nil {
		t.Error("reset must clear pending")
	}
	for i := 0; i < 2; i++ {
		select {
		case <-sub.C():
		default:
			t.Fatalf("expected system_reset #%d", i+1)
		}
	}

	if rec := do(t, srv.Router(), http.MethodGet, "/api/reset"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/reset = %d, want 405", rec.Code)
	}
}

func TestContainers(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := do(t, srv.Router(), http.MethodGet, "/api/containers")
	var body struct {
		Containers []models.ContainerTelemetry `json:"containers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Containers) != 1 || body.Containers[0].ContainerID != "plastico" {
		t.Errorf("containers = %+v", body.Containers)
	}
}

func TestMetricsMounted(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := do(t, srv.Router(), http.MethodGet, "/metrics")
	if rec.Body.String() != "# metrics" {
		t.Errorf("metrics = %q", rec.Body.String())
	}
}

func TestEvents_UnknownTopic(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := do(t, srv.Router(), http.MethodGet, "/api/events?topics=reward_granted,bogus")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("code = %d, want 400", rec.Code)
	}
}

// readEvent reads one "event:/data:" block.
func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && event != "":
			return event, data
		}
	}
}

func TestEvents_Stream(t *testing.T) {
	srv, _, b := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events?topics=reward_granted", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	if event, data := readEvent(t, r); event != "initial_state" || !strings.Contains(data, `"state":"idle"`) {
		t.Fatalf("first event = %s %s", event, data)
	}

	b.Publish(bus.TopicContainerUpdate, models.ContainerTelemetry{ContainerID: "x"})
	b.Publish(bus.TopicRewardGranted, models.RewardEvent{ID: "r1", UserID: "u1", Material: "plastico", PointsAwarded: 20})

	event, data := readEvent(t, r)
	if event != bus.TopicRewardGranted {
		t.Fatalf("event = %s, want reward_granted (filtered stream)", event)
	}
	var n struct {
		Topic   string             `json:"topic"`
		Payload models.RewardEvent `json:"payload"`
	}
	if err := json.Unmarshal([]byte(data), &n); err != nil {
		t.Fatal(err)
	}
	if n.Payload.ID != "r1" || n.Payload.PointsAwarded != 20 {
		t.Errorf("payload = %+v", n.Payload)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for b.HasSubscribers(bus.TopicRewardGranted) {
		if time.Now().After(deadline) {
			t.Fatal("subscription not removed after client disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
