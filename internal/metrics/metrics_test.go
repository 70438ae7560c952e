package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rewired-gh/recyclekiosk/internal/bus"
	"github.com/rewired-gh/recyclekiosk/internal/models"
	"github.com/rewired-gh/recyclekiosk/internal/session"
)

func TestObserve(t *testing.T) {
	m := New(session.New().Snapshot)

	m.Observe(bus.Notification{Topic: bus.TopicRewardGranted, Payload: models.RewardEvent{Material: "plastico", PointsAwarded: 20}})
	m.Observe(bus.Notification{Topic: bus.TopicRewardGranted, Payload: models.RewardEvent{Material: "plastico", PointsAwarded: 20}})
	m.Observe(bus.Notification{Topic: bus.TopicLedgerFailure, Payload: bus.LedgerFailure{UserID: "u1"}})
	m.Observe(bus.Notification{Topic: bus.TopicTokenUnregistered, Payload: bus.TokenNotice{UID: "CAFE"}})
	m.Observe(bus.Notification{Topic: bus.TopicNothingToClaim, Payload: bus.TokenNotice{UID: "CAFE"}})
	m.Observe(bus.Notification{Topic: bus.TopicContainerUpdate, Payload: models.ContainerTelemetry{ContainerID: "aluminio", FillPercent: 55}})

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"rewards", testutil.ToFloat64(m.rewards.WithLabelValues("plastico")), 2},
		{"points", testutil.ToFloat64(m.points.WithLabelValues("plastico")), 40},
		{"ledger failures", testutil.ToFloat64(m.ledgerFailures), 1},
		{"unregistered", testutil.ToFloat64(m.unregistered), 1},
		{"fill", testutil.ToFloat64(m.containerFill.WithLabelValues("aluminio")), 55},
		{"reward notifications", testutil.ToFloat64(m.notifications.WithLabelValues(bus.TopicRewardGranted)), 2},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestHandler_ExposesSessionGauges(t *testing.T) {
	sess := session.New()
	sess.SetCameraActive(true)
	m := New(sess.Snapshot)
	m.RegisterGaugeFunc("classifier_latency_ms", "test", func() float64 { return 42 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		"recyclekiosk_camera_active 1",
		"recyclekiosk_reader_active 0",
		"recyclekiosk_pending_material 0",
		"recyclekiosk_classifier_latency_ms 42",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestWatch_StopsOnClose(t *testing.T) {
	m := New(session.New().Snapshot)
	b := bus.New()
	sub, err := b.Subscribe("metrics", 8)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		m.Watch(context.Background(), sub)
		close(done)
	}()
	b.Publish(bus.TopicSystemReset, nil)
	b.Close()
	<-done

	if got := testutil.ToFloat64(m.notifications.WithLabelValues(bus.TopicSystemReset)); got != 1 {
		t.Errorf("system_reset count = %v, want 1", got)
	}
}
