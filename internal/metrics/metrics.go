// Package metrics exposes kiosk counters and session state to Prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewired-gh/recyclekiosk/internal/bus"
	"github.com/rewired-gh/recyclekiosk/internal/models"
	"github.com/rewired-gh/recyclekiosk/internal/session"
)

const namespace = "recyclekiosk"

// Metrics holds the kiosk collectors.
type Metrics struct {
	registry *prometheus.Registry

	notifications  *prometheus.CounterVec
	rewards        *prometheus.CounterVec
	points         *prometheus.CounterVec
	ledgerFailures prometheus.Counter
	unregistered   prometheus.Counter
	containerFill  *prometheus.GaugeVec
}

// New creates the registry. snapshot is sampled on every scrape.
func New(snapshot func() session.Snapshot) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications published, by topic",
		}, []string{"topic"}),
		rewards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rewards_total",
			Help:      "Rewards granted, by material",
		}, []string{"material"}),
		points: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_awarded_total",
			Help:      "Points awarded, by material",
		}, []string{"material"}),
		ledgerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_failures_total",
			Help:      "Crediting transactions that failed",
		}),
		unregistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unregistered_tokens_total",
			Help:      "Tokens presented that are not linked to an account",
		}),
		containerFill: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "container_fill_percent",
			Help:      "Latest reported container fill level",
		}, []string{"container"}),
	}

	m.registry.MustRegister(m.notifications, m.rewards, m.points, m.ledgerFailures, m.unregistered, m.containerFill)
	m.registerSessionGauges(snapshot)
	return m
}

func (m *Metrics) registerSessionGauges(snapshot func() session.Snapshot) {
	m.RegisterGaugeFunc("pending_material", "1 while a confirmed material waits for a token",
		func() float64 { return boolGauge(snapshot().Pending != nil) })
	m.RegisterGaugeFunc("confirmation_progress", "Progress of the current candidate towards confirmation",
		func() float64 { return snapshot().Progress })
	m.RegisterGaugeFunc("camera_active", "1 while the vision worker is running",
		func() float64 { return boolGauge(snapshot().Status.CameraActive) })
	m.RegisterGaugeFunc("reader_active", "1 while the identity worker is running",
		func() float64 { return boolGauge(snapshot().Status.ReaderActive) })
	m.RegisterGaugeFunc("feed_connected", "1 while the telemetry feed is connected",
		func() float64 { return boolGauge(snapshot().Status.FeedConnected) })
	m.RegisterGaugeFunc("vision_fps", "Vision loop frame rate",
		func() float64 { return snapshot().Status.FPS })
	m.RegisterGaugeFunc("processed_today", "Items credited since local midnight",
		func() float64 { return float64(snapshot().Counters.ProcessedToday) })
}

// RegisterGaugeFunc adds a gauge sampled from fn on every scrape.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		},
		fn,
	))
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// Watch counts notifications from sub until ctx is cancelled or the subscription closes.
func (m *Metrics) Watch(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-sub.C():
			if !ok {
				return
			}
			m.Observe(n)
		}
	}
}

// Observe records one notification.
func (m *Metrics) Observe(n bus.Notification) {
	m.notifications.WithLabelValues(n.Topic).Inc()

	switch p := n.Payload.(type) {
	case models.RewardEvent:
		m.rewards.WithLabelValues(string(p.Material)).Inc()
		m.points.WithLabelValues(string(p.Material)).Add(float64(p.PointsAwarded))
	case models.ContainerTelemetry:
		m.containerFill.WithLabelValues(p.ContainerID).Set(p.FillPercent)
	case bus.LedgerFailure:
		m.ledgerFailures.Inc()
	case bus.TokenNotice:
		if n.Topic == bus.TopicTokenUnregistered {
			m.unregistered.Inc()
		}
	}
}

// Handler returns an HTTP handler for Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
