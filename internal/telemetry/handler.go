// Package telemetry keeps the latest level reading for every container.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rewired-gh/recyclekiosk/internal/bus"
	"github.com/rewired-gh/recyclekiosk/internal/logger"
	"github.com/rewired-gh/recyclekiosk/internal/models"
)

// Store persists container readings.
type Store interface {
	SaveContainer(ctx context.Context, t models.ContainerTelemetry) error
}

// message is the level sensor payload.
type message struct {
	Target      string   `json:"target"`
	ContainerID string   `json:"containerId"`
	DeviceID    string   `json:"deviceId"`
	DistanceCm  *float64 `json:"distance_cm"`
	Percent     *float64 `json:"percent"`
	State       string   `json:"state"`
	Timestamp   int64    `json:"ts"`
}

// Handler ingests telemetry messages pushed by the transport.
type Handler struct {
	mu         sync.Mutex
	containers map[string]models.ContainerTelemetry
	store      Store
	pub        bus.Publisher
	timeout    time.Duration
	now        func() time.Time
}

// NewHandler creates a handler. store may be nil.
func NewHandler(store Store, pub bus.Publisher) *Handler {
	return &Handler{
		containers: make(map[string]models.ContainerTelemetry),
		store:      store,
		pub:        pub,
		timeout:    5 * time.Second,
		now:        time.Now,
	}
}

// Load seeds the in-memory view, typically from records saved before a restart.
func (h *Handler) Load(records []models.ContainerTelemetry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range records {
		h.containers[r.ContainerID] = r
	}
}

// HandleMessage parses one payload and overwrites the container entry it describes.
// Payloads that are not JSON or name no container are logged and dropped; every other
// field is kept as reported.
func (h *Handler) HandleMessage(payload []byte) {
	t, err := h.parse(payload)
	if err != nil {
		logger.Warn("[telemetry] dropping message: %v", err)
		return
	}

	h.mu.Lock()
	h.containers[t.ContainerID] = t
	h.mu.Unlock()

	if h.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		if err := h.store.SaveContainer(ctx, t); err != nil {
			logger.Warn("[telemetry] failed to persist %s: %v", t.ContainerID, err)
		}
		cancel()
	}

	logger.Debug("[telemetry] %s: %.1f%% (%s)", t.ContainerID, t.FillPercent, t.State)
	h.pub.Publish(bus.TopicContainerUpdate, t)
}

func (h *Handler) parse(payload []byte) (models.ContainerTelemetry, error) {
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return models.ContainerTelemetry{}, fmt.Errorf("malformed payload: %w", err)
	}

	id := msg.Target
	if id == "" {
		id = msg.ContainerID
	}
	if id == "" {
		return models.ContainerTelemetry{}, fmt.Errorf("missing container id")
	}

	t := models.ContainerTelemetry{
		ContainerID: id,
		DeviceID:    msg.DeviceID,
		State:       models.ParseContainerState(msg.State),
		Timestamp:   msg.Timestamp,
		LastUpdated: h.now(),
	}
	if msg.DistanceCm != nil {
		t.DistanceCm = math.Round(*msg.DistanceCm*1000) / 1000
	}
	if msg.Percent != nil {
		t.FillPercent = *msg.Percent
	}
	if !t.Plausible() {
		logger.Debug("[telemetry] %s reported an out-of-range reading: %.3f cm, %.1f%%", id, t.DistanceCm, t.FillPercent)
	}
	return t, nil
}

// Container returns the latest reading for id.
func (h *Handler) Container(id string) (models.ContainerTelemetry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.containers[id]
	return t, ok
}

// Containers returns every known container sorted by id.
func (h *Handler) Containers() []models.ContainerTelemetry {
	h.mu.Lock()
	out := make([]models.ContainerTelemetry, 0, len(h.containers))
	for _, t := range h.containers {
		out = append(out, t)
	}
	h.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ContainerID < out[j].ContainerID })
	return out
}
