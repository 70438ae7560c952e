package bus

import (
	"time"

	"github.com/rewired-gh/recyclekiosk/internal/models"
)

// Payloads carried by kiosk notifications. reward_granted carries a models.RewardEvent and
// container_update a models.ContainerTelemetry directly.

// MaterialNotice is published on material_confirmed and awaiting_identity.
type MaterialNotice struct {
	Material   models.MaterialKind `json:"material"`
	Points     int                 `json:"points,omitempty"`
	Confidence float64             `json:"confidence,omitempty"`
}

// FrameNotice is one annotated camera frame.
type FrameNotice struct {
	Frame      string               `json:"frame"` // data URL, image/jpeg
	FPS        float64              `json:"fps"`
	Candidate  *models.MaterialKind `json:"candidate"`
	Progress   float64              `json:"progress"`
	Detections []models.Detection   `json:"detections"`
	Timestamp  time.Time            `json:"timestamp"`
}

// TokenNotice is published on token_unregistered and nothing_to_claim.
type TokenNotice struct {
	UID    string `json:"uid"`
	UserID string `json:"user_id,omitempty"`
	Name   string `json:"name,omitempty"`
}

// LedgerFailure is published when a crediting transaction could not be committed.
// The material stays pending.
type LedgerFailure struct {
	UserID   string              `json:"user_id"`
	Material models.MaterialKind `json:"material"`
	Error    string              `json:"error"`
}

// WorkerStatus reports a worker starting or disabling itself.
type WorkerStatus struct {
	Worker string `json:"worker"`
	Active bool   `json:"active"`
	Reason string `json:"reason,omitempty"`
}

// FeedStatus reports the telemetry transport connection.
type FeedStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
	Reason    string `json:"reason,omitempty"`
}
