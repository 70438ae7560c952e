package models

import (
	"errors"
	"strings"
	"time"
)

// ContainerState is the fill state reported by a container level sensor.
type ContainerState string

const (
	ContainerOK      ContainerState = "ok"
	ContainerWarning ContainerState = "warning"
	ContainerFull    ContainerState = "full"
	ContainerUnknown ContainerState = "unknown"
)

// ParseContainerState normalizes a reported state; anything unrecognized is unknown.
func ParseContainerState(s string) ContainerState {
	switch ContainerState(strings.ToLower(strings.TrimSpace(s))) {
	case ContainerOK:
		return ContainerOK
	case ContainerWarning:
		return ContainerWarning
	case ContainerFull:
		return ContainerFull
	default:
		return ContainerUnknown
	}
}

// ContainerTelemetry is the latest level reading for one physical container.
type ContainerTelemetry struct {
	ContainerID string         `json:"container_id"`
	DeviceID    string         `json:"device_id,omitempty"`
	DistanceCm  float64        `json:"distance_cm"`
	FillPercent float64        `json:"fill_percent"`
	State       ContainerState `json:"state"`
	Timestamp   int64          `json:"timestamp"` // device clock, as reported
	LastUpdated time.Time      `json:"last_updated"`
}

// Validate checks telemetry field constraints. Readings are kept as the sensor reports
// them, so only the container ID is required.
func (c *ContainerTelemetry) Validate() error {
	if c.ContainerID == "" {
		return errors.New("container ID must not be empty")
	}
	return nil
}

// Plausible reports whether the reading is physically possible. Overfull bins report
// more than 100% and ultrasonic sensors report -1 on a failed echo.
func (c *ContainerTelemetry) Plausible() bool {
	return c.DistanceCm >= 0 && c.FillPercent >= 0 && c.FillPercent <= 100
}
