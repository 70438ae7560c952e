package bus

import (
	"errors"
	"time"
)

var (
	ErrBusClosed          = errors.New("bus: bus is closed")
	ErrSubscriberExists   = errors.New("bus: subscriber already exists")
	ErrSubscriberNotFound = errors.New("bus: subscriber not found")
)

// Topics published by the kiosk.
const (
	TopicCameraFrame       = "camera_frame"
	TopicAwaitingIdentity  = "awaiting_identity"
	TopicMaterialConfirmed = "material_confirmed"
	TopicRewardGranted     = "reward_granted"
	TopicTokenUnregistered = "token_unregistered"
	TopicNothingToClaim    = "nothing_to_claim"
	TopicLedgerFailure     = "ledger_failure"
	TopicSystemReset       = "system_reset"
	TopicContainerUpdate   = "container_update"
	TopicFeedStatus        = "feed_status"
	TopicWorkerStatus      = "worker_status"
)

// Topics lists every topic the kiosk publishes.
var Topics = []string{
	TopicCameraFrame,
	TopicAwaitingIdentity,
	TopicMaterialConfirmed,
	TopicRewardGranted,
	TopicTokenUnregistered,
	TopicNothingToClaim,
	TopicLedgerFailure,
	TopicSystemReset,
	TopicContainerUpdate,
	TopicFeedStatus,
	TopicWorkerStatus,
}

// IsTopic reports whether topic is one the kiosk publishes.
func IsTopic(topic string) bool {
	for _, t := range Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// Notification is one published fact. Seq is global and increases with publish order.
type Notification struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// SubscriberStats tracks delivery for one subscriber.
type SubscriberStats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// Publisher is what producers depend on.
type Publisher interface {
	Publish(topic string, payload any)
	HasSubscribers(topic string) bool
}
