package event

import (
	"time"

	"github.com/google/uuid"
)

// Kind names an event published on the bus.
type Kind string

// Event kinds.
const (
	DeviceAdded                Kind = "device-added"
	DeviceRemoved              Kind = "device-removed"
	PowerStatsUpdated          Kind = "power-stats-updated"
	BandwidthStatsUpdated      Kind = "bandwidth-stats-updated"
	ProtocolPatternDetected    Kind = "protocol-pattern-detected"
	TransferError              Kind = "transfer-error"
	DeviceAuthorized           Kind = "device-authorized"
	DeviceAuthorizationRevoked Kind = "device-authorization-revoked"
	AuthorizationFailed        Kind = "authorization-failed"
	DeviceBlocked              Kind = "device-blocked"
	SecurityEventOccurred      Kind = "security-event-occurred"
	SecurityLevelChanged       Kind = "security-level-changed"
	ConfigurationChanged       Kind = "configuration-changed"
	MonitorError               Kind = "monitor-error"
)

// Kinds lists every event kind.
var Kinds = []Kind{
	DeviceAdded,
	DeviceRemoved,
	PowerStatsUpdated,
	BandwidthStatsUpdated,
	ProtocolPatternDetected,
	TransferError,
	DeviceAuthorized,
	DeviceAuthorizationRevoked,
	AuthorizationFailed,
	DeviceBlocked,
	SecurityEventOccurred,
	SecurityLevelChanged,
	ConfigurationChanged,
	MonitorError,
}

// Event is one published occurrence. Payload holds the kind-specific value,
// e.g. telemetry.PowerStats for PowerStatsUpdated.
type Event struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`
	Device  string    `json:"device,omitempty"`
	Payload any       `json:"payload,omitempty"`
}

// New builds an event stamped with a fresh ID and the current time.
func New(kind Kind, device string, payload any) Event {
	return Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		Time:    time.Now(),
		Device:  device,
		Payload: payload,
	}
}

// Publisher accepts events. *Bus implements it; components take a
// Publisher so tests can substitute a recorder.
type Publisher interface {
	Publish(kind Kind, device string, payload any) Event
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(kind Kind, device string, payload any) Event {
	return New(kind, device, payload)
}

// Failure is the payload of MonitorError and other failure events.
type Failure struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// DeviceBlock is the payload of DeviceBlocked.
type DeviceBlock struct {
	Reason string `json:"reason"`
}
