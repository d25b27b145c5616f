package security

import (
	"fmt"
	"strings"
	"time"

	"github.com/ardnew/usbwatch/pkg"
	"github.com/ardnew/usbwatch/usb"
)

// Level is a coarse security posture. Changing the level rewrites the
// authorization policy, except for Custom.
type Level int

// Security levels. The numeric values are those stored in policy files.
const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
	LevelCustom
)

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCustom:
		return "custom"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Valid reports whether l is a defined level.
func (l Level) Valid() bool { return l >= LevelLow && l <= LevelCustom }

// ParseLevel parses a level name as printed by String.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return LevelLow, nil
	case "medium", "":
		return LevelMedium, nil
	case "high":
		return LevelHigh, nil
	case "custom":
		return LevelCustom, nil
	}
	return 0, fmt.Errorf("security level %q: %w", s, pkg.ErrConfiguration)
}

// Method names the step that produced an authorization decision.
type Method int

// Authorization methods.
const (
	MethodAutomatic Method = iota
	MethodUserPrompt
	MethodSystemPolicy
	MethodCertificate
	MethodCustom
)

func (m Method) String() string {
	switch m {
	case MethodAutomatic:
		return "automatic"
	case MethodUserPrompt:
		return "user-prompt"
	case MethodSystemPolicy:
		return "system-policy"
	case MethodCertificate:
		return "certificate"
	case MethodCustom:
		return "custom"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Method) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// DefaultAuthorizationTimeout bounds user confirmation when a policy does
// not set its own timeout.
const DefaultAuthorizationTimeout = 30 * time.Second

// Policy controls which steps of the authorization pipeline run.
type Policy struct {
	AutoAuthorizeKnownDevices bool
	RequireUserConfirmation   bool
	CheckDeviceCertificates   bool
	EnforceSystemPolicies     bool
	AuthorizationTimeout      time.Duration
}

// DefaultPolicy is the policy in effect before any level is applied.
func DefaultPolicy() Policy {
	return Policy{
		AutoAuthorizeKnownDevices: true,
		RequireUserConfirmation:   true,
		CheckDeviceCertificates:   false,
		EnforceSystemPolicies:     true,
		AuthorizationTimeout:      DefaultAuthorizationTimeout,
	}
}

// PresetPolicy returns the policy a level imposes. Custom has no preset.
func PresetPolicy(l Level) (Policy, bool) {
	p := Policy{AuthorizationTimeout: DefaultAuthorizationTimeout}
	switch l {
	case LevelLow:
		p.AutoAuthorizeKnownDevices = true
	case LevelMedium:
		p.AutoAuthorizeKnownDevices = true
		p.RequireUserConfirmation = true
		p.EnforceSystemPolicies = true
	case LevelHigh:
		p.RequireUserConfirmation = true
		p.CheckDeviceCertificates = true
		p.EnforceSystemPolicies = true
		p.AuthorizationTimeout = 15 * time.Second
	default:
		return Policy{}, false
	}
	return p, true
}

// AuthorizationResult is one authorization decision.
type AuthorizationResult struct {
	Authorized bool      `json:"authorized"`
	Reason     string    `json:"reason"`
	Time       time.Time `json:"time"`
	Method     Method    `json:"method"`
}

// EventType classifies a security event.
type EventType int

// Security event types.
const (
	EventAuthorizationGranted EventType = iota
	EventAuthorizationDenied
	EventUnauthorizedAccess
	EventProtocolViolation
	EventPolicyViolation
)

func (t EventType) String() string {
	switch t {
	case EventAuthorizationGranted:
		return "authorization-granted"
	case EventAuthorizationDenied:
		return "authorization-denied"
	case EventUnauthorizedAccess:
		return "unauthorized-access"
	case EventProtocolViolation:
		return "protocol-violation"
	case EventPolicyViolation:
		return "policy-violation"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t EventType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *EventType) UnmarshalText(text []byte) error {
	v, err := ParseEventType(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseEventType parses the name returned by EventType.String.
func ParseEventType(s string) (EventType, error) {
	for t := EventAuthorizationGranted; t <= EventPolicyViolation; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: security event type %q", pkg.ErrInvalidParameter, s)
}

// Event is one entry of the security event log.
type Event struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Time        time.Time `json:"time"`
	DeviceID    string    `json:"deviceId"` // VVVV:PPPP
	Description string    `json:"description"`
	Level       Level     `json:"securityLevel"`
}

// Rule is a per vendor/product policy entry. At most one rule exists for
// each pair.
type Rule struct {
	VendorID             uint16
	ProductID            uint16
	IsWhitelisted        bool
	RequireAuthorization bool
	SecurityLevel        Level
	// AllowedInterfaces lists permitted interface classes as "0xNN".
	// Empty allows any class.
	AllowedInterfaces []string
	// ExpiryDate is zero for rules that never expire.
	ExpiryDate time.Time
}

// Key returns the rule's "VVVV:PPPP" key.
func (r Rule) Key() string { return usb.VendorProductKey(r.VendorID, r.ProductID) }

// Expired reports whether the rule has an expiry date before now.
func (r Rule) Expired(now time.Time) bool {
	return !r.ExpiryDate.IsZero() && now.After(r.ExpiryDate)
}

func (r Rule) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s whitelisted=%t requireAuthorization=%t level=%s",
		r.Key(), r.IsWhitelisted, r.RequireAuthorization, r.SecurityLevel)
	if len(r.AllowedInterfaces) > 0 {
		fmt.Fprintf(&b, " interfaces=%s", strings.Join(r.AllowedInterfaces, ","))
	}
	if !r.ExpiryDate.IsZero() {
		fmt.Fprintf(&b, " expires=%s", r.ExpiryDate.Format(time.RFC3339))
	}
	return b.String()
}
