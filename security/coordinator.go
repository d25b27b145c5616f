package security

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ardnew/usbwatch/event"
	"github.com/ardnew/usbwatch/pkg"
	"github.com/ardnew/usbwatch/registry"
	"github.com/ardnew/usbwatch/usb"
)

// Reasons a device is blocked by the coordinator.
const (
	ReasonNotAllowed      = "Device is not allowed by security rules"
	ReasonProtocolFailure = "Device failed protocol validation"

	ReasonNotWhitelisted         = "Device is not whitelisted"
	ReasonUnauthorizedInterfaces = "Device uses unauthorized interfaces"
	ReasonRuleExpired            = "Security rule has expired"
)

// Coordinator applies security rules and levels in front of an Authorizer
// and keeps the security event log.
type Coordinator struct {
	auth *Authorizer
	pub  event.Publisher
	log  *zap.Logger
	now  func() time.Time

	mutex     sync.Mutex
	level     Level
	rules     []Rule
	allowed   map[string]bool // VVVV:PPPP of devices authorized through AuthorizeDevice
	events    []Event
	maxEvents int
}

// NewCoordinator creates a coordinator at LevelMedium over auth. Decisions
// recorded by auth are added to the event log.
func NewCoordinator(auth *Authorizer, opts ...Option) *Coordinator {
	o := newOptions(opts)
	c := &Coordinator{
		auth:      auth,
		pub:       o.pub,
		log:       o.log,
		now:       o.now,
		level:     LevelMedium,
		allowed:   make(map[string]bool),
		maxEvents: o.maxEvents,
	}
	auth.addListener(c.onDecision)
	return c
}

// Authorizer returns the authorizer the coordinator delegates to.
func (c *Coordinator) Authorizer() *Authorizer { return c.auth }

// SetSecurityLevel switches to level. Every level except LevelCustom
// replaces the authorization policy with its preset. Cached grants are
// dropped so devices are evaluated again under the new policy.
func (c *Coordinator) SetSecurityLevel(level Level) error {
	if !level.Valid() {
		return fmt.Errorf("security level %d: %w", int(level), pkg.ErrInvalidParameter)
	}
	c.mutex.Lock()
	if c.level == level {
		c.mutex.Unlock()
		return nil
	}
	prev := c.level
	c.level = level
	clear(c.allowed)
	c.mutex.Unlock()

	if p, ok := PresetPolicy(level); ok {
		c.auth.SetPolicy(p)
	}
	c.log.Info("security level changed",
		zap.Stringer("from", prev), zap.Stringer("to", level))
	c.pub.Publish(event.SecurityLevelChanged, "", level)
	return nil
}

// SecurityLevel returns the current level.
func (c *Coordinator) SecurityLevel() Level {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.level
}

// IsDeviceAllowed reports whether the rules permit dev. Devices already
// authorized through AuthorizeDevice are allowed without consulting the
// rules. A device without a rule is not whitelisted. Denials are added to
// the event log.
func (c *Coordinator) IsDeviceAllowed(dev *usb.Device) bool {
	vp := dev.VendorProductKey()

	c.mutex.Lock()
	if c.allowed[vp] {
		c.mutex.Unlock()
		return true
	}
	rule := c.matchLocked(dev.VendorID, dev.ProductID)
	c.mutex.Unlock()

	switch {
	case !rule.IsWhitelisted:
		c.logEvent(EventUnauthorizedAccess, dev, ReasonNotWhitelisted)
		return false
	case !interfacesAllowed(dev, rule.AllowedInterfaces):
		c.logEvent(EventPolicyViolation, dev, ReasonUnauthorizedInterfaces)
		return false
	case rule.Expired(c.now()):
		c.logEvent(EventPolicyViolation, dev, ReasonRuleExpired)
		return false
	}
	return true
}

// AuthorizeDevice runs the rules, protocol validation and the Authorizer
// in that order. A failure publishes DeviceBlocked with the reason.
func (c *Coordinator) AuthorizeDevice(ctx context.Context, dev *usb.Device) bool {
	if !c.IsDeviceAllowed(dev) {
		c.block(dev, ReasonNotAllowed)
		return false
	}
	if !c.validateProtocol(dev) {
		c.block(dev, ReasonProtocolFailure)
		return false
	}
	res := c.auth.AuthorizeDevice(ctx, dev)
	if !res.Authorized {
		c.block(dev, res.Reason)
		return false
	}

	c.mutex.Lock()
	c.allowed[dev.VendorProductKey()] = true
	c.mutex.Unlock()
	return true
}

// Admit implements registry.Gate.
func (c *Coordinator) Admit(ctx context.Context, dev *usb.Device) bool {
	return c.AuthorizeDevice(ctx, dev)
}

// RevokeAuthorization drops dev's cached grant and revokes it in the
// Authorizer.
func (c *Coordinator) RevokeAuthorization(dev *usb.Device) {
	c.auth.RevokeAuthorization(dev)
	c.mutex.Lock()
	delete(c.allowed, dev.VendorProductKey())
	c.mutex.Unlock()
}

// CheckDeviceCompliance reports whether dev passes the rules and protocol
// validation, without asking the Authorizer.
func (c *Coordinator) CheckDeviceCompliance(dev *usb.Device) bool {
	if !c.IsDeviceAllowed(dev) {
		c.block(dev, ReasonNotAllowed)
		return false
	}
	if !c.validateProtocol(dev) {
		c.block(dev, ReasonProtocolFailure)
		return false
	}
	return true
}

func (c *Coordinator) validateProtocol(dev *usb.Device) bool {
	violations := ValidateProtocol(dev)
	for _, v := range violations {
		c.logEvent(EventProtocolViolation, dev, v)
	}
	return len(violations) == 0
}

func (c *Coordinator) block(dev *usb.Device, reason string) {
	c.log.Warn("device blocked", zap.String("key", dev.Key()), zap.String("reason", reason))
	c.pub.Publish(event.DeviceBlocked, dev.Key(), event.DeviceBlock{Reason: reason})
}

// onDecision logs the Authorizer's decisions as security events.
func (c *Coordinator) onDecision(dev *usb.Device, res AuthorizationResult) {
	switch {
	case res.Authorized:
		c.logEvent(EventAuthorizationGranted, dev, "Device authorization granted")
	case res.Reason == ReasonRevoked:
		c.logEvent(EventAuthorizationDenied, dev, "Device authorization revoked")
	default:
		c.logEvent(EventAuthorizationDenied, dev, "Authorization failed: "+res.Reason)
	}
}

// =============================================================================
// Rules
// =============================================================================

// AddSecurityRule installs rule, replacing the rule for the same
// vendor/product pair.
func (c *Coordinator) AddSecurityRule(rule Rule) {
	rule.AllowedInterfaces = slices.Clone(rule.AllowedInterfaces)

	c.mutex.Lock()
	i := slices.IndexFunc(c.rules, func(r Rule) bool {
		return r.VendorID == rule.VendorID && r.ProductID == rule.ProductID
	})
	if i >= 0 {
		c.rules[i] = rule
	} else {
		c.rules = append(c.rules, rule)
	}
	delete(c.allowed, rule.Key())
	c.mutex.Unlock()

	c.log.Info("security rule added",
		zap.String("device", rule.Key()),
		zap.Bool("whitelisted", rule.IsWhitelisted),
		zap.Bool("replaced", i >= 0))
	c.pub.Publish(event.ConfigurationChanged, "", rule)
}

// RemoveSecurityRule removes the rule for vid:pid. It reports whether a
// rule was removed.
func (c *Coordinator) RemoveSecurityRule(vid, pid uint16) bool {
	c.mutex.Lock()
	n := len(c.rules)
	c.rules = slices.DeleteFunc(c.rules, func(r Rule) bool {
		return r.VendorID == vid && r.ProductID == pid
	})
	removed := len(c.rules) != n
	delete(c.allowed, usb.VendorProductKey(vid, pid))
	c.mutex.Unlock()

	if removed {
		c.log.Info("security rule removed", zap.String("device", usb.VendorProductKey(vid, pid)))
	}
	return removed
}

// SecurityRules returns a copy of the rules in match order.
func (c *Coordinator) SecurityRules() []Rule {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	out := make([]Rule, len(c.rules))
	for i, r := range c.rules {
		r.AllowedInterfaces = slices.Clone(r.AllowedInterfaces)
		out[i] = r
	}
	return out
}

// ClearSecurityRules removes every rule.
func (c *Coordinator) ClearSecurityRules() {
	c.mutex.Lock()
	c.rules = nil
	clear(c.allowed)
	c.mutex.Unlock()
	c.log.Info("security rules cleared")
}

// matchLocked returns the first rule for vid:pid, or a rule that does not
// whitelist the device.
func (c *Coordinator) matchLocked(vid, pid uint16) Rule {
	for _, r := range c.rules {
		if r.VendorID == vid && r.ProductID == pid {
			return r
		}
	}
	return Rule{VendorID: vid, ProductID: pid}
}

// interfacesAllowed reports whether every interface class of dev appears
// in allowed. An empty list allows anything; otherwise a device whose
// configuration is unknown is refused.
func interfacesAllowed(dev *usb.Device, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	classes := dev.Config.InterfaceClasses()
	if len(classes) == 0 {
		return false
	}
	permitted := make(map[usb.Class]bool, len(allowed))
	for _, s := range allowed {
		if cl, err := usb.ParseClass(s); err == nil {
			permitted[cl] = true
		}
	}
	for _, cl := range classes {
		if !permitted[cl] {
			return false
		}
	}
	return true
}

// =============================================================================
// Event log
// =============================================================================

func (c *Coordinator) logEvent(typ EventType, dev *usb.Device, desc string) {
	c.mutex.Lock()
	ev := Event{
		ID:          uuid.NewString(),
		Type:        typ,
		Time:        c.now(),
		DeviceID:    dev.VendorProductKey(),
		Description: desc,
		Level:       c.level,
	}
	c.events = append(c.events, ev)
	c.trimEventsLocked()
	c.mutex.Unlock()

	c.log.Info("security event",
		zap.Stringer("type", typ),
		zap.String("device", ev.DeviceID),
		zap.String("description", desc))
	c.pub.Publish(event.SecurityEventOccurred, dev.Key(), ev)
}

// SecurityEvents returns the logged events with start <= Time <= end,
// oldest first. A zero end has no upper bound.
func (c *Coordinator) SecurityEvents(start, end time.Time) []Event {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	var out []Event
	for _, ev := range c.events {
		if ev.Time.Before(start) || (!end.IsZero() && ev.Time.After(end)) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// ClearSecurityEvents empties the event log.
func (c *Coordinator) ClearSecurityEvents() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.events = nil
}

// SetMaxEventHistory changes the event log cap, discarding the oldest
// events beyond it.
func (c *Coordinator) SetMaxEventHistory(n int) error {
	if n < 1 {
		return fmt.Errorf("max event history %d: %w", n, pkg.ErrInvalidParameter)
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.maxEvents = n
	c.trimEventsLocked()
	return nil
}

func (c *Coordinator) trimEventsLocked() {
	if n := len(c.events) - c.maxEvents; n > 0 {
		c.events = slices.Delete(c.events, 0, n)
	}
}

var _ registry.Gate = (*Coordinator)(nil)
