package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ardnew/usbwatch/event"
	"github.com/ardnew/usbwatch/pkg"
	"github.com/ardnew/usbwatch/usb"
)

// =============================================================================
// Helpers
// =============================================================================

func newTestCoordinator(opts ...Option) (*Coordinator, *event.Recorder) {
	var events event.Recorder
	opts = append([]Option{WithLogger(zap.NewNop()), WithPublisher(&events)}, opts...)
	return NewCoordinator(NewAuthorizer(opts...), opts...), &events
}

func whitelist(vid, pid uint16, ifaces ...string) Rule {
	return Rule{
		VendorID:          vid,
		ProductID:         pid,
		IsWhitelisted:     true,
		SecurityLevel:     LevelMedium,
		AllowedInterfaces: ifaces,
	}
}

func eventTypes(evs []Event) []EventType {
	out := make([]EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

// =============================================================================
// Rules
// =============================================================================

func TestCoordinator_RuleReplacement(t *testing.T) {
	c, events := newTestCoordinator()
	dev := testDevice(0x1234, 0x5678, usb.ClassComm, usb.SpeedFull, usb.ClassComm)

	c.AddSecurityRule(whitelist(0x1234, 0x5678))
	require.True(t, c.IsDeviceAllowed(dev))

	replacement := whitelist(0x1234, 0x5678)
	replacement.IsWhitelisted = false
	c.AddSecurityRule(replacement)

	rules := c.SecurityRules()
	require.Len(t, rules, 1)
	assert.False(t, rules[0].IsWhitelisted)
	assert.False(t, c.IsDeviceAllowed(dev))
	assert.Equal(t, 2, events.Count(event.ConfigurationChanged))

	assert.True(t, c.RemoveSecurityRule(0x1234, 0x5678))
	assert.False(t, c.RemoveSecurityRule(0x1234, 0x5678))
	assert.Empty(t, c.SecurityRules())
}

func TestCoordinator_FirstMatchWins(t *testing.T) {
	c, _ := newTestCoordinator()
	dev := testDevice(0x1234, 0x5678, usb.ClassComm, usb.SpeedFull, usb.ClassComm)

	denied := whitelist(0x1234, 0x5678)
	denied.IsWhitelisted = false
	c.mutex.Lock()
	c.rules = []Rule{whitelist(0x1234, 0x5678), denied}
	c.mutex.Unlock()

	assert.True(t, c.IsDeviceAllowed(dev))
}

func TestCoordinator_IsDeviceAllowed(t *testing.T) {
	clock := newTestClock()
	expired := whitelist(0x0483, 0x5740)
	expired.ExpiryDate = clock.Now().Add(-time.Second)
	future := whitelist(0x0483, 0x5740)
	future.ExpiryDate = clock.Now().Add(time.Hour)

	tests := []struct {
		name     string
		rule     *Rule
		dev      *usb.Device
		want     bool
		wantType EventType
		wantDesc string
	}{
		{
			name:     "no rule",
			dev:      testDevice(0x0483, 0x5740, usb.ClassComm, usb.SpeedFull, usb.ClassComm),
			wantType: EventUnauthorizedAccess,
			wantDesc: ReasonNotWhitelisted,
		},
		{
			name: "allowed interface",
			rule: ptr(whitelist(0x0483, 0x5740, "0x03")),
			dev:  testDevice(0x0483, 0x5740, usb.ClassPerInterface, usb.SpeedFull, usb.ClassHID),
			want: true,
		},
		{
			name:     "interface outside list",
			rule:     ptr(whitelist(0x0483, 0x5740, "0x03")),
			dev:      testDevice(0x0483, 0x5740, usb.ClassPerInterface, usb.SpeedFull, usb.ClassMassStorage),
			wantType: EventPolicyViolation,
			wantDesc: ReasonUnauthorizedInterfaces,
		},
		{
			name:     "one of several interfaces outside list",
			rule:     ptr(whitelist(0x0483, 0x5740, "0x02", "0x0A")),
			dev:      testDevice(0x0483, 0x5740, usb.ClassPerInterface, usb.SpeedFull, usb.ClassComm, usb.ClassHID),
			wantType: EventPolicyViolation,
			wantDesc: ReasonUnauthorizedInterfaces,
		},
		{
			name:     "expired",
			rule:     &expired,
			dev:      testDevice(0x0483, 0x5740, usb.ClassComm, usb.SpeedFull, usb.ClassComm),
			wantType: EventPolicyViolation,
			wantDesc: ReasonRuleExpired,
		},
		{
			name: "not yet expired",
			rule: &future,
			dev:  testDevice(0x0483, 0x5740, usb.ClassComm, usb.SpeedFull, usb.ClassComm),
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, events := newTestCoordinator(WithClock(clock.Now))
			if tt.rule != nil {
				c.AddSecurityRule(*tt.rule)
			}

			assert.Equal(t, tt.want, c.IsDeviceAllowed(tt.dev))
			logged := c.SecurityEvents(time.Time{}, time.Time{})
			if tt.want {
				assert.Empty(t, logged)
				return
			}
			require.Len(t, logged, 1)
			assert.Equal(t, tt.wantType, logged[0].Type)
			assert.Equal(t, tt.wantDesc, logged[0].Description)
			assert.Equal(t, "0483:5740", logged[0].DeviceID)
			assert.Equal(t, LevelMedium, logged[0].Level)
			assert.Equal(t, 1, events.Count(event.SecurityEventOccurred))
		})
	}
}

func ptr[T any](v T) *T { return &v }

// =============================================================================
// Authorization
// =============================================================================

func TestCoordinator_HighLevelRefusesVendorDevice(t *testing.T) {
	confirm, calls := answer(true, nil)
	c, events := newTestCoordinator(WithConfirmer(confirm))
	require.NoError(t, c.SetSecurityLevel(LevelHigh))

	high, _ := PresetPolicy(LevelHigh)
	assert.Equal(t, high, c.Authorizer().Policy())
	assert.Equal(t, 15*time.Second, c.Authorizer().Policy().AuthorizationTimeout)

	dev := testDevice(0x1209, 0x0001, usb.ClassVendorSpecific, usb.SpeedFull, usb.ClassVendorSpecific)
	c.AddSecurityRule(whitelist(0x1209, 0x0001))

	assert.False(t, c.AuthorizeDevice(context.Background(), dev))
	assert.Zero(t, calls.Load())

	h := c.Authorizer().History(dev)
	require.Len(t, h, 1)
	assert.Equal(t, MethodSystemPolicy, h[0].Method)

	blocked := events.Events(event.DeviceBlocked)
	require.Len(t, blocked, 1)
	assert.Equal(t, event.DeviceBlock{Reason: ReasonSystemPolicy}, blocked[0].Payload)

	logged := c.SecurityEvents(time.Time{}, time.Time{})
	require.Len(t, logged, 1)
	assert.Equal(t, EventAuthorizationDenied, logged[0].Type)
	assert.Equal(t, "Authorization failed: "+ReasonSystemPolicy, logged[0].Description)
	assert.Equal(t, LevelHigh, logged[0].Level)
}

func TestCoordinator_AuthorizeDevice(t *testing.T) {
	hid := testDevice(0x046D, 0xC52B, usb.ClassHID, usb.SpeedFull, usb.ClassHID)

	t.Run("not allowed", func(t *testing.T) {
		c, events := newTestCoordinator()
		assert.False(t, c.AuthorizeDevice(context.Background(), hid))
		blocked := events.Events(event.DeviceBlocked)
		require.Len(t, blocked, 1)
		assert.Equal(t, event.DeviceBlock{Reason: ReasonNotAllowed}, blocked[0].Payload)
		assert.Empty(t, c.Authorizer().History(hid))
	})

	t.Run("protocol failure", func(t *testing.T) {
		c, events := newTestCoordinator()
		c.AddSecurityRule(whitelist(0x046D, 0xC52B))
		bad := testDevice(0x046D, 0xC52B, usb.ClassHID, usb.SpeedFull, usb.Class(0xDC))

		assert.False(t, c.AuthorizeDevice(context.Background(), bad))
		blocked := events.Events(event.DeviceBlocked)
		require.Len(t, blocked, 1)
		assert.Equal(t, event.DeviceBlock{Reason: ReasonProtocolFailure}, blocked[0].Payload)
		assert.Equal(t, []EventType{EventProtocolViolation}, eventTypes(c.SecurityEvents(time.Time{}, time.Time{})))
	})

	t.Run("granted and cached", func(t *testing.T) {
		c, events := newTestCoordinator()
		c.AddSecurityRule(whitelist(0x046D, 0xC52B))

		assert.True(t, c.Admit(context.Background(), hid))
		assert.Zero(t, events.Count(event.DeviceBlocked))
		assert.Equal(t, 1, events.Count(event.DeviceAuthorized))
		assert.True(t, c.allowed[hid.VendorProductKey()])
		assert.Equal(t, []EventType{EventAuthorizationGranted}, eventTypes(c.SecurityEvents(time.Time{}, time.Time{})))

		c.RevokeAuthorization(hid)
		assert.False(t, c.allowed[hid.VendorProductKey()])
		assert.False(t, c.Authorizer().IsAuthorized(hid))
		assert.Equal(t, 1, events.Count(event.DeviceAuthorizationRevoked))
		assert.Equal(t,
			[]EventType{EventAuthorizationGranted, EventAuthorizationDenied},
			eventTypes(c.SecurityEvents(time.Time{}, time.Time{})))
	})

	t.Run("rule change drops cached grant", func(t *testing.T) {
		c, _ := newTestCoordinator()
		c.AddSecurityRule(whitelist(0x046D, 0xC52B))
		require.True(t, c.AuthorizeDevice(context.Background(), hid))

		c.AddSecurityRule(Rule{VendorID: 0x046D, ProductID: 0xC52B})
		assert.False(t, c.IsDeviceAllowed(hid))
	})
}

func TestCoordinator_CheckDeviceCompliance(t *testing.T) {
	c, events := newTestCoordinator()
	dev := testDevice(0x0483, 0x5740, usb.ClassComm, usb.SpeedFull, usb.ClassComm, usb.ClassData)

	assert.False(t, c.CheckDeviceCompliance(dev))
	c.AddSecurityRule(whitelist(0x0483, 0x5740))
	assert.True(t, c.CheckDeviceCompliance(dev))

	assert.Empty(t, c.Authorizer().History(dev))
	assert.Equal(t, 1, events.Count(event.DeviceBlocked))
}

// =============================================================================
// Levels
// =============================================================================

func TestCoordinator_SetSecurityLevel(t *testing.T) {
	c, events := newTestCoordinator()
	assert.Equal(t, LevelMedium, c.SecurityLevel())

	require.NoError(t, c.SetSecurityLevel(LevelMedium))
	assert.Zero(t, events.Count(event.SecurityLevelChanged))

	tests := []struct {
		level Level
		want  Policy
	}{
		{LevelLow, Policy{AutoAuthorizeKnownDevices: true, AuthorizationTimeout: DefaultAuthorizationTimeout}},
		{LevelHigh, Policy{
			RequireUserConfirmation: true,
			CheckDeviceCertificates: true,
			EnforceSystemPolicies:   true,
			AuthorizationTimeout:    15 * time.Second,
		}},
		{LevelMedium, Policy{
			AutoAuthorizeKnownDevices: true,
			RequireUserConfirmation:   true,
			EnforceSystemPolicies:     true,
			AuthorizationTimeout:      DefaultAuthorizationTimeout,
		}},
	}
	for _, tt := range tests {
		require.NoError(t, c.SetSecurityLevel(tt.level))
		assert.Equal(t, tt.level, c.SecurityLevel())
		assert.Equal(t, tt.want, c.Authorizer().Policy(), tt.level.String())
	}
	assert.Equal(t, len(tests), events.Count(event.SecurityLevelChanged))

	custom := Policy{CheckDeviceCertificates: true, AuthorizationTimeout: time.Minute}
	c.Authorizer().SetPolicy(custom)
	require.NoError(t, c.SetSecurityLevel(LevelCustom))
	assert.Equal(t, custom, c.Authorizer().Policy())

	assert.ErrorIs(t, c.SetSecurityLevel(Level(9)), pkg.ErrInvalidParameter)
}

// =============================================================================
// Event log
// =============================================================================

func TestCoordinator_EventLog(t *testing.T) {
	clock := newTestClock()
	c, events := newTestCoordinator(WithClock(clock.Now))
	start := clock.Now()

	for i := 0; i < 5; i++ {
		c.IsDeviceAllowed(testDevice(0x1000+uint16(i), 0x0001, usb.ClassComm, usb.SpeedFull))
		clock.Advance(time.Minute)
	}
	assert.Equal(t, 5, events.Count(event.SecurityEventOccurred))

	between := c.SecurityEvents(start.Add(time.Minute), start.Add(3*time.Minute))
	require.Len(t, between, 3)
	assert.Equal(t, "1001:0001", between[0].DeviceID)
	assert.Equal(t, "1003:0001", between[2].DeviceID)

	require.NoError(t, c.SetMaxEventHistory(2))
	all := c.SecurityEvents(time.Time{}, time.Time{})
	require.Len(t, all, 2)
	assert.Equal(t, "1003:0001", all[0].DeviceID)

	assert.ErrorIs(t, c.SetMaxEventHistory(0), pkg.ErrInvalidParameter)

	c.ClearSecurityEvents()
	assert.Empty(t, c.SecurityEvents(time.Time{}, time.Time{}))
}

func TestCoordinator_EventLogCap(t *testing.T) {
	c, _ := newTestCoordinator(WithMaxEventHistory(10))
	for i := 0; i < 25; i++ {
		c.IsDeviceAllowed(testDevice(uint16(i), 1, usb.ClassComm, usb.SpeedFull))
	}
	all := c.SecurityEvents(time.Time{}, time.Time{})
	require.Len(t, all, 10)
	assert.Equal(t, usb.VendorProductKey(15, 1), all[0].DeviceID)
}

// =============================================================================
// Protocol validation
// =============================================================================

func TestValidateProtocol(t *testing.T) {
	many := func(n int) *usb.Device {
		classes := make([]usb.Class, n)
		for i := range classes {
			classes[i] = usb.ClassHID
		}
		return testDevice(1, 2, usb.ClassPerInterface, usb.SpeedFull, classes...)
	}
	withAlts := testDevice(1, 2, usb.ClassPerInterface, usb.SpeedFull, usb.ClassAudio)
	for i := 1; i <= MaxAltSettings; i++ {
		withAlts.Config.Interfaces[0].AltSettings = append(withAlts.Config.Interfaces[0].AltSettings,
			usb.AltSetting{Alternate: uint8(i), Class: usb.ClassAudio})
	}
	badType := testDevice(1, 2, usb.ClassPerInterface, usb.SpeedFull, usb.ClassData)
	badType.Config.Interfaces[0].AltSettings[0].Endpoints[0].Type = usb.TransferType(4)
	bigPacket := testDevice(1, 2, usb.ClassPerInterface, usb.SpeedFull, usb.ClassData)
	bigPacket.Config.Interfaces[0].AltSettings[0].Endpoints[0].MaxPacketSize = 20000
	unread := &usb.Device{Identity: usb.Identity{VendorID: 1, ProductID: 2}}

	tests := []struct {
		name string
		dev  *usb.Device
		want int
	}{
		{"typical", testDevice(1, 2, usb.ClassPerInterface, usb.SpeedFull, usb.ClassComm, usb.ClassData), 0},
		{"vendor specific", testDevice(1, 2, usb.ClassVendorSpecific, usb.SpeedFull, usb.ClassVendorSpecific), 0},
		{"thirty-two interfaces", many(MaxInterfaces), 0},
		{"thirty-three interfaces", many(MaxInterfaces + 1), 1},
		{"seventeen alternate settings", withAlts, 1},
		{"unrecognized class", testDevice(1, 2, usb.ClassPerInterface, usb.SpeedFull, usb.ClassWireless, usb.ClassSmartCard), 2},
		{"invalid transfer type", badType, 1},
		{"oversized packets", bigPacket, 1},
		{"configuration unavailable", unread, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, ValidateProtocol(tt.dev), tt.want)
		})
	}
}
