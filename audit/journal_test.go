package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ardnew/usbwatch/event"
	"github.com/ardnew/usbwatch/security"
	"github.com/ardnew/usbwatch/usb"
)

func openTestJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	j, err := Open(context.Background(), path, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j, path
}

func testEvent(id string, typ security.EventType, at time.Time) security.Event {
	return security.Event{
		ID:          id,
		Type:        typ,
		Time:        at,
		DeviceID:    "046D:C52B",
		Description: "Device not whitelisted",
		Level:       security.LevelHigh,
	}
}

// =============================================================================
// Record and query
// =============================================================================

func TestJournal_RecordQuery(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, j.Record(ctx, testEvent("b", security.EventPolicyViolation, t0.Add(time.Minute))))
	require.NoError(t, j.Record(ctx, testEvent("a", security.EventUnauthorizedAccess, t0)))
	require.NoError(t, j.Record(ctx, testEvent("c", security.EventAuthorizationGranted, t0.Add(2*time.Minute))))
	// Duplicate IDs keep the first row.
	require.NoError(t, j.Record(ctx, testEvent("a", security.EventProtocolViolation, t0.Add(time.Hour))))

	tests := []struct {
		name       string
		start, end time.Time
		want       []string
	}{
		{"all", time.Time{}, time.Time{}, []string{"a", "b", "c"}},
		{"inclusive bounds", t0, t0.Add(time.Minute), []string{"a", "b"}},
		{"open end", t0.Add(time.Second), time.Time{}, []string{"b", "c"}},
		{"empty", t0.Add(time.Hour), time.Time{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := j.Query(ctx, tt.start, tt.end)
			require.NoError(t, err)
			var ids []string
			for _, e := range events {
				ids = append(ids, e.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	events, err := j.Query(ctx, t0, t0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	got := events[0]
	assert.Equal(t, security.EventUnauthorizedAccess, got.Type)
	assert.True(t, t0.Equal(got.Time))
	assert.Equal(t, "046D:C52B", got.DeviceID)
	assert.Equal(t, "Device not whitelisted", got.Description)
	assert.Equal(t, security.LevelHigh, got.Level)
}

func TestJournal_Prune(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, j.Record(ctx, testEvent(id, security.EventPolicyViolation, t0.Add(time.Duration(i)*time.Hour))))
	}

	n, err := j.Prune(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	events, err := j.Query(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[0].ID)
}

func TestJournal_Reopen(t *testing.T) {
	j, path := openTestJournal(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, j.Record(ctx, testEvent("a", security.EventPolicyViolation, at)))
	require.NoError(t, j.Close())

	j2, err := Open(ctx, path, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	defer j2.Close()
	events, err := j2.Query(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

// =============================================================================
// Bus integration
// =============================================================================

func TestJournal_Attach(t *testing.T) {
	j, _ := openTestJournal(t)
	bus := event.NewBus(event.WithLogger(zap.NewNop()))
	defer bus.Close()
	j.Attach(bus)

	auth := security.NewAuthorizer(security.WithPublisher(bus), security.WithLogger(zap.NewNop()))
	coord := security.NewCoordinator(auth, security.WithPublisher(bus), security.WithLogger(zap.NewNop()))

	dev := &usb.Device{Identity: usb.Identity{VendorID: 0x046D, ProductID: 0xC52B, Bus: 1, Address: 4}}
	assert.False(t, coord.IsDeviceAllowed(dev))

	// Unrelated kinds and payloads are ignored.
	bus.Publish(event.DeviceAdded, dev.Key(), nil)
	bus.Publish(event.SecurityEventOccurred, dev.Key(), "not an event")

	require.Eventually(t, func() bool {
		events, err := j.Query(context.Background(), time.Time{}, time.Time{})
		return err == nil && len(events) == 1
	}, 5*time.Second, 10*time.Millisecond)

	events, err := j.Query(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, coord.SecurityEvents(time.Time{}, time.Time{})[0].ID, events[0].ID)
	assert.Equal(t, security.EventUnauthorizedAccess, events[0].Type)
	assert.Equal(t, "046D:C52B", events[0].DeviceID)
}
