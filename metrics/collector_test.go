package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ardnew/usbwatch/analysis"
	"github.com/ardnew/usbwatch/event"
	"github.com/ardnew/usbwatch/security"
	"github.com/ardnew/usbwatch/telemetry"
)

const testKey = "046D:C52B:01:04"

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg, WithLogger(zap.NewNop())), reg
}

func TestCollector_DeviceLifecycle(t *testing.T) {
	c, reg := newTestCollector(t)

	c.Observe(event.New(event.DeviceAdded, testKey, nil))
	c.Observe(event.New(event.DeviceAdded, testKey, nil))
	c.Observe(event.New(event.DeviceAdded, "0483:5740:01:05", nil))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.DevicesConnected))
	assert.Equal(t, float64(3), testutil.ToFloat64(c.DeviceEvents.WithLabelValues(string(event.DeviceAdded))))

	c.Observe(event.New(event.PowerStatsUpdated, testKey, telemetry.PowerStats{CurrentUsage: 98}))
	c.Observe(event.New(event.BandwidthStatsUpdated, testKey, telemetry.BandwidthStats{ReadSpeed: 40960, WriteSpeed: 512}))
	c.Observe(event.New(event.TransferError, testKey, analysis.TransferError{Endpoint: 0x81, Status: "stall"}))
	c.Observe(event.New(event.TransferError, testKey, analysis.TransferError{Endpoint: 0x81, Status: "timeout"}))

	assert.Equal(t, float64(98), testutil.ToFloat64(c.PowerCurrent.WithLabelValues(testKey)))
	assert.Equal(t, float64(40960), testutil.ToFloat64(c.Bandwidth.WithLabelValues(testKey, DirectionRead)))
	assert.Equal(t, float64(512), testutil.ToFloat64(c.Bandwidth.WithLabelValues(testKey, DirectionWrite)))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.TransferErrors.WithLabelValues(testKey)))

	c.Observe(event.New(event.DeviceRemoved, testKey, nil))
	c.Observe(event.New(event.DeviceRemoved, testKey, nil))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.DevicesConnected))
	assert.Equal(t, 0, testutil.CollectAndCount(c.PowerCurrent))
	assert.Equal(t, 0, testutil.CollectAndCount(c.Bandwidth))
	assert.Equal(t, 0, testutil.CollectAndCount(c.TransferErrors))

	n, err := testutil.GatherAndCount(reg, "usbwatch_device_events_total")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestCollector_Security(t *testing.T) {
	c, _ := newTestCollector(t)

	tests := []struct {
		kind   event.Kind
		result string
	}{
		{event.DeviceAuthorized, ResultGranted},
		{event.AuthorizationFailed, ResultDenied},
		{event.DeviceAuthorizationRevoked, ResultRevoked},
		{event.DeviceBlocked, ResultBlocked},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			before := testutil.ToFloat64(c.AuthorizationDecisions.WithLabelValues(tt.result))
			c.Observe(event.New(tt.kind, testKey, nil))
			assert.Equal(t, before+1, testutil.ToFloat64(c.AuthorizationDecisions.WithLabelValues(tt.result)))
		})
	}

	c.Observe(event.New(event.SecurityEventOccurred, testKey, security.Event{Type: security.EventPolicyViolation}))
	c.Observe(event.New(event.SecurityEventOccurred, testKey, security.Event{Type: security.EventPolicyViolation}))
	c.Observe(event.New(event.SecurityEventOccurred, testKey, "malformed"))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.SecurityEvents.WithLabelValues("policy-violation")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.SecurityEvents))
}

func TestCollector_Attach(t *testing.T) {
	c, _ := newTestCollector(t)
	bus := event.NewBus(event.WithLogger(zap.NewNop()))
	defer bus.Close()
	c.Attach(bus)

	bus.Publish(event.DeviceAdded, testKey, nil)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.DevicesConnected) == 1
	}, 5*time.Second, 10*time.Millisecond)

	c.Detach()
	bus.Publish(event.DeviceAdded, "0483:5740:01:05", nil)
	assert.Equal(t, float64(1), testutil.ToFloat64(c.DevicesConnected))
}

func TestCollector_Handler(t *testing.T) {
	c, _ := newTestCollector(t)
	c.Observe(event.New(event.PowerStatsUpdated, testKey, telemetry.PowerStats{CurrentUsage: 100}))

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `usbwatch_power_current_milliamps{device="046D:C52B:01:04"} 100`)
}
