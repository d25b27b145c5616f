package security

import (
	"time"

	"go.uber.org/zap"

	"github.com/ardnew/usbwatch/event"
	"github.com/ardnew/usbwatch/pkg"
)

// DefaultMaxEventHistory caps the security event log.
const DefaultMaxEventHistory = 10000

// Option configures an Authorizer or a Coordinator.
type Option func(*options)

type options struct {
	pub       event.Publisher
	log       *zap.Logger
	now       func() time.Time
	confirm   Confirmer
	maxEvents int
	debounce  time.Duration
}

func newOptions(opts []Option) options {
	o := options{
		pub:       event.Discard,
		log:       pkg.Logger(pkg.ComponentSecurity),
		now:       time.Now,
		confirm:   DenyAll,
		maxEvents: DefaultMaxEventHistory,
		debounce:  DefaultReloadDebounce,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithPublisher sets where authorization and security events are
// published.
func WithPublisher(pub event.Publisher) Option {
	return func(o *options) { o.pub = pub }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithClock replaces time.Now. Authorization expiry and rule expiry are
// measured against it.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithConfirmer sets who is asked when the policy requires user
// confirmation. The default denies.
func WithConfirmer(c Confirmer) Option {
	return func(o *options) {
		if c != nil {
			o.confirm = c
		}
	}
}

// WithMaxEventHistory sets the initial cap of the coordinator's event log.
func WithMaxEventHistory(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxEvents = n
		}
	}
}

// WithDebounce sets how long a PolicyWatcher waits for writes to settle
// before reloading.
func WithDebounce(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.debounce = d
		}
	}
}
