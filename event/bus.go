package event

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ardnew/usbwatch/pkg"
)

// DefaultQueueSize is the number of undelivered events a subscription
// holds before the oldest are dropped.
const DefaultQueueSize = 4096

// Handler processes events delivered to a subscription.
type Handler func(Event)

// Bus is an in-memory publish/subscribe bus. Each subscription has its own
// queue and goroutine: Publish never blocks on or runs subscriber code, and
// a subscriber sees events in publish order. A subscriber that falls more
// than the queue size behind loses its oldest undelivered events.
type Bus struct {
	mu        sync.Mutex
	subs      map[int]*subscription
	nextID    int
	closed    bool
	log       *zap.Logger
	queueSize int
	dropped   atomic.Uint64
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(log *zap.Logger) BusOption {
	return func(b *Bus) { b.log = log }
}

// WithQueueSize caps each subscription's backlog.
func WithQueueSize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:      make(map[int]*subscription),
		log:       pkg.Logger(pkg.ComponentEvent),
		queueSize: DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type subscription struct {
	kinds   map[Kind]bool // nil matches every kind
	handler Handler
	log     *zap.Logger
	limit   int
	total   *atomic.Uint64

	mu      sync.Mutex
	queue   []Event
	dropped int
	closing bool
	signal  chan struct{}
	done    chan struct{}
}

// Subscribe registers h for the given kinds, or for every kind when none
// are given. The returned function unsubscribes and waits for queued
// events to be delivered.
func (b *Bus) Subscribe(h Handler, kinds ...Kind) func() {
	s := &subscription{
		handler: h,
		log:     b.log,
		limit:   b.queueSize,
		total:   &b.dropped,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.done)
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	go s.loop()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			s.close()
		})
	}
}

// Publish stamps and enqueues an event for every matching subscription.
func (b *Bus) Publish(kind Kind, device string, payload any) Event {
	ev := New(kind, device, payload)
	b.Send(ev)
	return ev
}

// Send enqueues a pre-built event.
func (b *Bus) Send(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.kinds == nil || s.kinds[ev.Kind] {
			s.enqueue(ev)
		}
	}
}

// Dropped returns the number of events discarded from full subscription
// queues since the bus was created.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close unsubscribes everyone after their queues drain. Later publishes
// are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

func (s *subscription) enqueue(ev Event) {
	s.mu.Lock()
	if !s.closing {
		if len(s.queue) >= s.limit {
			n := len(s.queue) - s.limit + 1
			s.queue = append(s.queue[:0], s.queue[n:]...)
			s.dropped += n
			s.total.Add(uint64(n))
		}
		s.queue = append(s.queue, ev)
	}
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
	<-s.done
}

func (s *subscription) loop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		dropped := s.dropped
		s.dropped = 0
		closing := s.closing
		s.mu.Unlock()

		if dropped > 0 {
			s.log.Warn("subscriber queue full, dropped oldest events",
				zap.Int("dropped", dropped))
		}

		for _, ev := range batch {
			s.deliver(ev)
		}
		if closing && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			<-s.signal
		}
	}
}

func (s *subscription) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("event handler panicked",
				zap.String("kind", string(ev.Kind)),
				zap.Any("panic", r))
		}
	}()
	s.handler(ev)
}

var _ Publisher = (*Bus)(nil)
