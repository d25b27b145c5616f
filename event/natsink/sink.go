// Package natsink forwards bus events to NATS. Each event is published as
// its JSON envelope on <subject>.<kind>, e.g. usbwatch.events.device-added.
package natsink

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ardnew/usbwatch/event"
	"github.com/ardnew/usbwatch/pkg"
)

// DefaultSubject is the subject prefix used when none is configured.
const DefaultSubject = "usbwatch.events"

// Conn is the part of *nats.Conn the sink needs.
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Subscriber is the part of event.Bus the sink needs.
type Subscriber interface {
	Subscribe(h event.Handler, kinds ...event.Kind) func()
}

// Option configures a Sink.
type Option func(*Sink)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Sink) {
		if log != nil {
			s.log = log
		}
	}
}

// WithKinds limits forwarding to the given kinds.
func WithKinds(kinds ...event.Kind) Option {
	return func(s *Sink) { s.kinds = kinds }
}

// Sink publishes events to NATS.
type Sink struct {
	conn    Conn
	subject string
	kinds   []event.Kind
	log     *zap.Logger

	mutex       sync.Mutex
	unsubscribe []func()
	closed      bool
}

// New creates a sink on an established connection. An empty subject
// selects DefaultSubject.
func New(conn Conn, subject string, opts ...Option) *Sink {
	if subject == "" {
		subject = DefaultSubject
	}
	s := &Sink{
		conn:    conn,
		subject: subject,
		log:     pkg.Logger(pkg.ComponentEvent).With(zap.String("sink", "nats")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial connects to the NATS server at url and returns a sink on the
// connection. The connection reconnects indefinitely; Close drains it.
func Dial(url, subject string, opts ...Option) (*Sink, error) {
	s := New(nil, subject, opts...)
	nc, err := nats.Connect(url,
		nats.Name("usbwatch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats %s: %w", url, err)
	}
	s.conn = nc
	s.log.Info("forwarding events to nats",
		zap.String("url", nc.ConnectedUrl()),
		zap.String("subject", s.subject))
	return s, nil
}

// Subject returns the subject an event of kind is published on.
func (s *Sink) Subject(kind event.Kind) string {
	return s.subject + "." + string(kind)
}

// Attach forwards the events published on b until Close.
func (s *Sink) Attach(b Subscriber) {
	unsub := b.Subscribe(s.Forward, s.kinds...)
	s.mutex.Lock()
	s.unsubscribe = append(s.unsubscribe, unsub)
	s.mutex.Unlock()
}

// Forward publishes one event. Failures are logged; the bus has no one to
// return them to.
func (s *Sink) Forward(ev event.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("encoding event", zap.String("id", ev.ID), zap.String("kind", string(ev.Kind)), zap.Error(err))
		return
	}
	if err := s.conn.Publish(s.Subject(ev.Kind), data); err != nil {
		s.log.Warn("publishing event", zap.String("id", ev.ID), zap.String("subject", s.Subject(ev.Kind)), zap.Error(err))
	}
}

// Close detaches from every bus and drains the connection so published
// events are flushed.
func (s *Sink) Close() error {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return nil
	}
	s.closed = true
	unsubs := s.unsubscribe
	s.unsubscribe = nil
	s.mutex.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
