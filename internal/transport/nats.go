// Package transport relays dispatched events and alerts over NATS so that
// consumers in other processes can observe them.
//
// Subjects are "<prefix>.<topic>" for events and "<alert prefix>.<kind>"
// for alerts. Topics already use "." as separator, so NATS wildcards
// line up with topic segments.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/roach88/outpost/internal/alert"
	"github.com/roach88/outpost/internal/event"
)

const (
	// DefaultPrefix is the subject prefix used when none is configured.
	DefaultPrefix = "outpost.events"
	// DefaultAlertPrefix is the subject prefix for alerts.
	DefaultAlertPrefix = "outpost.alerts"

	// HeaderServer names the process that published a message.
	HeaderServer = "Outpost-Server"
	// HeaderEventID carries the event id for deduplication by receivers.
	HeaderEventID = "Nats-Msg-Id"
)

// Connect dials NATS with automatic reconnection. Extra options are
// appended to the defaults.
func Connect(url, name string, opts ...nats.Option) (*nats.Conn, error) {
	defaults := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Subject returns the subject an event topic is published on.
func Subject(prefix, topic string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + "." + topic
}

// Publisher is a consumer that forwards every event it consumes to NATS.
type Publisher struct {
	conn     *nats.Conn
	prefix   string
	serverID string
	pattern  event.Pattern
}

// NewPublisher creates a Publisher for topics matching pattern ("#" for
// all).
func NewPublisher(conn *nats.Conn, prefix, serverID, pattern string) (*Publisher, error) {
	p, err := event.CompilePattern(pattern)
	if err != nil {
		return nil, fmt.Errorf("nats publisher: %w", err)
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{conn: conn, prefix: prefix, serverID: serverID, pattern: p}, nil
}

// Name implements distributer.Consumer.
func (p *Publisher) Name() string { return "nats" }

// Consumes implements distributer.Consumer.
func (p *Publisher) Consumes(topic string) bool { return p.pattern.Match(topic) }

// LocalOnly keeps relayed events from bouncing back onto the bus.
func (p *Publisher) LocalOnly() bool { return true }

// Handle implements distributer.Consumer.
func (p *Publisher) Handle(_ context.Context, ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event %s: %w", ev.ID, err)
	}
	msg := nats.NewMsg(Subject(p.prefix, ev.Topic))
	msg.Data = data
	msg.Header.Set(HeaderServer, p.serverID)
	msg.Header.Set(HeaderEventID, ev.ID)
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing %s: %w", ev.ID, err)
	}
	return nil
}

// Deliverer receives relayed events. *distributer.Distributer implements
// it.
type Deliverer interface {
	DeliverRemote(ctx context.Context, ev event.Event) int
}

// Listener receives events published by other processes and hands them
// to local consumers. Events published by this process are ignored.
type Listener struct {
	conn     *nats.Conn
	prefix   string
	serverID string
	deliver  Deliverer
	logger   *slog.Logger
}

// NewListener creates a Listener. Call Start to subscribe.
func NewListener(conn *nats.Conn, prefix, serverID string, d Deliverer, logger *slog.Logger) *Listener {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{conn: conn, prefix: prefix, serverID: serverID, deliver: d, logger: logger}
}

// Start subscribes to every topic under the prefix. Delivery runs on the
// subscription goroutine, one message at a time, until ctx is cancelled
// or the returned stop function is called.
func (l *Listener) Start(ctx context.Context) (stop func(), err error) {
	sub, err := l.conn.Subscribe(l.prefix+".>", func(msg *nats.Msg) {
		l.handle(ctx, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s.>: %w", l.prefix, err)
	}
	// Flush ensures the subscription is registered on the server before
	// returning, so that messages published on other connections are routed.
	if err := l.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flushing subscription: %w", err)
	}

	var once sync.Once
	stop = func() { once.Do(func() { _ = sub.Unsubscribe() }) }
	go func() {
		<-ctx.Done()
		stop()
	}()
	return stop, nil
}

func (l *Listener) handle(ctx context.Context, msg *nats.Msg) {
	if msg.Header.Get(HeaderServer) == l.serverID {
		return
	}
	var ev event.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.ID == "" || ev.Topic == "" {
		l.logger.Warn("dropping malformed relayed event", "subject", msg.Subject, "error", err)
		return
	}
	n := l.deliver.DeliverRemote(ctx, ev)
	l.logger.Debug("relayed event delivered",
		"event_id", ev.ID,
		"topic", ev.Topic,
		"from", msg.Header.Get(HeaderServer),
		"consumers", n,
	)
}

// Alerter publishes alerts to "<prefix>.<kind>".
type Alerter struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewAlerter creates an Alerter.
func NewAlerter(conn *nats.Conn, prefix string, logger *slog.Logger) *Alerter {
	if prefix == "" {
		prefix = DefaultAlertPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Alerter{conn: conn, prefix: prefix, logger: logger}
}

// AlertMessage is the wire form of an alert.
type AlertMessage struct {
	alert.Alert
	Error string `json:"error,omitempty"`
}

// AlertSubject returns the subject alerts of kind k are published on.
func AlertSubject(prefix string, k alert.Kind) string {
	if prefix == "" {
		prefix = DefaultAlertPrefix
	}
	return prefix + "." + string(k)
}

// Alert implements alert.Alerter. Publish failures are logged; alerting
// never fails the caller.
func (a *Alerter) Alert(_ context.Context, al alert.Alert) {
	m := AlertMessage{Alert: al}
	if al.Err != nil {
		m.Error = al.Err.Error()
	}
	data, err := json.Marshal(m)
	if err != nil {
		a.logger.Warn("marshaling alert", "kind", string(al.Kind), "error", err)
		return
	}
	if err := a.conn.Publish(AlertSubject(a.prefix, al.Kind), data); err != nil {
		a.logger.Warn("publishing alert", "kind", string(al.Kind), "error", err)
	}
}
