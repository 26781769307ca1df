package transport

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/outpost/internal/alert"
	"github.com/roach88/outpost/internal/distributer"
	"github.com/roach88/outpost/internal/event"
	"github.com/roach88/outpost/internal/testutil"
)

// startTestNATS starts an embedded NATS server and returns its client URL.
func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

func connect(t *testing.T, url, name string) *nats.Conn {
	t.Helper()
	nc, err := Connect(url, name)
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func testEvent(id, topic string) event.Event {
	return event.Event{
		ID:        id,
		Topic:     topic,
		Action:    "createForm",
		Payload:   json.RawMessage(`{"id":"F1"}`),
		State:     event.StateClaimed,
		CreatedAt: testutil.Epoch,
		UpdatedAt: testutil.Epoch,
	}
}

type chanDeliverer chan event.Event

func (c chanDeliverer) DeliverRemote(_ context.Context, ev event.Event) int {
	c <- ev
	return 1
}

func TestPublisher_PublishesOnTopicSubject(t *testing.T) {
	url := startTestNATS(t)
	pubConn := connect(t, url, "srv-a")
	subConn := connect(t, url, "observer")

	msgs := make(chan *nats.Msg, 4)
	sub, err := subConn.ChanSubscribe(DefaultPrefix+".ws1.>", msgs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, subConn.Flush())

	p, err := NewPublisher(pubConn, "", "srv-a", "ws1.#")
	require.NoError(t, err)
	assert.True(t, p.Consumes("ws1.wi1.formA.event.form_create_instance"))
	assert.False(t, p.Consumes("ws2.x"))
	assert.True(t, p.LocalOnly())

	ev := testEvent("evt-1", "ws1.wi1.formA.event.form_create_instance")
	require.NoError(t, p.Handle(context.Background(), ev))
	require.NoError(t, pubConn.Flush())

	select {
	case msg := <-msgs:
		assert.Equal(t, "outpost.events.ws1.wi1.formA.event.form_create_instance", msg.Subject)
		assert.Equal(t, "srv-a", msg.Header.Get(HeaderServer))
		assert.Equal(t, "evt-1", msg.Header.Get(HeaderEventID))
		var got event.Event
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, ev.ID, got.ID)
		assert.JSONEq(t, `{"id":"F1"}`, string(got.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestListener_IgnoresOwnMessages(t *testing.T) {
	url := startTestNATS(t)
	connA := connect(t, url, "srv-a")
	connB := connect(t, url, "srv-b")

	got := make(chanDeliverer, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewListener(connA, "", "srv-a", got, nil)
	stop, err := l.Start(ctx)
	require.NoError(t, err)
	defer stop()

	own, err := NewPublisher(connA, "", "srv-a", "#")
	require.NoError(t, err)
	remote, err := NewPublisher(connB, "", "srv-b", "#")
	require.NoError(t, err)

	require.NoError(t, own.Handle(ctx, testEvent("evt-own", "a.b")))
	require.NoError(t, remote.Handle(ctx, testEvent("evt-remote", "a.b")))
	require.NoError(t, connA.Flush())
	require.NoError(t, connB.Flush())

	select {
	case ev := <-got:
		assert.Equal(t, "evt-remote", ev.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relayed event")
	}
	select {
	case ev := <-got:
		t.Fatalf("unexpected delivery of %s", ev.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestListener_DeliversToLocalConsumersOnly(t *testing.T) {
	url := startTestNATS(t)
	connA := connect(t, url, "srv-a")
	connB := connect(t, url, "srv-b")

	received := make(chan string, 4)
	d := distributer.New(distributer.WithAlerter(&alert.Recorder{}))
	audit, err := distributer.Subscribe("audit", "#", func(_ context.Context, ev event.Event) error {
		received <- ev.ID
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, d.Register(audit))
	relay, err := NewPublisher(connA, "", "srv-a", "#")
	require.NoError(t, err)
	require.NoError(t, d.Register(relay))

	// Anything srv-a re-published would show up here.
	echoes := make(chan *nats.Msg, 4)
	sub, err := connB.ChanSubscribe(DefaultPrefix+".>", echoes)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, connB.Flush())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err = NewListener(connA, "", "srv-a", d, nil).Start(ctx)
	require.NoError(t, err)

	remote, err := NewPublisher(connB, "", "srv-b", "#")
	require.NoError(t, err)
	require.NoError(t, remote.Handle(ctx, testEvent("evt-9", "x.y")))
	require.NoError(t, connB.Flush())

	select {
	case id := <-received:
		assert.Equal(t, "evt-9", id)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for local delivery")
	}

	<-echoes // the original publication
	select {
	case msg := <-echoes:
		t.Fatalf("relayed event was re-published: %s", msg.Subject)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAlerter_Publishes(t *testing.T) {
	url := startTestNATS(t)
	nc := connect(t, url, "srv-a")

	msgs := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe(DefaultAlertPrefix+".>", msgs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, nc.Flush())

	a := NewAlerter(nc, "", nil)
	a.Alert(context.Background(), alert.Alert{
		Kind:    alert.KindDeadLettered,
		EventID: "evt-1",
		Message: "retries exhausted",
		Err:     errors.New("smtp timeout"),
		At:      testutil.Epoch,
	})
	require.NoError(t, nc.Flush())

	select {
	case msg := <-msgs:
		assert.Equal(t, "outpost.alerts.dead_lettered", msg.Subject)
		var got AlertMessage
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, alert.KindDeadLettered, got.Kind)
		assert.Equal(t, "evt-1", got.EventID)
		assert.Equal(t, "smtp timeout", got.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for alert")
	}
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "outpost.events.a.b", Subject("", "a.b"))
	assert.Equal(t, "bus.a.b", Subject("bus", "a.b"))
	assert.Equal(t, "outpost.alerts.lease_lost", AlertSubject("", alert.KindLeaseLost))
}
