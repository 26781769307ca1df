package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/outpost/internal/action"
	"github.com/roach88/outpost/internal/alert"
	"github.com/roach88/outpost/internal/event"
	"github.com/roach88/outpost/internal/idgen"
	"github.com/roach88/outpost/internal/ir"
	"github.com/roach88/outpost/internal/sink"
	"github.com/roach88/outpost/internal/store"
	"github.com/roach88/outpost/internal/testutil"
)

const formTopic = "ws1.wi1.formA.event.form_create_instance"

type fixture struct {
	store   *store.Store
	sink    *sink.Sink
	engine  *Engine
	alerts  *alert.Recorder
	actions *action.Registry

	mu    sync.Mutex
	calls []string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st := testutil.OpenStore(t)
	clock := testutil.NewFakeClock(testutil.Epoch)
	sk := sink.New(st,
		sink.WithIDGenerator(idgen.NewSequenceGenerator("evt")),
		sink.WithClock(clock.Now),
	)
	f := &fixture{store: st, sink: sk, alerts: &alert.Recorder{}, actions: action.NewRegistry()}

	require.NoError(t, f.actions.Register("Record", action.Func(func(_ context.Context, c *action.Call) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls = append(f.calls, c.RuleID)
		return nil
	})))
	require.NoError(t, f.actions.Register("Fail", action.Func(func(ctx context.Context, c *action.Call) error {
		if _, err := c.Sink.Enqueue(ctx, event.Draft{Origin: event.NewOrigin(c.Name, &c.Event), Topic: "never.visible"}); err != nil {
			return err
		}
		return errors.New("downstream unavailable")
	})))
	require.NoError(t, f.actions.Register("Panic", action.Func(func(context.Context, *action.Call) error {
		panic("boom")
	})))

	base := []Option{
		WithActions(f.actions),
		WithAlerter(f.alerts),
		WithClock(clock.Now),
	}
	f.engine = New(st, sk, append(base, opts...)...)
	return f
}

func (f *fixture) load(t *testing.T, rules ...ir.Rule) {
	t.Helper()
	_, err := f.engine.Load(rules)
	require.NoError(t, err)
}

func (f *fixture) emit(t *testing.T, topic, payload string) event.Event {
	t.Helper()
	ev, err := f.sink.Emit(context.Background(), event.Draft{
		Topic:   topic,
		Action:  "createForm",
		Payload: json.RawMessage(payload),
	})
	require.NoError(t, err)
	return ev
}

func (f *fixture) evaluate(t *testing.T, ev event.Event) {
	t.Helper()
	lineage, err := f.store.LineageOf(context.Background(), ev)
	require.NoError(t, err)
	require.NoError(t, f.engine.Evaluate(context.Background(), ev, lineage))
}

func (f *fixture) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func notifyOnFormCreate() ir.Rule {
	return ir.Rule{
		ID:      "NotifyOnFormCreate",
		Topic:   "*.*.*.event.form_create_instance",
		Enabled: true,
		Conditions: []ir.Condition{
			{Path: "payload.template", Op: ir.OpEq, Value: "formA"},
		},
		Actions: []ir.ActionSpec{
			{Name: action.NameRequestNotification, Args: map[string]any{"group": "ops"}},
		},
	}
}

func TestEvaluate_NotifyOnFormCreate(t *testing.T) {
	f := newFixture(t)
	f.load(t, notifyOnFormCreate())

	ev := f.emit(t, formTopic, `{"id":"F1","template":"formA"}`)
	f.evaluate(t, ev)

	ns, err := f.store.ListNotifications(context.Background(), ev.ID)
	require.NoError(t, err)
	require.Len(t, ns, 1)
	assert.Equal(t, "ops", ns[0].Group)

	// Redelivery of the same event does not notify twice.
	f.evaluate(t, ev)
	ns, err = f.store.ListNotifications(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Len(t, ns, 1)

	firings, err := f.store.FiringsForEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Len(t, firings, 1)
	assert.Empty(t, f.alerts.Alerts())
}

func TestEvaluate_ConditionNotMet(t *testing.T) {
	f := newFixture(t)
	f.load(t, notifyOnFormCreate())

	ev := f.emit(t, formTopic, `{"id":"F2","template":"formB"}`)
	f.evaluate(t, ev)

	ns, err := f.store.ListNotifications(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Empty(t, ns)
}

func TestEvaluate_TopicMismatch(t *testing.T) {
	f := newFixture(t)
	f.load(t, notifyOnFormCreate())

	ev := f.emit(t, "ws1.wi1.formA.event.form_deleted", `{"template":"formA"}`)
	f.evaluate(t, ev)

	firings, err := f.store.FiringsForEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Empty(t, firings)
}

func reEmitRule(sealed bool) ir.Rule {
	return ir.Rule{
		ID:              "ReEmit",
		Topic:           "x.created",
		Enabled:         true,
		SealDescendants: sealed,
		Actions: []ir.ActionSpec{
			{Name: action.NameEmitEvent, Args: map[string]any{"topic": "x.created", "payload": map[string]any{"from": "${event.id}"}}},
		},
	}
}

// drain evaluates events of topic in seq order until no unevaluated ones
// are left, like a pump would.
func (f *fixture) drain(t *testing.T, topic string) []event.Event {
	t.Helper()
	done := map[string]bool{}
	for {
		evs, err := f.store.ListEvents(context.Background(), store.EventFilter{Topic: topic})
		require.NoError(t, err)
		progressed := false
		for _, ev := range evs {
			if done[ev.ID] {
				continue
			}
			done[ev.ID] = true
			progressed = true
			f.evaluate(t, ev)
		}
		if !progressed {
			return evs
		}
	}
}

func TestEvaluate_SealedCascadeTerminates(t *testing.T) {
	f := newFixture(t)
	f.load(t, reEmitRule(true))

	root := f.emit(t, "x.created", `{}`)
	all := f.drain(t, "x.created")

	require.Len(t, all, 2, "exactly one descendant")
	child := all[1]
	assert.True(t, child.Sealed)
	require.NotNil(t, child.Origin)
	assert.Equal(t, root.ID, child.Origin.CauseEventID)
	assert.JSONEq(t, `{"from":"`+root.ID+`"}`, string(child.Payload))
	assert.Empty(t, f.alerts.Alerts())
}

func TestEvaluate_UnsealedCascadeStopsAtDepthLimit(t *testing.T) {
	f := newFixture(t, WithMaxCascadeDepth(3))
	f.load(t, reEmitRule(false))

	f.emit(t, "x.created", `{}`)
	all := f.drain(t, "x.created")

	require.Len(t, all, 4, "root plus three generations")
	assert.Equal(t, 3, all[3].Origin.Depth())
	limits := f.alerts.OfKind(alert.KindCascadeLimit)
	require.Len(t, limits, 1)
	assert.Equal(t, all[3].ID, limits[0].EventID)
}

func TestEvaluate_SealedEventSkipsRules(t *testing.T) {
	f := newFixture(t)
	f.load(t, ir.Rule{ID: "Any", Topic: "#", Enabled: true, Actions: []ir.ActionSpec{{Name: "Record"}}})

	ev, err := f.sink.Emit(context.Background(), event.Draft{Topic: "a.b", Action: "x", Sealed: true})
	require.NoError(t, err)
	f.evaluate(t, ev)
	assert.Empty(t, f.recorded())
}

func TestEvaluate_ActionFailureIsolated(t *testing.T) {
	f := newFixture(t)
	f.load(t,
		ir.Rule{
			ID: "First", Topic: "a.b", Enabled: true,
			Actions: []ir.ActionSpec{
				{Name: "Fail"},
				{Name: action.NameRequestNotification, Args: map[string]any{"group": "ops"}},
				{Name: "Panic"},
				{Name: "Record"},
			},
		},
		ir.Rule{ID: "Second", Topic: "a.b", Enabled: true, Actions: []ir.ActionSpec{{Name: "Record"}}},
	)

	ev := f.emit(t, "a.b", `{}`)
	f.evaluate(t, ev)

	// The failed action's event was rolled back with its savepoint.
	never, err := f.store.ListEvents(context.Background(), store.EventFilter{Topic: "never.visible"})
	require.NoError(t, err)
	assert.Empty(t, never)

	ns, err := f.store.ListNotifications(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Len(t, ns, 1)
	assert.Equal(t, []string{"First", "Second"}, f.recorded())

	failed := f.alerts.OfKind(alert.KindActionFailed)
	require.Len(t, failed, 2)
	assert.Equal(t, "Fail", failed[0].Action)
	assert.True(t, IsActionError(failed[0].Err))
	assert.Equal(t, "Panic", failed[1].Action)
	assert.Contains(t, failed[1].Err.Error(), "panic: boom")

	// Failed actions left no firing, so a redelivery retries exactly them.
	firings, err := f.store.FiringsForEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Len(t, firings, 3)

	f.evaluate(t, ev)
	assert.Equal(t, []string{"First", "Second"}, f.recorded())
	assert.Len(t, f.alerts.OfKind(alert.KindActionFailed), 4)
}

func TestEvaluate_PriorityOrder(t *testing.T) {
	rules := []ir.Rule{
		{ID: "Late", Topic: "a.b", Priority: 5, Enabled: true, Actions: []ir.ActionSpec{{Name: "Record"}}},
		{ID: "TieFirst", Topic: "a.b", Priority: 1, Enabled: true, Actions: []ir.ActionSpec{{Name: "Record"}}},
		{ID: "TieSecond", Topic: "a.*", Priority: 1, Enabled: true, Actions: []ir.ActionSpec{{Name: "Record"}}},
		{ID: "Off", Topic: "a.b", Priority: 0, Enabled: false, Actions: []ir.ActionSpec{{Name: "Record"}}},
	}
	tests := []struct {
		order ir.PriorityOrder
		want  []string
	}{
		{ir.PriorityAsc, []string{"TieFirst", "TieSecond", "Late"}},
		{ir.PriorityDesc, []string{"Late", "TieFirst", "TieSecond"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.order), func(t *testing.T) {
			f := newFixture(t, WithPriorityOrder(tt.order))
			f.load(t, rules...)
			f.evaluate(t, f.emit(t, "a.b", `{}`))
			assert.Equal(t, tt.want, f.recorded())
		})
	}
}

func TestEvaluate_ActionTagsReachDescendants(t *testing.T) {
	f := newFixture(t)
	f.load(t, ir.Rule{
		ID: "Tagged", Topic: "a.b", Enabled: true,
		Actions: []ir.ActionSpec{
			{Name: action.NameEmitEvent, Args: map[string]any{"topic": "a.tagged", "tags": []any{"audit"}}, Tags: []string{"automation"}},
			{Name: action.NameEmitEvent, Args: map[string]any{"topic": "a.plain"}},
		},
	})
	f.evaluate(t, f.emit(t, "a.b", `{}`))

	tagged, err := f.store.ListEvents(context.Background(), store.EventFilter{Topic: "a.tagged"})
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, []string{"audit", "automation"}, tagged[0].Tags)

	plain, err := f.store.ListEvents(context.Background(), store.EventFilter{Topic: "a.plain"})
	require.NoError(t, err)
	require.Len(t, plain, 1)
	assert.Empty(t, plain[0].Tags)
}

func TestEvaluate_BindFeedsLaterActions(t *testing.T) {
	f := newFixture(t)
	f.load(t, ir.Rule{
		ID: "Bind", Topic: "a.b", Enabled: true,
		Actions: []ir.ActionSpec{
			{Name: action.NameSetResult, Args: map[string]any{"value": "${payload.name}"}, Bind: "who"},
			{Name: action.NameEmitEvent, Args: map[string]any{"topic": "a.greeted"}, Bind: "greeting_id"},
			{Name: action.NameRequestNotification, Args: map[string]any{
				"group":   "ops",
				"subject": "hello ${appendix.who}",
				"body":    map[string]any{"event": "${appendix.greeting_id}"},
			}},
		},
	})

	ev := f.emit(t, "a.b", `{"name":"ada"}`)
	f.evaluate(t, ev)

	greeted, err := f.store.ListEvents(context.Background(), store.EventFilter{Topic: "a.greeted"})
	require.NoError(t, err)
	require.Len(t, greeted, 1)

	ns, err := f.store.ListNotifications(context.Background(), ev.ID)
	require.NoError(t, err)
	require.Len(t, ns, 1)
	assert.Equal(t, "hello ada", ns[0].Subject)
	assert.JSONEq(t, `{"event":"`+greeted[0].ID+`"}`, ns[0].Body)
}

func TestEvaluate_AppenderFailureSkipsRule(t *testing.T) {
	f := newFixture(t)
	f.load(t,
		ir.Rule{
			ID: "NeedsSource", Topic: "a.b", Enabled: true,
			Appenders: []ir.AppenderSpec{{Name: "resolve", Args: map[string]any{
				"kind": "event", "from": "payload.source", "into": "appendix.source",
			}}},
			Actions: []ir.ActionSpec{{Name: "Record"}},
		},
		ir.Rule{ID: "Plain", Topic: "a.b", Enabled: true, Actions: []ir.ActionSpec{{Name: "Record"}}},
	)

	f.evaluate(t, f.emit(t, "a.b", `{"source":"missing-event"}`))
	assert.Equal(t, []string{"Plain"}, f.recorded())
	failed := f.alerts.OfKind(alert.KindAppenderFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "NeedsSource", failed[0].RuleID)
}

func TestEvaluate_ResolveAppenderReadsStore(t *testing.T) {
	f := newFixture(t)
	f.load(t, ir.Rule{
		ID: "Enriched", Topic: "a.b", Enabled: true,
		Appenders: []ir.AppenderSpec{{Name: "resolve", Args: map[string]any{
			"kind": "event", "from": "payload.source", "into": "appendix.source",
		}}},
		Conditions: []ir.Condition{{Path: "appendix.source.topic", Op: ir.OpEq, Value: "src.created"}},
		Actions:    []ir.ActionSpec{{Name: "Record"}},
	})

	src := f.emit(t, "src.created", `{}`)
	f.evaluate(t, f.emit(t, "a.b", `{"source":"`+src.ID+`"}`))
	assert.Equal(t, []string{"Enriched"}, f.recorded())
}

func TestEvaluate_ExprConditions(t *testing.T) {
	f := newFixture(t)
	f.load(t,
		ir.Rule{
			ID: "Big", Topic: "a.b", Enabled: true,
			Conditions: []ir.Condition{{Expr: `payload.amount > 100 && event.topic == "a.b"`}},
			Actions:    []ir.ActionSpec{{Name: "Record"}},
		},
		ir.Rule{
			ID: "Broken", Topic: "a.b", Enabled: true,
			Conditions: []ir.Condition{{Expr: `payload.amount + "x"`}},
			Actions:    []ir.ActionSpec{{Name: "Record"}},
		},
	)

	f.evaluate(t, f.emit(t, "a.b", `{"amount":250}`))
	f.evaluate(t, f.emit(t, "a.b", `{"amount":5}`))
	assert.Equal(t, []string{"Big"}, f.recorded())
	assert.Len(t, f.alerts.OfKind(alert.KindConditionError), 2)
}

func TestEvaluate_LineageInDocument(t *testing.T) {
	f := newFixture(t)
	f.load(t,
		ir.Rule{
			ID: "Start", Topic: "flow.start", Enabled: true,
			Actions: []ir.ActionSpec{{Name: action.NameEmitEvent, Args: map[string]any{"topic": "flow.next"}}},
		},
		ir.Rule{
			ID: "FromStart", Topic: "flow.next", Enabled: true,
			Conditions: []ir.Condition{{Path: "event.lineage.*.topic", Op: ir.OpEq, Value: "flow.start"}},
			Actions:    []ir.ActionSpec{{Name: "Record"}},
		},
	)

	f.evaluate(t, f.emit(t, "flow.start", `{}`))
	next, err := f.store.ListEvents(context.Background(), store.EventFilter{Topic: "flow.next"})
	require.NoError(t, err)
	require.Len(t, next, 1)
	f.evaluate(t, next[0])
	assert.Equal(t, []string{"FromStart"}, f.recorded())
}

func TestLoad_KeepsPreviousRegistryOnError(t *testing.T) {
	f := newFixture(t)
	f.load(t, notifyOnFormCreate())
	before := f.engine.Registry()

	_, err := f.engine.Load([]ir.Rule{{ID: "Bad", Topic: "a.b", Enabled: true, Actions: []ir.ActionSpec{{Name: "SendFax"}}}})
	require.Error(t, err)
	assert.True(t, IsUnknownActionError(err))
	assert.Same(t, before, f.engine.Registry())

	reg, err := f.engine.Load([]ir.Rule{notifyOnFormCreate(), {ID: "Off", Topic: "a.b", Actions: []ir.ActionSpec{{Name: "Record"}}}})
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, 2, reg.Total())
	assert.Equal(t, ir.MustRulesetHash([]ir.Rule{notifyOnFormCreate(), {ID: "Off", Topic: "a.b", Actions: []ir.ActionSpec{{Name: "Record"}}}}), reg.Hash())
}

func TestLoad_RejectsBadRules(t *testing.T) {
	f := newFixture(t)
	tests := []ir.Rule{
		{ID: "BadTopic", Topic: "a..b", Enabled: true, Actions: []ir.ActionSpec{{Name: "Record"}}},
		{ID: "BadAppender", Topic: "a.b", Enabled: true, Appenders: []ir.AppenderSpec{{Name: "nope"}}, Actions: []ir.ActionSpec{{Name: "Record"}}},
		{ID: "BadRegexp", Topic: "a.b", Enabled: true, Conditions: []ir.Condition{{Path: "payload.x", Op: ir.OpMatches, Value: "("}}, Actions: []ir.ActionSpec{{Name: "Record"}}},
		{ID: "NoActions", Topic: "a.b", Enabled: true},
	}
	for _, r := range tests {
		t.Run(r.ID, func(t *testing.T) {
			_, err := f.engine.Load([]ir.Rule{r})
			assert.Error(t, err)
		})
	}
	_, err := f.engine.Load([]ir.Rule{notifyOnFormCreate(), notifyOnFormCreate()})
	assert.Error(t, err, "duplicate ids")
}

func TestEvaluate_InfrastructureErrorReturned(t *testing.T) {
	f := newFixture(t)
	f.load(t, ir.Rule{ID: "Any", Topic: "a.b", Enabled: true, Actions: []ir.ActionSpec{{Name: "Record"}}})
	ev := f.emit(t, "a.b", `{}`)

	require.NoError(t, f.store.Close())
	err := f.engine.Evaluate(context.Background(), ev, nil)
	assert.Error(t, err)
}
