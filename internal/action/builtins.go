package action

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/outpost/internal/event"
	"github.com/roach88/outpost/internal/ir"
	"github.com/roach88/outpost/internal/store"
)

// Builtin action names.
const (
	NameEmitEvent           = "EmitEvent"
	NameRequestNotification = "RequestNotification"
	NameSetResult           = "SetResult"
)

// emitEvent enqueues a descendant of the triggering event.
//
// Args: topic (required), payload (object, default {}), action, tags,
// sealed. The descendant inherits the work set and work item of its cause
// and is sealed when either the rule or the args say so. The new event id
// is the action's result.
func emitEvent(ctx context.Context, c *Call) error {
	if c.Sink == nil {
		return errors.New("no sink bound to the call")
	}
	topic, err := stringArg(c.Args, "topic", true)
	if err != nil {
		return err
	}
	payload := map[string]any{}
	if p, ok := c.Args["payload"]; ok && p != nil {
		m, ok := p.(map[string]any)
		if !ok {
			return fmt.Errorf("argument %q must be an object", "payload")
		}
		payload = m
	}
	raw, err := ir.MarshalCanonical(payload)
	if err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	actionName, err := stringArg(c.Args, "action", false)
	if err != nil {
		return err
	}
	sealed := c.Sealed
	if s, ok := c.Args["sealed"].(bool); ok && s {
		sealed = true
	}
	tags := append([]string{}, c.Tags...)
	if extra, ok := c.Args["tags"].([]any); ok {
		for _, t := range extra {
			if s, ok := t.(string); ok {
				tags = append(tags, s)
			}
		}
	}

	cause := c.Event
	ev, err := c.Sink.Enqueue(ctx, event.Draft{
		Origin:       event.NewOrigin(c.Name, &cause),
		Topic:        topic,
		Action:       actionName,
		Payload:      raw,
		Tags:         tags,
		Sealed:       sealed,
		HostWorkSet:  cause.HostWorkSet,
		HostWorkItem: cause.HostWorkItem,
	})
	if err != nil {
		return err
	}
	c.SetResult(ev.ID)
	return nil
}

// requestNotification records a notification request for a group. The
// record is keyed by the firing, so redelivering the event never writes a
// second request.
//
// Args: group (required), subject, body.
func requestNotification(ctx context.Context, c *Call) error {
	group, err := stringArg(c.Args, "group", true)
	if err != nil {
		return err
	}
	subject, err := stringArg(c.Args, "subject", false)
	if err != nil {
		return err
	}
	var body string
	switch b := c.Args["body"].(type) {
	case nil:
	case string:
		body = b
	default:
		raw, err := ir.MarshalCanonical(b)
		if err != nil {
			return fmt.Errorf("body: %w", err)
		}
		body = string(raw)
	}
	n := store.Notification{
		ID:        c.FiringKey,
		EventID:   c.Event.ID,
		RuleID:    c.RuleID,
		Group:     group,
		Subject:   subject,
		Body:      body,
		CreatedAt: c.Now,
	}
	if _, err := c.Tx.Store().InsertNotification(ctx, c.Tx, n); err != nil {
		return err
	}
	c.SetResult(n.ID)
	return nil
}

// setResult binds args.value for later actions.
func setResult(_ context.Context, c *Call) error {
	v, ok := c.Args["value"]
	if !ok {
		return fmt.Errorf("argument %q is required", "value")
	}
	if c.ResultBinding == "" {
		return errors.New("SetResult needs a bind name")
	}
	c.SetResult(v)
	return nil
}

func stringArg(args map[string]any, key string, required bool) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("argument %q is required", key)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	if required && s == "" {
		return "", fmt.Errorf("argument %q is empty", key)
	}
	return s, nil
}
