package appender

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/outpost/internal/event"
	"github.com/roach88/outpost/internal/ir"
	"github.com/roach88/outpost/internal/jsonpath"
)

// Top-level sections of a Document.
const (
	SectionEvent    = "event"
	SectionPayload  = "payload"
	SectionAppendix = "appendix"
)

// Document is the JSON view of an event that appenders enrich and rule
// conditions read:
//
//	{
//	  "event":    {"id": ..., "topic": ..., "user_id": ..., "origin": {...}},
//	  "payload":  {...the event payload...},
//	  "appendix": {...values added by appenders and bound action results...}
//	}
//
// The event section is read-only. Values are kept as plain JSON trees with
// json.Number numbers, so Canonical is byte-identical for equal content.
type Document struct {
	root map[string]any
}

// NewDocument builds the document for ev.
func NewDocument(ev event.Event) (*Document, error) {
	payload := map[string]any{}
	if len(ev.Payload) > 0 {
		v, err := ir.DecodeJSON(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("event %s payload: %w", ev.ID, err)
		}
		m, ok := v.(map[string]any)
		if !ok && v != nil {
			return nil, fmt.Errorf("event %s payload: not a JSON object", ev.ID)
		}
		if m != nil {
			payload = m
		}
	}
	return &Document{root: map[string]any{
		SectionEvent:    eventMeta(ev),
		SectionPayload:  payload,
		SectionAppendix: map[string]any{},
	}}, nil
}

func eventMeta(ev event.Event) map[string]any {
	tags := make([]any, len(ev.Tags))
	for i, t := range ev.Tags {
		tags[i] = t
	}
	meta := map[string]any{
		"id":         ev.ID,
		"topic":      ev.Topic,
		"action":     ev.Action,
		"user_id":    optional(ev.Actor()),
		"tags":       tags,
		"sealed":     ev.Sealed,
		"work_set":   optional(ev.HostWorkSet),
		"work_item":  optional(ev.HostWorkItem),
		"created_at": ev.CreatedAt.UTC().Format(time.RFC3339Nano),
		"segments":   topicSegments(ev.Topic),
	}
	if ev.Origin != nil {
		meta["origin"] = map[string]any{
			"action_name":    ev.Origin.ActionName,
			"cause_event_id": ev.Origin.CauseEventID,
			"depth":          json.Number(fmt.Sprint(ev.Origin.Depth())),
		}
	} else {
		meta["origin"] = nil
	}
	return meta
}

func topicSegments(topic string) []any {
	parts := strings.Split(topic, ".")
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out
}

func optional(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// SetLineage records the event's ancestors, nearest first, under
// event.lineage so conditions can look at what caused the event.
func (d *Document) SetLineage(lineage []event.Event) {
	out := make([]any, len(lineage))
	for i, anc := range lineage {
		out[i] = map[string]any{
			"id":     anc.ID,
			"topic":  anc.Topic,
			"action": anc.Action,
			"sealed": anc.Sealed,
		}
	}
	d.root[SectionEvent].(map[string]any)["lineage"] = out
}

// Get returns the value at a wildcard-free path such as "payload.template".
func (d *Document) Get(path string) (any, bool, error) {
	return jsonpath.Get(d.root, path)
}

// Query returns every value a path selects.
func (d *Document) Query(path string) ([]any, error) {
	return jsonpath.Query(d.root, path)
}

// Set stores v at path. Paths under the event section are rejected. v is
// normalised to a plain JSON tree first.
func (d *Document) Set(path string, v any) error {
	section, _, _ := strings.Cut(path, ".")
	if section != SectionPayload && section != SectionAppendix {
		return fmt.Errorf("set %q: only %s and %s are writable", path, SectionPayload, SectionAppendix)
	}
	plain, err := Plain(v)
	if err != nil {
		return fmt.Errorf("set %q: %w", path, err)
	}
	return jsonpath.Set(d.root, path, plain)
}

// Payload returns the payload section.
func (d *Document) Payload() map[string]any {
	m, _ := d.root[SectionPayload].(map[string]any)
	return m
}

// Appendix returns the appendix section.
func (d *Document) Appendix() map[string]any {
	m, _ := d.root[SectionAppendix].(map[string]any)
	return m
}

// Map returns the whole document. Callers must not modify it.
func (d *Document) Map() map[string]any {
	return d.root
}

// Canonical returns the RFC 8785 encoding of the document.
func (d *Document) Canonical() ([]byte, error) {
	return ir.MarshalCanonical(d.root)
}

// Hash returns the content hash of the document.
func (d *Document) Hash() (string, error) {
	return ir.DocumentHash(d.root)
}

// Clone returns a deep copy.
func (d *Document) Clone() (*Document, error) {
	v, err := Plain(d.root)
	if err != nil {
		return nil, err
	}
	return &Document{root: v.(map[string]any)}, nil
}

// Plain converts v to a plain JSON tree (maps, slices, strings, bools,
// json.Number, nil) by a canonical round trip.
func Plain(v any) (any, error) {
	raw, err := ir.MarshalCanonical(v)
	if err != nil {
		return nil, err
	}
	return ir.DecodeJSON(raw)
}
