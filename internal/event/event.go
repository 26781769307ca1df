package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// State is the lifecycle state of a stored event. Only the store moves an
// event between states.
type State string

const (
	StateEnqueued     State = "enqueued"
	StateClaimed      State = "claimed"
	StateDispatched   State = "dispatched"
	StateFailed       State = "failed"
	StateDeadLettered State = "dead_lettered"
)

var validStates = map[State]bool{
	StateEnqueued:     true,
	StateClaimed:      true,
	StateDispatched:   true,
	StateFailed:       true,
	StateDeadLettered: true,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return validStates[s]
}

// Terminal reports whether the pump is done with an event in state s.
func (s State) Terminal() bool {
	return s == StateDispatched || s == StateDeadLettered
}

// ParseState converts a stored state string.
func ParseState(s string) (State, error) {
	st := State(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown event state %q", s)
	}
	return st, nil
}

// Event is a stored event record.
type Event struct {
	ID           string          `json:"id"`
	Seq          int64           `json:"seq"`
	Version      int64           `json:"version"`
	Topic        string          `json:"topic"`
	Action       string          `json:"action,omitempty"`
	Origin       *Origin         `json:"origin,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	UserID       *string         `json:"user_id,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
	Sealed       bool            `json:"sealed"`
	HostWorkSet  *string         `json:"host_work_set,omitempty"`
	HostWorkItem *string         `json:"host_work_item,omitempty"`
	Shard        int             `json:"shard"`
	State        State           `json:"state"`
	Attempts     int             `json:"attempts"`
	LastError    string          `json:"last_error,omitempty"`
	ClaimedBy    string          `json:"claimed_by,omitempty"`
	LeaseEpoch   int64           `json:"lease_epoch,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ShardKey is the value hashed to pick the event's shard. Events of one work
// set share a shard so they are dispatched in creation order.
func (e *Event) ShardKey() string {
	if e.HostWorkSet != nil && *e.HostWorkSet != "" {
		return *e.HostWorkSet
	}
	return e.Topic
}

// Actor returns the user the event is attributed to: the direct actor when
// present, otherwise the first origin user up the lineage.
func (e *Event) Actor() *string {
	if e.UserID != nil {
		return e.UserID
	}
	return e.Origin.EffectiveUser()
}

// HasTag reports whether the event carries tag.
func (e *Event) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Origin records what produced an event. Origins form a finite chain through
// Preceding and are immutable once created.
type Origin struct {
	ID           string  `json:"id"`
	ActionName   string  `json:"action_name"`
	Preceding    *Origin `json:"preceding,omitempty"`
	OriginUser   *string `json:"origin_user,omitempty"`
	CauseEventID string  `json:"cause_event_id,omitempty"`
}

// NewOrigin builds the origin for an event produced by actionName while
// handling cause. The cause's origin becomes the preceding link; the cause's
// actor becomes the origin user.
func NewOrigin(actionName string, cause *Event) *Origin {
	o := &Origin{ActionName: actionName}
	if cause != nil {
		o.Preceding = cause.Origin
		o.OriginUser = cause.Actor()
		o.CauseEventID = cause.ID
	}
	return o
}

// Depth is the number of origins in the chain. A nil origin has depth 0.
func (o *Origin) Depth() int {
	n := 0
	for cur := o; cur != nil; cur = cur.Preceding {
		n++
	}
	return n
}

// Chain returns the origin followed by its ancestors, nearest first.
func (o *Origin) Chain() []*Origin {
	var chain []*Origin
	for cur := o; cur != nil; cur = cur.Preceding {
		chain = append(chain, cur)
	}
	return chain
}

// Root returns the oldest origin in the chain.
func (o *Origin) Root() *Origin {
	if o == nil {
		return nil
	}
	cur := o
	for cur.Preceding != nil {
		cur = cur.Preceding
	}
	return cur
}

// EffectiveUser returns the nearest non-nil OriginUser in the chain.
func (o *Origin) EffectiveUser() *string {
	for cur := o; cur != nil; cur = cur.Preceding {
		if cur.OriginUser != nil {
			return cur.OriginUser
		}
	}
	return nil
}

// Draft is the input to the sink's Enqueue.
type Draft struct {
	Origin       *Origin
	Topic        string
	Action       string
	Payload      json.RawMessage
	UserID       *string
	Tags         []string
	Sealed       bool
	HostWorkSet  *string
	HostWorkItem *string
}

// Validate checks the draft and normalises its payload and tags in place.
func (d *Draft) Validate() error {
	if err := ValidateTopic(d.Topic); err != nil {
		return err
	}
	if d.Origin == nil && strings.TrimSpace(d.Action) == "" {
		return invalid("origin", "event must carry an action or an origin")
	}
	if d.Origin != nil && d.Origin.ActionName == "" {
		return invalid("origin", "origin action name is empty")
	}
	payload, err := normalizePayload(d.Payload)
	if err != nil {
		return err
	}
	d.Payload = payload
	d.Tags = NormalizeTags(d.Tags)
	return nil
}

func normalizePayload(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(trimmed) {
		return nil, invalid("payload", "payload is not valid JSON")
	}
	if trimmed[0] != '{' {
		return nil, invalid("payload", "payload must be a JSON object")
	}
	return json.RawMessage(trimmed), nil
}

// NormalizeTags trims, de-duplicates and sorts tags.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
