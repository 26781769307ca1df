package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/outpost/internal/event"
	"github.com/roach88/outpost/internal/ir"
	"github.com/roach88/outpost/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
}

// TraceEvent is one event in a trace, root first.
type TraceEvent struct {
	Seq     int64  `json:"seq"`
	ID      string `json:"id"`
	Topic   string `json:"topic"`
	Action  string `json:"action,omitempty"`
	Cause   string `json:"cause,omitempty"`
	Depth   int    `json:"depth"`
	Sealed  bool   `json:"sealed"`
	State   string `json:"state"`
	Payload any    `json:"payload,omitempty"`
}

// FiringEdge records that a rule action ran for an event.
type FiringEdge struct {
	EventID     string `json:"event_id"`
	RuleID      string `json:"rule_id"`
	ActionIndex int    `json:"action_index"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Event         TraceEvent           `json:"event"`
	Lineage       []TraceEvent         `json:"lineage"`
	Descendants   []TraceEvent         `json:"descendants"`
	Firings       []FiringEdge         `json:"firings"`
	Notifications []store.Notification `json:"notifications"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace <event-id>",
		Short: "Show the causal chain of an event",
		Long: `Show where an event came from and what it caused.

The output includes:
- Lineage: the events that caused this one, root first
- Descendants: every event this one caused, in sequence order
- Firings: the rule actions that ran for this event
- Notifications: notification requests recorded for this event

Examples:
  outpost trace evt-01J... --db ./outpost.db
  outpost trace evt-01J... --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, args[0], cmd)
		},
	}

	return cmd
}

func runTrace(opts *TraceOptions, id string, cmd *cobra.Command) error {
	ctx := context.Background()
	f := newFormatter(opts.RootOptions, cmd)

	st, err := openStoreFromFlags(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	result, err := buildTrace(ctx, st, id)
	if errors.Is(err, store.ErrNotFound) {
		return f.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("event %s not found", id), nil)
	}
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to build trace", err.Error())
	}

	if opts.Format == "json" {
		return f.Success(result)
	}
	outputTraceText(cmd.OutOrStdout(), result, opts.Verbose)
	return nil
}

// buildTrace collects the lineage, descendants, firings and notifications
// of one event.
func buildTrace(ctx context.Context, st *store.Store, id string) (TraceResult, error) {
	ev, err := st.GetEvent(ctx, id)
	if err != nil {
		return TraceResult{}, err
	}
	lineage, err := st.LineageOf(ctx, ev)
	if err != nil {
		return TraceResult{}, fmt.Errorf("failed to load lineage: %w", err)
	}
	desc, err := st.Descendants(ctx, id)
	if err != nil {
		return TraceResult{}, fmt.Errorf("failed to load descendants: %w", err)
	}
	firings, err := st.FiringsForEvent(ctx, id)
	if err != nil {
		return TraceResult{}, fmt.Errorf("failed to read firings: %w", err)
	}
	notes, err := st.ListNotifications(ctx, id)
	if err != nil {
		return TraceResult{}, fmt.Errorf("failed to read notifications: %w", err)
	}

	// Lineage comes back nearest first.
	roots := make([]TraceEvent, len(lineage))
	for i, l := range lineage {
		roots[len(lineage)-1-i] = toTraceEvent(l)
	}

	result := TraceResult{
		Event:         toTraceEvent(ev),
		Lineage:       roots,
		Descendants:   make([]TraceEvent, len(desc)),
		Firings:       make([]FiringEdge, len(firings)),
		Notifications: notes,
	}
	for i, d := range desc {
		result.Descendants[i] = toTraceEvent(d)
	}
	for i, fr := range firings {
		result.Firings[i] = FiringEdge{EventID: fr.EventID, RuleID: fr.RuleID, ActionIndex: fr.ActionIndex}
	}
	if result.Notifications == nil {
		result.Notifications = []store.Notification{}
	}
	return result, nil
}

func toTraceEvent(ev event.Event) TraceEvent {
	te := TraceEvent{
		Seq:    ev.Seq,
		ID:     ev.ID,
		Topic:  ev.Topic,
		Action: ev.Action,
		Depth:  ev.Origin.Depth(),
		Sealed: ev.Sealed,
		State:  string(ev.State),
	}
	if ev.Origin != nil {
		te.Cause = ev.Origin.CauseEventID
		if te.Action == "" {
			te.Action = ev.Origin.ActionName
		}
	}
	if len(ev.Payload) > 0 {
		if v, err := ir.DecodeJSON(ev.Payload); err == nil {
			te.Payload = v
		}
	}
	return te
}

// outputTraceText outputs the trace result as text.
func outputTraceText(w io.Writer, result TraceResult, verbose bool) {
	fmt.Fprintf(w, "Trace for Event: %s\n", result.Event.ID)
	fmt.Fprintf(w, "Topic: %s\n", result.Event.Topic)
	fmt.Fprintf(w, "State: %s\n", result.Event.State)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Lineage ===")
	if len(result.Lineage) == 0 {
		fmt.Fprintln(w, "  (root event)")
	} else {
		for _, ev := range result.Lineage {
			formatTraceEvent(w, ev, verbose)
		}
	}
	formatTraceEvent(w, result.Event, verbose)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Descendants ===")
	if len(result.Descendants) == 0 {
		fmt.Fprintln(w, "  (none)")
	} else {
		for _, ev := range result.Descendants {
			formatTraceEvent(w, ev, verbose)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Firings ===")
	if len(result.Firings) == 0 {
		fmt.Fprintln(w, "  (no rules fired)")
	} else {
		for _, fr := range result.Firings {
			fmt.Fprintf(w, "  %s -[%s#%d]->\n", truncateID(fr.EventID), fr.RuleID, fr.ActionIndex)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Notifications ===")
	if len(result.Notifications) == 0 {
		fmt.Fprintln(w, "  (none)")
	} else {
		for _, n := range result.Notifications {
			fmt.Fprintf(w, "  %s: %s (%s)\n", n.Group, n.Subject, n.RuleID)
		}
	}
}

// formatTraceEvent formats a single event line, indented by depth.
func formatTraceEvent(w io.Writer, ev TraceEvent, verbose bool) {
	indent := strings.Repeat("  ", ev.Depth+1)
	fmt.Fprintf(w, "%s[%d] %s %s (%s)\n", indent, ev.Seq, truncateID(ev.ID), ev.Topic, ev.State)
	if !verbose {
		return
	}
	if ev.Action != "" {
		fmt.Fprintf(w, "%s     Action: %s\n", indent, ev.Action)
	}
	if m, ok := ev.Payload.(map[string]any); ok && len(m) > 0 {
		fmt.Fprintf(w, "%s     Payload: %s\n", indent, formatArgs(m))
	}
}

// formatArgs formats a map for display.
// Uses sorted keys to ensure deterministic output.
func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, formatValue(args[k])))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// formatValue formats a single value for display, handling nested structures deterministically.
func formatValue(v any) string {
	switch val := v.(type) {
	case map[string]any:
		return formatArgs(val)
	case []any:
		parts := make([]string, len(val))
		for i, elem := range val {
			parts[i] = formatValue(elem)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case string:
		return val
	default:
		return fmt.Sprintf("%v", v)
	}
}

// truncateID truncates a long ID for display.
func truncateID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + "..." + id[len(id)-8:]
}
