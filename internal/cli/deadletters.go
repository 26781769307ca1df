package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/outpost/internal/event"
	"github.com/roach88/outpost/internal/store"
)

// DeadLetterOptions holds flags for the deadletters commands.
type DeadLetterOptions struct {
	*RootOptions
	Topic string
	Limit int
}

// NewDeadLettersCommand groups the dead letter subcommands.
func NewDeadLettersCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeadLetterOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"dl"},
		Short:   "Inspect and requeue dead-lettered events",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered events",
		Example: `  outpost deadletters list --db ./outpost.db
  outpost deadletters list --topic orders.placed --limit 10 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeadLetterList(opts, cmd)
		},
	}
	list.Flags().StringVar(&opts.Topic, "topic", "", "only events on this topic")
	list.Flags().IntVar(&opts.Limit, "limit", 100, "maximum number of events")

	requeue := &cobra.Command{
		Use:           "requeue <event-id>",
		Short:         "Move a dead-lettered event back to the queue",
		Example:       `  outpost deadletters requeue evt-01J...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeadLetterRequeue(opts, args[0], cmd)
		},
	}

	cmd.AddCommand(list, requeue)
	return cmd
}

// DeadLetterEntry is one row of deadletters list.
type DeadLetterEntry struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Shard     int       `json:"shard"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func runDeadLetterList(opts *DeadLetterOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	if opts.Limit < 1 {
		return f.Fail(ExitCommandError, ErrCodeBadInput, "limit must be a positive integer", opts.Limit)
	}

	st, err := openStoreFromFlags(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	evs, err := st.ListEvents(context.Background(), store.EventFilter{
		State: event.StateDeadLettered,
		Topic: opts.Topic,
		Limit: opts.Limit,
	})
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to list dead letters", err.Error())
	}

	entries := make([]DeadLetterEntry, len(evs))
	for i, ev := range evs {
		entries[i] = DeadLetterEntry{
			ID:        ev.ID,
			Topic:     ev.Topic,
			Shard:     ev.Shard,
			Attempts:  ev.Attempts,
			LastError: ev.LastError,
			UpdatedAt: ev.UpdatedAt,
		}
	}

	if opts.Format == "json" {
		return f.Success(map[string]any{"events": entries})
	}

	w := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(w, "No dead-lettered events.")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s  %s  shard=%d attempts=%d\n", e.ID, e.Topic, e.Shard, e.Attempts)
		if e.LastError != "" {
			fmt.Fprintf(w, "    last error: %s\n", e.LastError)
		}
	}
	fmt.Fprintf(w, "\n%d dead-lettered event(s)\n", len(entries))
	return nil
}

func runDeadLetterRequeue(opts *DeadLetterOptions, id string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	st, err := openStoreFromFlags(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	ev, err := st.RequeueEvent(context.Background(), id, time.Now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		return f.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("event %s not found", id), nil)
	case errors.Is(err, store.ErrInvalidState):
		return f.Fail(ExitFailure, ErrCodeBadInput, fmt.Sprintf("event %s is not dead-lettered", id), nil)
	case err != nil:
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to requeue event", err.Error())
	}

	if opts.Format == "json" {
		return f.Success(map[string]any{"id": ev.ID, "state": string(ev.State), "shard": ev.Shard})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Requeued %s on %s (shard %d)\n", ev.ID, ev.Topic, ev.Shard)
	return nil
}
