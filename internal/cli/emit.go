package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/outpost/internal/event"
	"github.com/roach88/outpost/internal/sink"
)

// EmitOptions holds flags for the emit command.
type EmitOptions struct {
	*RootOptions
	Action   string
	Payload  string
	User     string
	WorkSet  string
	WorkItem string
	Tags     []string
	Sealed   bool
	Shards   int
}

// EmitResult is the outcome of a single emit.
type EmitResult struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
	Shard int    `json:"shard"`
	Seq   int64  `json:"seq"`
}

// NewEmitCommand creates the emit command.
func NewEmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "emit <topic>",
		Short: "Enqueue an event",
		Long: `Enqueue one event in its own transaction. A running server picks it up
on its next poll.

Examples:
  outpost emit ws1.wi1.formA.event.form_create_instance --payload '{"id":"F1"}'
  outpost emit orders.placed --work-set ws1 --user alice --tag audit
  outpost emit orders.placed --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEmit(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Action, "action", "cli", "action name recorded on the event")
	cmd.Flags().StringVar(&opts.Payload, "payload", "{}", "JSON object payload")
	cmd.Flags().StringVar(&opts.User, "user", "", "acting user id")
	cmd.Flags().StringVar(&opts.WorkSet, "work-set", "", "host work set, also the shard key")
	cmd.Flags().StringVar(&opts.WorkItem, "work-item", "", "host work item")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().BoolVar(&opts.Sealed, "sealed", false, "skip rule evaluation for this event")
	cmd.Flags().IntVar(&opts.Shards, "shards", 0, "shard count (default: topology.shard_count)")

	return cmd
}

func runEmit(opts *EmitOptions, topic string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	if !json.Valid([]byte(opts.Payload)) {
		return f.Fail(ExitCommandError, ErrCodeBadInput, "payload is not valid JSON", opts.Payload)
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	shards := cfg.Topology.ShardCount
	if opts.Shards > 0 {
		shards = opts.Shards
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	d := event.Draft{
		Topic:        topic,
		Action:       opts.Action,
		Payload:      json.RawMessage(opts.Payload),
		UserID:       optional(opts.User),
		Tags:         opts.Tags,
		Sealed:       opts.Sealed,
		HostWorkSet:  optional(opts.WorkSet),
		HostWorkItem: optional(opts.WorkItem),
	}

	sk := sink.New(st, sink.WithShardCount(shards))
	ev, err := sk.Emit(context.Background(), d)
	if event.IsValidationError(err) {
		return f.Fail(ExitCommandError, ErrCodeBadInput, err.Error(), nil)
	}
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to enqueue event", err.Error())
	}

	result := EmitResult{ID: ev.ID, Topic: ev.Topic, Shard: ev.Shard, Seq: ev.Seq}
	if opts.Format == "json" {
		return f.Success(result)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Enqueued %s on %s (shard %d, seq %d)\n", result.ID, result.Topic, result.Shard, result.Seq)
	return nil
}

// optional returns nil for the empty string.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
