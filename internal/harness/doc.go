// Package harness runs event scenarios end to end against a fresh store.
//
// A scenario loads CUE rule files, emits events as a business domain
// would, pumps every shard until the queue is empty and then checks
// assertions against what happened: which topics were emitted, in what
// causal order, how many notifications were requested, which alerts were
// raised and what ended up dead-lettered.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: notify_on_form_create
//	description: "A formA instance notifies ops exactly once"
//	rules:
//	  - rules/forms.cue
//	shard_count: 4
//	consumers:
//	  - name: mailer
//	    topic: "audit.#"
//	    fail: true
//	emit:
//	  - topic: ws1.wi1.formA.event.form_create_instance
//	    action: createForm
//	    user_id: alice
//	    payload: { id: F1, template: formA }
//	assertions:
//	  - type: emitted
//	    topic: audit.form.created
//	    count: 1
//	  - type: notifications
//	    group: ops
//	    count: 1
//
// Rule paths are relative to the scenario file.
//
// # Assertion Types
//
//   - emitted: exactly Count committed events match the Topic pattern
//   - trace_order: the topics appear in this order by sequence number
//   - caused_by: every event on Topic was caused by an event on Cause
//   - notifications: exactly Count notification requests (for Group if set)
//   - alerts: exactly Count alerts of Kind were raised
//   - dead_letters: exactly Count events ended dead-lettered
//   - state: every event on Topic ended in State
//
// # Deterministic Execution
//
// Event ids come from a sequence generator ("evt-1", "evt-2", ...), the
// clock is fixed at testutil.Epoch and shards are drained in ascending
// order, so the resulting trace is byte-identical across runs and can be
// compared against golden files.
package harness
