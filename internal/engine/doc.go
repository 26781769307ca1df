// Package engine evaluates automation rules against dispatched events.
//
// For every non-sealed event the engine:
//
//  1. Matches the event topic against the enabled rules, in priority order.
//  2. Runs each matching rule's appender pipeline over a fresh document.
//  3. Checks the rule's conditions, stopping at the first false one.
//  4. Runs the rule's actions in order inside one transaction.
//
// Each action runs in its own savepoint. The savepoint first records the
// firing (event, rule, action index); a firing that already exists was
// committed by an earlier delivery and the action is skipped. A failing
// action is rolled back to its savepoint, alerted, and evaluation carries on
// with the remaining actions and rules. Only a failed commit is returned to
// the caller, so the pump retries the event and the committed firings make
// the retry skip work already done.
//
// CASCADES:
//
// Actions may emit descendant events. A descendant marked sealed is never
// matched against rules again. Unsealed descendants are matched normally;
// the cascade guard stops evaluation once the origin chain reaches the
// configured depth.
//
// REGISTRY:
//
// Rules are compiled into an immutable Registry. Load builds a new registry
// and swaps the pointer atomically; evaluations in flight keep the snapshot
// they started with.
package engine
