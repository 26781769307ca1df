// Package event defines the event record, its causal lineage and the topic
// grammar shared by the sink, the pump and the rule engine.
//
// Topics are dot-separated, broad to narrow, conventionally
//
//	{scopeA}.{scopeB}.{entityTemplate}.{context}.{eventName}[.{subEventName}]
//
// where context is "action" for user-triggered events and "event" for events
// produced by automation. Patterns use "*" for exactly one segment and "#"
// (last segment only) for zero or more trailing segments.
//
// Lineage is a parent-pointer chain of Origin values. An Origin is never
// mutated after creation; a descendant event gets a new Origin whose
// Preceding field points at the cause's Origin.
package event
