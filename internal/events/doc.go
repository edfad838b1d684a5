// Package events carries task state transitions from the components that
// perform them to the components that react to them.
//
// The primary components are:
// - TaskStateEvent: one transition of a task record
// - EventHandler: interface for components that consume events
// - EventEmitter: interface for components that publish events
//
// Execution code emits events without knowing who listens; notification
// fanout registers as a handler.
package events
