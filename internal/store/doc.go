// Package store defines the persistence contracts for task records and
// owner notifications. Implementations live under internal/platform.
//
// Every mutation of a task record goes through TaskRecordStore.Transition,
// a compare-and-swap on the record's status. ApplyTransition holds the
// state machine shared by all implementations so that in-memory and
// Postgres stores enforce identical invariants.
package store
