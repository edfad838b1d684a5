// Package memory provides mutex-guarded, process-local implementations of the
// store interfaces. They enforce the same invariants as the Postgres stores
// and back unit tests and single-process development runs.
package memory
