// Package postgres provides PostgreSQL-specific implementations of the
// interfaces defined in the internal/store package, the embedded goose
// migrations that create their schema, and mapping of driver errors onto
// store errors.
package postgres
