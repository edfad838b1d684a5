// Package logger provides structured logging functionality for the application.
//
// It utilizes Go's standard library log/slog package to implement structured JSON logging
// with configurable log levels. Loggers travel through context.Context so that
// request- and task-scoped attributes (task_id, owner_id, worker_id) follow a
// unit of work across components.
package logger
