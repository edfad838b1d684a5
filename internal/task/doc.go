// Package task runs generation task records through their lifecycle.
//
// The Dispatcher accepts submissions and enqueues new records. The
// ExecutionPool claims queued records per queue class and calls provider
// adapters. Pending provider operations are handed to the PollScheduler,
// and every failure goes through the RetryPolicy. All state lives in the
// store.TaskRecordStore; the in-memory queues and poll heap can be rebuilt
// from it at any time, which is what the Runner does on start.
package task
