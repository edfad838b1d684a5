package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/genflow/internal/domain"
	"github.com/phrazzld/genflow/internal/generation"
	"github.com/phrazzld/genflow/internal/store"
)

// SubmitRequest is the input to Dispatcher.Submit.
type SubmitRequest struct {
	Kind        domain.Kind
	OwnerID     string
	Fingerprint string
	Params      json.RawMessage
	Priority    int
}

// SubmitResult reports the record a submission resolved to.
type SubmitResult struct {
	Record *domain.TaskRecord
	// Created is false when the submission coalesced onto an active record.
	Created bool
}

// DispatcherConfig holds configuration for the dispatcher
type DispatcherConfig struct {
	// Coalesce returns the active record for a duplicate fingerprint
	// instead of failing with *store.ConflictError.
	Coalesce    bool
	MaxAttempts int
}

// Dispatcher accepts generation requests. It never calls a provider: it
// creates the record and hands it to the local execution pool if there
// is one.
type Dispatcher struct {
	store    store.TaskRecordStore
	registry *generation.Registry
	enqueuer Enqueuer
	config   DispatcherConfig
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher. enqueuer may be nil in processes
// that run no workers; records then wait for a worker process's sweep.
func NewDispatcher(
	s store.TaskRecordStore,
	registry *generation.Registry,
	enqueuer Enqueuer,
	config DispatcherConfig,
	logger *slog.Logger,
) *Dispatcher {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	return &Dispatcher{
		store:    s,
		registry: registry,
		enqueuer: enqueuer,
		config:   config,
		logger:   logger.With("component", "dispatcher"),
	}
}

// Submit creates a queued record for req, or resolves to the active record
// already holding req.Fingerprint.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	log := d.logger.With(
		"kind", req.Kind,
		"owner_id", req.OwnerID,
		"resource_fingerprint", req.Fingerprint,
	)

	if !req.Kind.Valid() {
		return SubmitResult{}, domain.ErrInvalidKind
	}
	if len(req.Params) > 0 && !isJSONObject(req.Params) {
		return SubmitResult{}, domain.ErrInvalidParams
	}
	adapter, err := d.registry.Resolve(req.Kind, req.Params)
	if err != nil {
		return SubmitResult{}, err
	}

	existing, err := d.store.GetActiveByFingerprint(ctx, req.Fingerprint)
	switch {
	case err == nil:
		return d.resolveDuplicate(req.OwnerID, existing, log)
	case !errors.Is(err, store.ErrTaskRecordNotFound):
		return SubmitResult{}, fmt.Errorf("failed to look up active task: %w", err)
	}

	rec, err := domain.NewTaskRecord(req.Kind, req.OwnerID, req.Fingerprint, req.Params, req.Priority, d.config.MaxAttempts)
	if err != nil {
		return SubmitResult{}, err
	}
	rec.Provider = adapter.Name()

	if err := d.store.Create(ctx, rec); err != nil {
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			// Lost a concurrent submission for the same fingerprint.
			if conflict.Existing == nil {
				return SubmitResult{}, err
			}
			return d.resolveDuplicate(req.OwnerID, conflict.Existing, log)
		}
		return SubmitResult{}, fmt.Errorf("failed to create task: %w", err)
	}

	log.Info("task submitted", "task_id", rec.ID, "provider", rec.Provider, "priority", rec.Priority)

	if d.enqueuer != nil {
		if err := d.enqueuer.Enqueue(rec); err != nil {
			// The record is durable; the recovery sweep will pick it up.
			log.Warn("task not enqueued, left for recovery sweep",
				"task_id", rec.ID,
				"error", err)
		}
	}

	return SubmitResult{Record: rec, Created: true}, nil
}

// Get returns the current state of a task.
func (d *Dispatcher) Get(ctx context.Context, id string) (*domain.TaskRecord, error) {
	taskID, err := parseTaskID(id)
	if err != nil {
		return nil, err
	}
	return d.store.Get(ctx, taskID)
}

// resolveDuplicate coalesces onto or reports the active record. A record
// held by another owner is always a conflict and is never returned.
func (d *Dispatcher) resolveDuplicate(ownerID string, existing *domain.TaskRecord, log *slog.Logger) (SubmitResult, error) {
	if existing.OwnerID != ownerID {
		log.Info("submission conflicts with another owner's active task")
		return SubmitResult{}, &store.ConflictError{Fingerprint: existing.ResourceFingerprint}
	}
	if !d.config.Coalesce {
		return SubmitResult{}, &store.ConflictError{
			Fingerprint: existing.ResourceFingerprint,
			Existing:    existing,
		}
	}
	log.Info("submission coalesced onto active task",
		"task_id", existing.ID,
		"status", existing.Status)
	return SubmitResult{Record: existing, Created: false}, nil
}

func isJSONObject(raw json.RawMessage) bool {
	var v map[string]json.RawMessage
	return json.Unmarshal(raw, &v) == nil && v != nil
}
