package postgres_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/genflow/internal/domain"
	"github.com/phrazzld/genflow/internal/platform/postgres"
	"github.com/phrazzld/genflow/internal/store"
	"github.com/phrazzld/genflow/internal/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	return testdb.Open(t)
}

func newIntegrationRecord(t *testing.T) *domain.TaskRecord {
	t.Helper()
	rec, err := domain.NewTaskRecord(domain.KindVideo, "owner-"+uuid.NewString(), "fp-"+uuid.NewString(), nil, 1, 3)
	require.NoError(t, err)
	return rec
}

func TestIntegration_TaskRecordLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := postgres.NewPostgresTaskRecordStore(db)

	rec := newIntegrationRecord(t)
	require.NoError(t, s.Create(ctx, rec))

	dup := *rec
	dup.ID = uuid.New()
	err := s.Create(ctx, &dup)
	var conflict *store.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, rec.ID, conflict.Existing.ID)

	_, err = s.Transition(ctx, rec.ID, domain.TaskStatusQueued, domain.TaskStatusProcessing, store.TransitionFields{})
	require.NoError(t, err)

	next := time.Now().Add(time.Second)
	got, err := s.Transition(ctx, rec.ID, domain.TaskStatusProcessing, domain.TaskStatusAwaitingProvider,
		store.TransitionFields{ProviderHandle: store.StringPtr("op-1"), NextPollAt: &next})
	require.NoError(t, err)
	assert.Equal(t, "op-1", got.ProviderHandle)

	awaiting, err := s.ListByStatus(ctx, domain.TaskStatusAwaitingProvider, 0)
	require.NoError(t, err)
	found := false
	for _, r := range awaiting {
		found = found || r.ID == rec.ID
	}
	assert.True(t, found)

	done, err := s.Transition(ctx, rec.ID, domain.TaskStatusAwaitingProvider, domain.TaskStatusCompleted,
		store.TransitionFields{Result: &domain.Result{URL: "https://cdn.example/v.mp4"}})
	require.NoError(t, err)
	assert.Empty(t, done.ProviderHandle)
	assert.Nil(t, done.NextPollAt)

	_, err = s.Transition(ctx, rec.ID, domain.TaskStatusCompleted, domain.TaskStatusQueued, store.TransitionFields{})
	assert.ErrorIs(t, err, store.ErrTerminalState)

	// Fingerprint is free again once terminal.
	require.NoError(t, s.Create(ctx, &dup))
}

func TestIntegration_TransitionRace(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := postgres.NewPostgresTaskRecordStore(db)

	rec := newIntegrationRecord(t)
	require.NoError(t, s.Create(ctx, rec))

	const racers = 8
	errs := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Transition(ctx, rec.ID, domain.TaskStatusQueued, domain.TaskStatusProcessing, store.TransitionFields{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, store.ErrStaleState)
	}
	assert.Equal(t, 1, wins)
}

func TestIntegration_Notifications(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := postgres.NewPostgresNotificationStore(db)

	owner := "owner-" + uuid.NewString()
	taskID := uuid.New()

	n, err := domain.NewNotification(owner, taskID, domain.TaskStatusCompleted, "video ready")
	require.NoError(t, err)
	inserted, err := s.Append(ctx, n)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, int64(1), n.Sequence)

	again, err := domain.NewNotification(owner, taskID, domain.TaskStatusCompleted, "video ready")
	require.NoError(t, err)
	inserted, err = s.Append(ctx, again)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, int64(1), again.Sequence)

	count, err := s.UnreadCount(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	backlog, err := s.Backlog(ctx, owner, 0, 10)
	require.NoError(t, err)
	require.Len(t, backlog, 1)

	changed, err := s.MarkRead(ctx, owner, taskID)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	count, err = s.UnreadCount(ctx, owner)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestIntegration_ActiveLookupInTransaction(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		s := postgres.NewPostgresTaskRecordStore(db).WithTx(tx)

		rec := newIntegrationRecord(t)
		require.NoError(t, s.Create(ctx, rec))

		active, err := s.GetActiveByFingerprint(ctx, rec.ResourceFingerprint)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, active.ID)

		_, err = s.Transition(ctx, rec.ID, domain.TaskStatusQueued, domain.TaskStatusProcessing, store.TransitionFields{})
		require.NoError(t, err)
		_, err = s.Transition(ctx, rec.ID, domain.TaskStatusProcessing, domain.TaskStatusFailed,
			store.TransitionFields{Error: &domain.ErrorDetail{Kind: domain.ErrorKindPermanent, Message: "rejected"}})
		require.NoError(t, err)

		_, err = s.GetActiveByFingerprint(ctx, rec.ResourceFingerprint)
		assert.ErrorIs(t, err, store.ErrTaskRecordNotFound)
	})
}
