package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/genflow/internal/api/middleware"
	"github.com/phrazzld/genflow/internal/domain"
	"github.com/phrazzld/genflow/internal/generation"
	"github.com/phrazzld/genflow/internal/mocks"
	"github.com/phrazzld/genflow/internal/notify"
	"github.com/phrazzld/genflow/internal/platform/memory"
	"github.com/phrazzld/genflow/internal/service/auth"
	"github.com/phrazzld/genflow/internal/task"
	"github.com/stretchr/testify/require"
)

// testEnv wires real dispatcher and fanout instances over in-memory stores
// behind the production middleware stack. Tokens are the owner IDs.
type testEnv struct {
	server        *httptest.Server
	handler       http.Handler
	tasks         *memory.TaskRecordStore
	notifications *memory.NotificationStore
	dispatcher    *task.Dispatcher
	fanout        *notify.Fanout
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, coalesce bool) *testEnv {
	t.Helper()
	logger := testLogger()

	tasks := memory.NewTaskRecordStore()
	notifications := memory.NewNotificationStore()

	reg := generation.NewRegistry()
	reg.Register(&mocks.MockAdapter{NameValue: "veo"}, domain.KindVideo, domain.KindScene)
	reg.Register(&mocks.MockAdapter{NameValue: "imagen"}, domain.KindImage)

	dispatcher := task.NewDispatcher(tasks, reg, nil, task.DispatcherConfig{Coalesce: coalesce, MaxAttempts: 3}, logger)
	fanout := notify.NewFanout(notifications, notify.Config{SubscriberBuffer: 16, BacklogLimit: 50}, logger)
	t.Cleanup(fanout.Close)

	jwtService := &mocks.MockJWTService{
		ValidateTokenFn: func(ctx context.Context, token string) (*auth.Claims, error) {
			if token == "" || token == "bad" {
				return nil, auth.ErrInvalidToken
			}
			return &auth.Claims{OwnerID: token}, nil
		},
	}

	taskHandler := NewTaskHandler(dispatcher)
	notificationHandler := NewNotificationHandler(fanout, WebSocketConfig{
		CheckOrigin: func(*http.Request) bool { return true },
	})
	healthHandler := NewHealthHandler([]string{"api"}, nil)
	authMiddleware := middleware.NewAuthMiddleware(jwtService)

	r := chi.NewRouter()
	r.Use(middleware.Trace(logger))
	r.Get("/health", healthHandler.Health)
	r.Route("/api", func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)
		r.Post("/tasks", taskHandler.SubmitTask)
		r.Get("/tasks/{id}", taskHandler.GetTask)
		r.Get("/notifications", notificationHandler.ListBacklog)
		r.Get("/notifications/unread", notificationHandler.GetUnread)
		r.Get("/notifications/ws", notificationHandler.Subscribe)
		r.Post("/notifications/read", notificationHandler.MarkAllRead)
		r.Post("/notifications/{taskID}/read", notificationHandler.MarkRead)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testEnv{
		server:        srv,
		handler:       r,
		tasks:         tasks,
		notifications: notifications,
		dispatcher:    dispatcher,
		fanout:        fanout,
	}
}

// do sends a request through the router and returns the recorder.
func (e *testEnv) do(t *testing.T, method, path, owner string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if owner != "" {
		req.Header.Set("Authorization", "Bearer "+owner)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), rr.Body.String())
	return v
}

// publish records a task event for owner through the fanout.
func (e *testEnv) publish(t *testing.T, owner string, taskID uuid.UUID, status domain.TaskStatus) {
	t.Helper()
	n, err := domain.NewNotification(owner, taskID, status, string(status))
	require.NoError(t, err)
	_, err = e.fanout.Publish(context.Background(), n)
	require.NoError(t, err)
}
