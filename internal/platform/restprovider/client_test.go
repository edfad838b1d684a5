package restprovider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/genflow/internal/domain"
	"github.com/phrazzld/genflow/internal/generation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a, err := New(Config{
		Name:           "audio-rest",
		BaseURL:        srv.URL + "/v1/",
		APIKey:         "secret",
		RequestTimeout: 2 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return a
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func testRequest() generation.Request {
	return generation.Request{
		TaskID: uuid.New(),
		Kind:   domain.KindAudio,
		Params: json.RawMessage(`{"text":"hello"}`),
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := New(Config{}, logger)
	assert.ErrorIs(t, err, generation.ErrInvalidConfig)

	_, err = New(Config{BaseURL: "not a url"}, logger)
	assert.ErrorIs(t, err, generation.ErrInvalidConfig)

	a, err := New(Config{BaseURL: "https://api.example.com"}, logger)
	require.NoError(t, err)
	assert.Equal(t, DefaultName, a.Name())
}

func TestStart_Pending(t *testing.T) {
	t.Parallel()
	req := testRequest()

	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/generations", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body createRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, domain.KindAudio, body.Kind)
		assert.JSONEq(t, `{"text":"hello"}`, string(body.Params))
		assert.Equal(t, req.TaskID.String(), body.Reference)

		w.Header().Set("Retry-After", "7")
		writeJSON(w, http.StatusAccepted, map[string]any{"id": "op-1", "status": "queued"})
	})

	out, err := a.Start(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, out.IsPending())
	assert.Equal(t, "op-1", out.Handle)
	assert.Equal(t, 7*time.Second, out.RetryAfter)
}

func TestStart_CompletedImmediately(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"id":         "op-2",
			"status":     "completed",
			"result_url": "https://cdn.example.com/a.mp3",
			"mime_type":  "audio/mpeg",
		})
	})

	out, err := a.Start(context.Background(), testRequest())
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.False(t, out.IsPending())
	assert.Equal(t, "https://cdn.example.com/a.mp3", out.Result.URL)
	assert.Equal(t, "audio/mpeg", out.Result.MIMEType)
}

func TestStart_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		code      int
		body      string
		wantClass generation.ErrorClass
		wantCode  string
	}{
		{name: "throttled", code: http.StatusTooManyRequests, body: `{}`, wantClass: generation.ClassTransient, wantCode: "429"},
		{name: "server error", code: http.StatusBadGateway, body: `oops`, wantClass: generation.ClassTransient, wantCode: "502"},
		{name: "bad request", code: http.StatusBadRequest, body: `{"error":{"message":"prompt too long"}}`, wantClass: generation.ClassPermanent, wantCode: "400"},
		{name: "unauthorized", code: http.StatusUnauthorized, body: ``, wantClass: generation.ClassPermanent, wantCode: "401"},
		{name: "malformed success", code: http.StatusOK, body: `{not json`, wantClass: generation.ClassTransient, wantCode: "200"},
		{name: "truncated success", code: http.StatusOK, body: `{"id":"op-1","status":"pend`, wantClass: generation.ClassTransient, wantCode: "200"},
		{name: "oversize success", code: http.StatusOK, body: `{"id":"` + strings.Repeat("x", maxBodyBytes) + `"}`, wantClass: generation.ClassPermanent, wantCode: "200"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := a.Start(context.Background(), testRequest())
			require.Error(t, err)
			var pe *generation.ProviderError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.wantClass, pe.Class)
			assert.Equal(t, tt.wantCode, pe.Code)
			assert.Equal(t, "audio-rest", pe.Provider)
		})
	}
}

func TestStart_BadRequestMessageIsSurfaced(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": map[string]string{"message": "voice not found"}})
	})

	_, err := a.Start(context.Background(), testRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "voice not found")
	assert.Equal(t, generation.ClassPermanent, generation.Classify(err))
}

func TestStart_NetworkErrorIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	a, err := New(Config{BaseURL: base}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	_, err = a.Start(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, generation.ClassTransient, generation.Classify(err))
}

func TestPollStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		body        map[string]any
		wantPending bool
		wantURL     string
		wantClass   generation.ErrorClass
		wantCode    string
	}{
		{name: "processing", body: map[string]any{"id": "op", "status": "processing"}, wantPending: true},
		{name: "in progress", body: map[string]any{"id": "op", "status": "IN_PROGRESS"}, wantPending: true},
		{name: "completed", body: map[string]any{"id": "op", "status": "completed", "result_url": "https://x/y.mp4"}, wantURL: "https://x/y.mp4"},
		{name: "completed without url", body: map[string]any{"id": "op", "status": "completed"}, wantClass: generation.ClassPermanent},
		{
			name:      "failed",
			body:      map[string]any{"id": "op", "status": "failed", "error": map[string]string{"code": "content_policy", "message": "blocked"}},
			wantClass: generation.ClassPermanent,
			wantCode:  "content_policy",
		},
		{name: "expired", body: map[string]any{"id": "op", "status": "expired"}, wantClass: generation.ClassPermanent, wantCode: "expired"},
		{name: "unknown status", body: map[string]any{"id": "op", "status": "weird"}, wantClass: generation.ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, "/v1/generations/op%2F1", r.URL.EscapedPath())
				writeJSON(w, http.StatusOK, tt.body)
			})

			out, err := a.PollStatus(context.Background(), "op/1")
			if tt.wantClass != "" {
				require.Error(t, err)
				var pe *generation.ProviderError
				require.True(t, errors.As(err, &pe))
				assert.Equal(t, tt.wantClass, pe.Class)
				if tt.wantCode != "" {
					assert.Equal(t, tt.wantCode, pe.Code)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPending, out.StillPending())
			if tt.wantURL != "" {
				assert.Equal(t, tt.wantURL, out.Result.URL)
			}
		})
	}
}

func TestPollStatus_EmptyHandle(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected request")
	})
	_, err := a.PollStatus(context.Background(), "")
	assert.ErrorIs(t, err, generation.ErrInvalidParams)
}

func TestPollStatus_CancelledContextIsNotClassified(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "processing"})
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.PollStatus(ctx, "op")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	assert.Zero(t, parseRetryAfter("", now))
	assert.Zero(t, parseRetryAfter("-5", now))
	assert.Zero(t, parseRetryAfter("soon", now))

	date := now.Add(2 * time.Minute).Format(http.TimeFormat)
	assert.Equal(t, 2*time.Minute, parseRetryAfter(date, now))
	assert.Zero(t, parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}

func TestEndpoint_JoinsBasePath(t *testing.T) {
	t.Parallel()
	a, err := New(Config{BaseURL: "https://api.example.com/base/"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(a.endpoint("generations", "x"), "/base/generations/x"))
}
