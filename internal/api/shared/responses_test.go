package shared

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondWithJSON(t *testing.T) {
	t.Parallel()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	RespondWithJSON(rr, req, http.StatusAccepted, map[string]string{"status": "queued"})

	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"queued"}`, rr.Body.String())
}

func TestRespondWithErrorAndLog_HidesInternalError(t *testing.T) {
	t.Parallel()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(SetTraceID(req.Context(), "trace-1"))

	RespondWithErrorAndLog(rr, req, http.StatusInternalServerError, "Something went wrong",
		errors.New("pq: password=hunter2 connection refused"))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, "Something went wrong", body.Error)
	assert.Equal(t, "trace-1", body.TraceID)
	assert.NotContains(t, rr.Body.String(), "hunter2")
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	type payload struct {
		Kind string `json:"kind" validate:"required"`
	}

	tests := []struct {
		name    string
		body    string
		wantErr error
		anyErr  bool
	}{
		{name: "valid", body: `{"kind":"video"}`},
		{name: "empty", body: ``, wantErr: ErrEmptyBody},
		{name: "unknown field", body: `{"kind":"video","extra":1}`, anyErr: true},
		{name: "malformed", body: `{"kind":`, anyErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var p payload
			err := DecodeJSON(req, &p)
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.anyErr:
				assert.Error(t, err)
			default:
				require.NoError(t, err)
				assert.Equal(t, "video", p.Kind)
				assert.NoError(t, ValidateRequest(&p))
			}
		})
	}
}

func TestValidateRequest_StructTags(t *testing.T) {
	t.Parallel()
	type payload struct {
		Kind string `validate:"required"`
	}
	assert.Error(t, ValidateRequest(&payload{}))
}
