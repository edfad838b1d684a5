package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/phrazzld/genflow/internal/api/shared"
	"github.com/phrazzld/genflow/internal/mocks"
	"github.com/phrazzld/genflow/internal/service/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthMiddleware_Authenticate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		authHeader     string
		upgrade        bool
		query          string
		validateErr    error
		expectedStatus int
		expectedOwner  string
	}{
		{name: "valid token", authHeader: "Bearer good", expectedStatus: http.StatusOK, expectedOwner: "owner-1"},
		{name: "lowercase scheme", authHeader: "bearer good", expectedStatus: http.StatusOK, expectedOwner: "owner-1"},
		{name: "missing auth header", expectedStatus: http.StatusUnauthorized},
		{name: "invalid auth format", authHeader: "InvalidFormat", expectedStatus: http.StatusUnauthorized},
		{name: "empty bearer", authHeader: "Bearer ", expectedStatus: http.StatusUnauthorized},
		{name: "expired token", authHeader: "Bearer old", validateErr: auth.ErrExpiredToken, expectedStatus: http.StatusUnauthorized},
		{name: "invalid token", authHeader: "Bearer bad", validateErr: auth.ErrInvalidToken, expectedStatus: http.StatusUnauthorized},
		{name: "no subject", authHeader: "Bearer anon", validateErr: auth.ErrMissingSubject, expectedStatus: http.StatusUnauthorized},
		{name: "unexpected error", authHeader: "Bearer x", validateErr: errors.New("boom"), expectedStatus: http.StatusInternalServerError},
		{name: "websocket query token", upgrade: true, query: "?access_token=good", expectedStatus: http.StatusOK, expectedOwner: "owner-1"},
		{name: "query token ignored without upgrade", query: "?access_token=good", expectedStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			jwtService := &mocks.MockJWTService{
				ValidateTokenFn: func(ctx context.Context, token string) (*auth.Claims, error) {
					if tt.validateErr != nil {
						return nil, tt.validateErr
					}
					assert.Equal(t, "good", token)
					return &auth.Claims{OwnerID: "owner-1"}, nil
				},
			}
			mw := NewAuthMiddleware(jwtService)

			var gotOwner string
			handler := mw.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotOwner, _ = shared.OwnerIDFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/tasks"+tt.query, nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			if tt.upgrade {
				req.Header.Set("Upgrade", "websocket")
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			assert.Equal(t, tt.expectedOwner, gotOwner)
			if tt.expectedStatus != http.StatusOK {
				var body shared.ErrorResponse
				require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
				assert.NotEmpty(t, body.Error)
				assert.NotContains(t, body.Error, "boom")
			}
		})
	}
}
