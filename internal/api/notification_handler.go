package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/phrazzld/genflow/internal/api/shared"
	"github.com/phrazzld/genflow/internal/domain"
	"github.com/phrazzld/genflow/internal/notify"
)

// NotificationService is the part of the fanout the notification
// handlers need.
type NotificationService interface {
	Subscribe(ctx context.Context, ownerID string) (*notify.Subscription, error)
	Unsubscribe(sub *notify.Subscription)
	GetUnread(ctx context.Context, ownerID string) (int, error)
	Backlog(ctx context.Context, ownerID string, afterSequence int64, limit int) ([]*domain.Notification, error)
	MarkRead(ctx context.Context, ownerID string, taskID uuid.UUID) (int, error)
	MarkAllRead(ctx context.Context, ownerID string) (int, error)
}

var _ NotificationService = (*notify.Fanout)(nil)

// NotificationHandler serves the notification backlog and the live
// notification channel.
type NotificationHandler struct {
	notifications NotificationService
	ws            WebSocketConfig
}

// NewNotificationHandler creates a new NotificationHandler
func NewNotificationHandler(notifications NotificationService, ws WebSocketConfig) *NotificationHandler {
	return &NotificationHandler{notifications: notifications, ws: ws.withDefaults()}
}

// GetUnread handles GET /api/notifications/unread.
func (h *NotificationHandler) GetUnread(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	count, err := h.notifications.GetUnread(r.Context(), ownerID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, UnreadResponse{Count: count})
}

// ListBacklog handles GET /api/notifications?after=N&limit=M.
func (h *NotificationHandler) ListBacklog(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	after, err := queryInt(r, "after", 0)
	if err != nil {
		HandleAPIError(w, r, err, "Invalid after parameter")
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		HandleAPIError(w, r, err, "Invalid limit parameter")
		return
	}

	items, err := h.notifications.Backlog(r.Context(), ownerID, after, int(limit))
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	resp := BacklogResponse{
		Notifications: make([]NotificationResponse, 0, len(items)),
		NextAfter:     after,
	}
	for _, n := range items {
		resp.Notifications = append(resp.Notifications, newNotificationResponse(n))
		if n.Sequence > resp.NextAfter {
			resp.NextAfter = n.Sequence
		}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// MarkRead handles POST /api/notifications/{taskID}/read. Marking an
// already-read task succeeds with updated = 0.
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	taskID, err := getPathUUID(r, "taskID")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	n, err := h.notifications.MarkRead(r.Context(), ownerID, taskID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, MarkReadResponse{Updated: n})
}

// MarkAllRead handles POST /api/notifications/read.
func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	n, err := h.notifications.MarkAllRead(r.Context(), ownerID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, MarkReadResponse{Updated: n})
}
