package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/phrazzld/genflow/internal/notify"
	"github.com/phrazzld/genflow/internal/platform/logger"
)

// Client actions on the live channel
const (
	ActionMarkRead    = "mark_read"
	ActionMarkAllRead = "mark_all_read"
)

// WebSocketConfig tunes the live notification channel.
type WebSocketConfig struct {
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	// CheckOrigin decides whether an upgrade's Origin is allowed. Nil
	// allows same-origin requests only.
	CheckOrigin func(r *http.Request) bool
}

func (c WebSocketConfig) withDefaults() WebSocketConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongTimeout {
		c.PingInterval = c.PongTimeout * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
	return c
}

// ClientMessage is a message sent by the client.
type ClientMessage struct {
	Action string `json:"action"`
	// ID is the task whose notifications are acknowledged.
	ID string `json:"id,omitempty"`
	// Sequence optionally reports the highest event the client processed.
	Sequence int64 `json:"sequence,omitempty"`
}

// ServerReply answers a ClientMessage.
type ServerReply struct {
	Status  string `json:"status"`
	Action  string `json:"action,omitempty"`
	ID      string `json:"id,omitempty"`
	Updated int    `json:"updated"`
	Error   string `json:"error,omitempty"`
}

// Subscribe handles GET /api/notifications/ws. The first message is the
// owner's pending count; task events follow. Client acknowledgements are
// answered with {"status":"ok"}.
func (h *NotificationHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	log := logger.FromContext(r.Context()).With("owner_id", ownerID)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.ws.CheckOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	sub, err := h.notifications.Subscribe(ctx, ownerID)
	if err != nil {
		log.Error("failed to open notification subscription", "error", err)
		h.closeWith(conn, websocket.CloseInternalServerErr, "subscription failed")
		return
	}
	defer h.notifications.Unsubscribe(sub)

	log.Debug("notification channel opened")

	replies := make(chan ServerReply, 8)
	go h.readLoop(ctx, cancel, conn, ownerID, sub, replies)
	h.writeLoop(ctx, conn, sub, replies)

	log.Debug("notification channel closed")
}

// readLoop handles client messages until the connection fails.
func (h *NotificationHandler) readLoop(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	ownerID string,
	sub *notify.Subscription,
	replies chan<- ServerReply,
) {
	defer cancel()
	log := logger.FromContext(ctx)

	conn.SetReadLimit(h.ws.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.ws.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.ws.PongTimeout))
	})

	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("notification channel read failed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.ws.PongTimeout))

		reply := h.handleClientMessage(ctx, ownerID, sub, msg)
		select {
		case replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}

func (h *NotificationHandler) handleClientMessage(
	ctx context.Context,
	ownerID string,
	sub *notify.Subscription,
	msg ClientMessage,
) ServerReply {
	reply := ServerReply{Action: msg.Action, ID: msg.ID}

	switch msg.Action {
	case ActionMarkRead:
		taskID, err := uuid.Parse(msg.ID)
		if err != nil {
			reply.Status, reply.Error = "error", "invalid id"
			return reply
		}
		n, err := h.notifications.MarkRead(ctx, ownerID, taskID)
		if err != nil {
			logger.FromContext(ctx).Error("mark_read failed", "error", err, "task_id", taskID)
			reply.Status, reply.Error = "error", "mark_read failed"
			return reply
		}
		reply.Status, reply.Updated = "ok", n
	case ActionMarkAllRead:
		n, err := h.notifications.MarkAllRead(ctx, ownerID)
		if err != nil {
			logger.FromContext(ctx).Error("mark_all_read failed", "error", err)
			reply.Status, reply.Error = "error", "mark_all_read failed"
			return reply
		}
		reply.Status, reply.Updated = "ok", n
	default:
		reply.Status, reply.Error = "error", "unknown action"
		return reply
	}

	if msg.Sequence > 0 {
		sub.Ack(msg.Sequence)
	}
	return reply
}

// writeLoop is the only writer on conn.
func (h *NotificationHandler) writeLoop(
	ctx context.Context,
	conn *websocket.Conn,
	sub *notify.Subscription,
	replies <-chan ServerReply,
) {
	ping := time.NewTicker(h.ws.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeWith(conn, websocket.CloseGoingAway, "")
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				code, text := websocket.CloseNormalClosure, ""
				switch {
				case errors.Is(sub.Err(), notify.ErrSlowSubscriber):
					code, text = websocket.CloseTryAgainLater, "slow consumer"
				case errors.Is(sub.Err(), notify.ErrClosed):
					code, text = websocket.CloseServiceRestart, "server shutting down"
				}
				h.closeWith(conn, code, text)
				return
			}
			if err := h.writeJSON(conn, msg); err != nil {
				return
			}
		case reply := <-replies:
			if err := h.writeJSON(conn, reply); err != nil {
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(h.ws.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (h *NotificationHandler) writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(h.ws.WriteTimeout))
	return conn.WriteJSON(v)
}

func (h *NotificationHandler) closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.ws.WriteTimeout))
}
