package stream

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/coachlab/simcoach/internal/identity"
)

// Handler upgrades event-feed requests to WebSocket connections.
type Handler struct {
	feed          *Feed
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewHandler creates a WebSocket handler over the feed.
func NewHandler(feed *Feed, allowedOrigin string, isDev bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		feed:          feed,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
	}
}

// ServeHTTP streams the user's session events until the client disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error":"identity required"}`, http.StatusUnauthorized)
		return
	}

	opts := &websocket.AcceptOptions{}
	if h.isDev {
		opts.InsecureSkipVerify = true
	} else if h.allowedOrigin != "" {
		opts.OriginPatterns = []string{h.allowedOrigin}
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		h.logger.Debug("WebSocket accept failed", "user_id", userID, "error", err)
		return
	}
	defer func() {
		_ = conn.CloseNow()
	}()

	sub := h.feed.subscribe(userID)
	defer h.feed.unsubscribe(sub)
	h.logger.Info("Event stream opened", "user_id", userID)

	ctx := r.Context()

	// Reads are discarded; the read loop only notices the client going away.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-sub.ch:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				h.logger.Debug("Event stream write failed", "user_id", userID, "error", err)
				return
			}
		case <-readDone:
			h.logger.Info("Event stream closed", "user_id", userID)
			return
		case <-ctx.Done():
			return
		}
	}
}
