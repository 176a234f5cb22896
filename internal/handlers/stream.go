package handlers

import (
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/codebuildervaibhav/meeting-recorder/internal/live"
)

// StreamHandler mirrors the live stream over WebSocket. Each frame is a JSON
// object {"event": type, "data": payload}.
type StreamHandler struct {
	sessions StoreSource
	log      *zap.SugaredLogger
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(sessions StoreSource, log *zap.SugaredLogger) *StreamHandler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &StreamHandler{sessions: sessions, log: log}
}

// Handle processes WebSocket connections
func (h *StreamHandler) Handle(c *websocket.Conn) {
	defer c.Close()

	store, sub, err := subscribe(h.sessions)
	if err != nil {
		h.log.Warnf("WebSocket live join failed: %v", err)
		return
	}
	if sub == nil {
		h.send(c, live.IdleStatus())
		return
	}
	defer store.Unsubscribe(sub.ID)

	h.log.Debugf("WebSocket connection established: %s", sub.ID)

	// Inbound messages are ignored; a read error means the client went away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		for _, ev := range sub.Drain() {
			if !h.send(c, ev) {
				return
			}
		}
		select {
		case <-sub.Ready():
		case <-sub.Done():
			for _, ev := range sub.Drain() {
				if !h.send(c, ev) {
					return
				}
			}
			_ = c.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session stopped"))
			return
		case <-gone:
			h.log.Debugf("WebSocket client %s disconnected", sub.ID)
			return
		}
	}
}

func (h *StreamHandler) send(c *websocket.Conn, ev live.Event) bool {
	msg, err := ev.EncodeJSON()
	if err != nil {
		h.log.Warnf("Skipping live event: %v", err)
		return true
	}
	if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
		h.log.Debugf("WebSocket write error: %v", err)
		return false
	}
	return true
}
