package handlers

import (
	"bufio"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/codebuildervaibhav/meeting-recorder/internal/live"
)

// StoreSource yields the live store of the active session, or nil when idle
type StoreSource interface {
	Store() *live.Store
}

// LiveHandler serves the /live server-sent-events stream
type LiveHandler struct {
	sessions StoreSource
	log      *zap.SugaredLogger
}

// NewLiveHandler creates a new live stream handler
func NewLiveHandler(sessions StoreSource, log *zap.SugaredLogger) *LiveHandler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &LiveHandler{sessions: sessions, log: log}
}

// subscribe joins the active session. A nil subscriber means idle.
func subscribe(sessions StoreSource) (*live.Store, *live.Subscriber, error) {
	store := sessions.Store()
	if store == nil {
		return nil, nil, nil
	}
	sub, err := store.Subscribe()
	if errors.Is(err, live.ErrStoreClosed) {
		// session is finishing
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return store, sub, nil
}

// Handle streams session events until the session stops or the client leaves
func (h *LiveHandler) Handle(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	store, sub, err := subscribe(h.sessions)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
			"code":  "ERR_LIVE_UNAVAILABLE",
		})
	}

	if sub == nil {
		frame, err := live.IdleStatus().EncodeSSE()
		if err != nil {
			return err
		}
		return c.Send(frame)
	}

	h.log.Debugf("SSE client %s joined (subscriber %s)", c.IP(), sub.ID)

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer store.Unsubscribe(sub.ID)

		for {
			if !h.flush(w, sub) {
				h.log.Debugf("SSE subscriber %s disconnected", sub.ID)
				return
			}
			select {
			case <-sub.Ready():
			case <-sub.Done():
				// deliver whatever the store queued before letting go
				h.flush(w, sub)
				return
			}
		}
	}))
	return nil
}

// flush writes every queued event. It returns false once the client is gone.
func (h *LiveHandler) flush(w *bufio.Writer, sub *live.Subscriber) bool {
	for _, ev := range sub.Drain() {
		frame, err := ev.EncodeSSE()
		if err != nil {
			h.log.Warnf("Skipping live event: %v", err)
			continue
		}
		if _, err := w.Write(frame); err != nil {
			return false
		}
	}
	return w.Flush() == nil
}
