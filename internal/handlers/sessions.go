package handlers

import (
	"errors"
	"os"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/codebuildervaibhav/meeting-recorder/internal/storage"
	"github.com/codebuildervaibhav/meeting-recorder/internal/types"
)

const (
	defaultSessionLimit = 50
	maxSessionLimit     = 500
)

// SessionIndex is the read side of the session index
type SessionIndex interface {
	ListSessions(limit int) ([]types.SessionRecord, error)
	GetSession(meetingID string) (*types.SessionRecord, error)
}

// SessionsHandler serves recorded sessions
type SessionsHandler struct {
	index SessionIndex
	log   *zap.SugaredLogger
}

// NewSessionsHandler creates a new sessions handler
func NewSessionsHandler(index SessionIndex, log *zap.SugaredLogger) *SessionsHandler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &SessionsHandler{index: index, log: log}
}

// List returns recent sessions, newest first
func (h *SessionsHandler) List(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultSessionLimit)
	if limit <= 0 || limit > maxSessionLimit {
		limit = defaultSessionLimit
	}

	sessions, err := h.index.ListSessions(limit)
	if err != nil {
		h.log.Errorf("Failed to list sessions: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list sessions",
			"code":  "ERR_INDEX",
		})
	}
	if sessions == nil {
		sessions = []types.SessionRecord{}
	}
	return c.JSON(fiber.Map{"sessions": sessions})
}

// Get returns the persisted live artifact of a meeting
func (h *SessionsHandler) Get(c *fiber.Ctx) error {
	meetingID := c.Params("id")

	rec, err := h.index.GetSession(meetingID)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Session not found",
			"code":  "ERR_NOT_FOUND",
		})
	}
	if err != nil {
		h.log.Errorf("Failed to load session %s: %v", meetingID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load session",
			"code":  "ERR_INDEX",
		})
	}

	if rec.LiveArtifactPath == "" {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Session has no live artifact",
			"code":  "ERR_NOT_FOUND",
		})
	}

	artifact, err := storage.LoadLiveArtifact(rec.LiveArtifactPath)
	if errors.Is(err, os.ErrNotExist) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Live artifact file is missing",
			"code":  "ERR_NOT_FOUND",
		})
	}
	if err != nil {
		h.log.Errorf("Failed to read artifact %s: %v", rec.LiveArtifactPath, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to read live artifact",
			"code":  "ERR_ARTIFACT",
		})
	}

	return c.JSON(artifact)
}
