package handlers

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/codebuildervaibhav/meeting-recorder/internal/audio"
	"github.com/codebuildervaibhav/meeting-recorder/internal/live"
	"github.com/codebuildervaibhav/meeting-recorder/internal/recorder"
)

// Controller is the session lifecycle the HTTP surface drives
type Controller interface {
	Start(ctx context.Context, req recorder.StartRequest) (recorder.Status, error)
	Stop(ctx context.Context) (string, error)
	Status() recorder.Status
	Recording() bool
	Store() *live.Store
	Devices(ctx context.Context) ([]audio.Device, error)
}

// StartRequest is the POST /start body
type StartRequest struct {
	MeetingID string     `json:"meetingId" validate:"required,max=200"`
	Title     string     `json:"title" validate:"max=500"`
	Attendees []string   `json:"attendees" validate:"max=200,dive,max=200"`
	StartTime *time.Time `json:"startTime"`
	EndTime   *time.Time `json:"endTime"`
	Device    string     `json:"device" validate:"max=200"`
}

type startResponse struct {
	Started bool `json:"started"`
	recorder.Status
}

// ControlHandler serves start, stop, status, health and device listing
type ControlHandler struct {
	rec      Controller
	validate *validator.Validate
	version  string
	log      *zap.SugaredLogger
}

// NewControlHandler creates a new control handler
func NewControlHandler(rec Controller, version string, log *zap.SugaredLogger) *ControlHandler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	validate := validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &ControlHandler{
		rec:      rec,
		validate: validate,
		version:  version,
		log:      log,
	}
}

// Health reports liveness
func (h *ControlHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"ok":        true,
		"recording": h.rec.Recording(),
		"version":   h.version,
	})
}

// Start begins a recording session
func (h *ControlHandler) Start(c *fiber.Ctx) error {
	var body StartRequest
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
			"code":  "ERR_INVALID_REQUEST",
		})
	}
	body.MeetingID = strings.TrimSpace(body.MeetingID)
	if err := h.validate.Struct(body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": validationMessage(err),
			"code":  "ERR_INVALID_REQUEST",
		})
	}
	if body.StartTime != nil && body.EndTime != nil && body.EndTime.Before(*body.StartTime) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "endTime is before startTime",
			"code":  "ERR_INVALID_REQUEST",
		})
	}

	st, err := h.rec.Start(c.UserContext(), recorder.StartRequest{
		MeetingID:      body.MeetingID,
		Title:          strings.TrimSpace(body.Title),
		Attendees:      body.Attendees,
		ScheduledStart: body.StartTime,
		ScheduledEnd:   body.EndTime,
		Device:         body.Device,
	})
	switch {
	case errors.Is(err, recorder.ErrAlreadyRecording):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "A recording is already in progress",
			"code":  "ERR_ALREADY_RECORDING",
		})
	case errors.Is(err, recorder.ErrNoDeviceFound):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "No audio input device available",
			"code":  "ERR_NO_DEVICE",
		})
	case err != nil:
		h.log.Errorf("Failed to start recording %s: %v", body.MeetingID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
			"code":  "ERR_CAPTURE_FAILED",
		})
	}

	return c.JSON(startResponse{Started: true, Status: st})
}

// Stop ends the active session. Stopping while idle is not an error.
func (h *ControlHandler) Stop(c *fiber.Ctx) error {
	if !h.rec.Recording() {
		return c.JSON(fiber.Map{"stopped": false})
	}

	path, err := h.rec.Stop(c.UserContext())
	if err != nil {
		h.log.Errorf("Failed to stop recording: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
			"code":  "ERR_STOP_FAILED",
		})
	}
	if path == "" {
		// another request stopped it first
		return c.JSON(fiber.Map{"stopped": false})
	}

	return c.JSON(fiber.Map{
		"stopped":      true,
		"artifactPath": path,
	})
}

// Status returns the session summary
func (h *ControlHandler) Status(c *fiber.Ctx) error {
	st := h.rec.Status()
	if !st.Recording {
		return c.JSON(fiber.Map{"recording": false})
	}
	return c.JSON(st)
}

// Devices lists input devices
func (h *ControlHandler) Devices(c *fiber.Ctx) error {
	devices, err := h.rec.Devices(c.UserContext())
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": err.Error(),
			"code":  "ERR_NO_DEVICE",
		})
	}
	if devices == nil {
		devices = []audio.Device{}
	}
	return c.JSON(fiber.Map{"devices": devices})
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "max":
		return fe.Field() + " is too long"
	default:
		return fe.Field() + " is invalid"
	}
}
