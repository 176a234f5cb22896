package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/codebuildervaibhav/meeting-recorder/internal/audio"
	"github.com/codebuildervaibhav/meeting-recorder/internal/live"
	"github.com/codebuildervaibhav/meeting-recorder/internal/recorder"
	"github.com/codebuildervaibhav/meeting-recorder/internal/storage"
	"github.com/codebuildervaibhav/meeting-recorder/internal/types"
)

type fakeController struct {
	startErr  error
	started   []recorder.StartRequest
	recording bool
	stopPath  string
	status    recorder.Status
	store     *live.Store
	devices   []audio.Device
	devErr    error
}

func (f *fakeController) Start(_ context.Context, req recorder.StartRequest) (recorder.Status, error) {
	if f.startErr != nil {
		return recorder.Status{}, f.startErr
	}
	f.started = append(f.started, req)
	f.recording = true
	return recorder.Status{Recording: true, MeetingID: req.MeetingID, DeviceID: ":1"}, nil
}

func (f *fakeController) Stop(context.Context) (string, error) {
	f.recording = false
	return f.stopPath, nil
}

func (f *fakeController) Status() recorder.Status { return f.status }
func (f *fakeController) Recording() bool         { return f.recording }
func (f *fakeController) Store() *live.Store      { return f.store }

func (f *fakeController) Devices(context.Context) ([]audio.Device, error) {
	return f.devices, f.devErr
}

func newTestApp(t *testing.T, ctl *fakeController) *fiber.App {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	control := NewControlHandler(ctl, "test", log)
	liveHandler := NewLiveHandler(ctl, log)

	app := fiber.New()
	app.Get("/health", control.Health)
	app.Post("/start", control.Start)
	app.Post("/stop", control.Stop)
	app.Get("/status", control.Status)
	app.Get("/devices", control.Devices)
	app.Get("/live", liveHandler.Handle)
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	app := newTestApp(t, &fakeController{recording: true})

	code, body := doJSON(t, app, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, true, body["recording"])
	assert.Equal(t, "test", body["version"])
}

func TestStartValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"meetingId":`},
		{"missing meeting id", `{"title":"Standup"}`},
		{"blank meeting id", `{"meetingId":"   "}`},
		{"meeting id too long", `{"meetingId":"` + strings.Repeat("x", 201) + `"}`},
		{"end before start", `{"meetingId":"m1","startTime":"2025-06-01T11:00:00Z","endTime":"2025-06-01T10:00:00Z"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctl := &fakeController{}
			app := newTestApp(t, ctl)

			code, body := doJSON(t, app, http.MethodPost, "/start", tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, "ERR_INVALID_REQUEST", body["code"])
			assert.Empty(t, ctl.started)
		})
	}
}

func TestStartPassesRequestThrough(t *testing.T) {
	ctl := &fakeController{}
	app := newTestApp(t, ctl)

	code, body := doJSON(t, app, http.MethodPost, "/start",
		`{"meetingId":" m1 ","title":"Design Review","attendees":["ana","bo"],"device":"USB"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["started"])
	assert.Equal(t, "m1", body["meetingId"])
	assert.Equal(t, ":1", body["deviceId"])

	require.Len(t, ctl.started, 1)
	assert.Equal(t, "m1", ctl.started[0].MeetingID)
	assert.Equal(t, []string{"ana", "bo"}, ctl.started[0].Attendees)
	assert.Equal(t, "USB", ctl.started[0].Device)
}

func TestStartErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
		tag  string
	}{
		{recorder.ErrAlreadyRecording, http.StatusConflict, "ERR_ALREADY_RECORDING"},
		{recorder.ErrNoDeviceFound, http.StatusServiceUnavailable, "ERR_NO_DEVICE"},
		{recorder.ErrCaptureFailed, http.StatusInternalServerError, "ERR_CAPTURE_FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			app := newTestApp(t, &fakeController{startErr: tt.err})

			code, body := doJSON(t, app, http.MethodPost, "/start", `{"meetingId":"m1"}`)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.tag, body["code"])
		})
	}
}

func TestStopWhileIdle(t *testing.T) {
	app := newTestApp(t, &fakeController{})

	code, body := doJSON(t, app, http.MethodPost, "/stop", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["stopped"])
	assert.NotContains(t, body, "artifactPath")
}

func TestStopReturnsArtifactPath(t *testing.T) {
	ctl := &fakeController{recording: true, stopPath: "/rec/meeting-m1.wav"}
	app := newTestApp(t, ctl)

	code, body := doJSON(t, app, http.MethodPost, "/stop", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["stopped"])
	assert.Equal(t, "/rec/meeting-m1.wav", body["artifactPath"])
	assert.False(t, ctl.recording)
}

func TestStatus(t *testing.T) {
	ctl := &fakeController{}
	app := newTestApp(t, ctl)

	_, body := doJSON(t, app, http.MethodGet, "/status", "")
	assert.Equal(t, map[string]any{"recording": false}, body)

	ctl.status = recorder.Status{Recording: true, MeetingID: "m1", SegmentCount: 4, Transcribing: true}
	_, body = doJSON(t, app, http.MethodGet, "/status", "")
	assert.Equal(t, true, body["recording"])
	assert.Equal(t, "m1", body["meetingId"])
	assert.EqualValues(t, 4, body["segmentCount"])
	assert.Equal(t, true, body["transcribing"])
}

func TestDevices(t *testing.T) {
	ctl := &fakeController{devices: []audio.Device{
		{ID: ":0", Name: "MacBook Pro Microphone", Transport: audio.TransportBuiltIn, IsDefault: true},
	}}
	app := newTestApp(t, ctl)

	code, body := doJSON(t, app, http.MethodGet, "/devices", "")
	require.Equal(t, http.StatusOK, code)
	devices := body["devices"].([]any)
	require.Len(t, devices, 1)
	assert.Equal(t, ":0", devices[0].(map[string]any)["id"])

	ctl.devices, ctl.devErr = nil, assert.AnError
	code, body = doJSON(t, app, http.MethodGet, "/devices", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "ERR_NO_DEVICE", body["code"])
}

func TestLiveWhileIdle(t *testing.T) {
	app := newTestApp(t, &fakeController{})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/live", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "event: status\ndata: {\"state\":\"idle\",\"segmentCount\":0}\n\n", string(raw))
}

func TestLiveStreamsUntilSessionStops(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	store := live.New(live.Options{
		MeetingID: "m1",
		Title:     "Design Review",
		StartedAt: start,
		Logger:    zaptest.NewLogger(t).Sugar(),
		Now:       func() time.Time { return start.Add(time.Minute) },
	})
	_, err := store.AddSegment("first words", 0, 2)
	require.NoError(t, err)

	app := newTestApp(t, &fakeController{recording: true, store: store})

	go func() {
		// stop once the request has joined
		for {
			sum, err := store.Summary()
			if err != nil {
				return
			}
			if sum.Subscribers > 0 {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		_, _ = store.AddSegment("second words", 3, 5)
		_, _ = store.Finish(start.Add(2 * time.Minute))
	}()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/live", nil), 5000)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)

	order := []string{
		"event: status\n",
		"first words",
		"event: metrics\n",
		"second words",
		"event: stopped\n",
	}
	last := -1
	for _, marker := range order {
		idx := strings.Index(body, marker)
		require.Greater(t, idx, last, "%q out of order in %q", marker, body)
		last = idx
	}
}

func TestSessions(t *testing.T) {
	dir := t.TempDir()
	db, err := storage.NewMetadataDB(filepath.Join(dir, "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	local := storage.NewLocalStorage(dir)
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	artifactPath, err := local.SaveLiveArtifact(&storage.LiveArtifact{
		MeetingID: "m1",
		Title:     "Design Review",
		StartTime: start,
		EndTime:   start.Add(time.Hour),
		Segments:  []types.Segment{{ID: 1, Text: "hello", Start: 0, End: 1, Speaker: types.SpeakerSelf}},
	})
	require.NoError(t, err)

	require.NoError(t, db.SaveSession(types.SessionRecord{
		MeetingID:         "m1",
		Title:             "Design Review",
		StartedAt:         start,
		EndedAt:           start.Add(time.Hour),
		WavPath:           filepath.Join(dir, "m1.wav"),
		LiveArtifactPath:  artifactPath,
		SegmentCount:      1,
		PostprocessStatus: types.StatusQueued,
	}))
	require.NoError(t, db.SaveSession(types.SessionRecord{
		MeetingID:        "gone",
		StartedAt:        start.Add(-time.Hour),
		LiveArtifactPath: filepath.Join(dir, "missing-live.json"),
	}))

	h := NewSessionsHandler(db, zaptest.NewLogger(t).Sugar())
	app := fiber.New()
	app.Get("/sessions", h.List)
	app.Get("/sessions/:id", h.Get)

	code, body := doJSON(t, app, http.MethodGet, "/sessions?limit=10", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["sessions"], 2)

	code, body = doJSON(t, app, http.MethodGet, "/sessions/m1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "m1", body["meetingId"])
	assert.Len(t, body["segments"], 1)

	code, body = doJSON(t, app, http.MethodGet, "/sessions/unknown", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "ERR_NOT_FOUND", body["code"])

	code, body = doJSON(t, app, http.MethodGet, "/sessions/gone", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "ERR_NOT_FOUND", body["code"])
}
