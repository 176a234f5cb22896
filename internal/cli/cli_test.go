package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, mux *http.ServeMux, args ...string) (string, error) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	var out bytes.Buffer
	cmd := NewRootCmd(&Dependencies{Out: &out})
	cmd.SetArgs(append([]string{"--url", srv.URL}, args...))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.Execute()
	return out.String(), err
}

func respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestStartCommand(t *testing.T) {
	var body map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		respond(w, http.StatusOK, map[string]any{
			"started": true, "recording": true, "meetingId": "m1",
			"deviceId": ":1", "deviceName": "USB Mic", "transcribing": false,
		})
	})

	out, err := run(t, mux, "start", "m1", "-t", "Planning", "-a", "ana", "-a", "bo", "--start", "2025-06-01T10:00:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, "Recording m1 on USB Mic (:1)")
	assert.Contains(t, out, "Live transcription is unavailable")

	assert.Equal(t, "m1", body["meetingId"])
	assert.Equal(t, "Planning", body["title"])
	assert.Equal(t, []any{"ana", "bo"}, body["attendees"])
	assert.Equal(t, "2025-06-01T10:00:00Z", body["startTime"])
	assert.NotContains(t, body, "endTime")
}

func TestStartCommandRejectsBadTime(t *testing.T) {
	_, err := run(t, http.NewServeMux(), "start", "m1", "--end", "tomorrow")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--end")
}

func TestStartCommandSurfacesDaemonError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusConflict, map[string]string{
			"error": "A recording is already in progress", "code": "ERR_ALREADY_RECORDING",
		})
	})

	_, err := run(t, mux, "start", "m2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ERR_ALREADY_RECORDING")
}

func TestStopCommand(t *testing.T) {
	tests := []struct {
		name string
		resp map[string]any
		want string
	}{
		{"idle", map[string]any{"stopped": false}, "Nothing is recording"},
		{"active", map[string]any{"stopped": true, "artifactPath": "/rec/m1.wav"}, "Audio saved to /rec/m1.wav"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/stop", func(w http.ResponseWriter, r *http.Request) {
				respond(w, http.StatusOK, tt.resp)
			})

			out, err := run(t, mux, "stop")
			require.NoError(t, err)
			assert.Contains(t, out, tt.want)
		})
	}
}

func TestStatusCommand(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]any{
			"recording": true, "meetingId": "m1", "title": "Planning",
			"elapsedSec": 125.4, "deviceName": "USB Mic", "transcribing": true,
			"segmentCount": 7, "subscribers": 2,
			"metrics": map[string]any{"talkRatio": 0.4, "selfTalkTimeSec": 20, "othersTalkTimeSec": 30, "selfWpm": 140},
		})
	})

	out, err := run(t, mux, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Recording m1 (Planning) for 2m5s")
	assert.Contains(t, out, "segments:     7")
	assert.Contains(t, out, "talk ratio:   0.40")
}

func TestDevicesCommand(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/devices", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]any{"devices": []map[string]any{
			{"id": ":0", "name": "MacBook Pro Microphone", "transport": "built-in", "isDefault": true},
			{"id": ":1", "name": "Jabra Link 380", "transport": "usb"},
		}})
	})

	out, err := run(t, mux, "devices")
	require.NoError(t, err)
	assert.Contains(t, out, "Jabra Link 380")
	assert.Contains(t, out, "MacBook Pro Microphone")
}

func TestSessionsCommandPrintsTranscript(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/m1", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]any{
			"meetingId": "m1",
			"title":     "Planning",
			"startTime": "2025-06-01T10:00:00Z",
			"endTime":   "2025-06-01T10:30:00Z",
			"segments": []map[string]any{
				{"id": 1, "text": "morning all", "start": 1.5, "end": 3, "speaker": "self"},
			},
			"finalMetrics": map[string]any{"segmentCount": 1},
		})
	})

	out, err := run(t, mux, "sessions", "m1")
	require.NoError(t, err)
	assert.Contains(t, out, "self   morning all")
	assert.Contains(t, out, "1 segments")
}

func TestTailCommand(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/live", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: status\ndata: {\"state\":\"recording\",\"meetingId\":\"m1\",\"segmentCount\":0}\n\n")
		fmt.Fprint(w, "event: segment\ndata: {\"id\":1,\"text\":\"hello\",\"start\":0,\"end\":1,\"speaker\":\"others\"}\n\n")
		fmt.Fprint(w, "event: metrics\ndata: {}\n\n")
		fmt.Fprint(w, "event: stopped\ndata: {\"state\":\"stopped\",\"meetingId\":\"m1\",\"segmentCount\":1}\n\n")
	})

	out, err := run(t, mux, "tail")
	require.NoError(t, err)
	assert.Contains(t, out, "-- following m1")
	assert.Contains(t, out, "others hello")
	assert.Contains(t, out, "-- m1 stopped after 1 segments")
}
