package live

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/codebuildervaibhav/meeting-recorder/internal/types"
)

// Event is one message on the live stream
type Event struct {
	Type string
	Data any
}

// StatusPayload is carried by status and stopped events
type StatusPayload struct {
	State        string     `json:"state"`
	MeetingID    string     `json:"meetingId,omitempty"`
	Title        string     `json:"title,omitempty"`
	StartTime    *time.Time `json:"startTime,omitempty"`
	SegmentCount int        `json:"segmentCount"`
	ElapsedSec   float64    `json:"elapsedSec,omitempty"`
}

// IdleStatus is the first and only event a /live client gets with no session
func IdleStatus() Event {
	return Event{Type: types.EventStatus, Data: StatusPayload{State: types.StateIdle}}
}

// EncodeSSE renders the event as a server-sent-events frame. Heartbeats are
// comment lines without payload.
func (e Event) EncodeSSE() ([]byte, error) {
	if e.Type == types.EventHeartbeat {
		return []byte(": heartbeat\n\n"), nil
	}

	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", e.Type, data)), nil
}

// EncodeJSON renders the event as a single JSON object for message transports
func (e Event) EncodeJSON() ([]byte, error) {
	return json.Marshal(struct {
		Event string `json:"event"`
		Data  any    `json:"data,omitempty"`
	}{e.Type, e.Data})
}
