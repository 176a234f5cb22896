package types

import "time"

// Job status constants
const (
	StatusQueued     = "QUEUED"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusSkipped    = "SKIPPED"
)

// Speaker tags
const (
	SpeakerSelf   = "self"
	SpeakerOthers = "others"
)

// Live stream event types
const (
	EventStatus    = "status"
	EventSegment   = "segment"
	EventMetrics   = "metrics"
	EventStopped   = "stopped"
	EventHeartbeat = "heartbeat"
)

// Recorder states reported on the status event
const (
	StateIdle      = "idle"
	StateRecording = "recording"
	StateStopped   = "stopped"
)

// Segment is one transcribed utterance. Offsets are seconds since capture start.
type Segment struct {
	ID      int     `json:"id"`
	Text    string  `json:"text"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

// Duration returns the segment length in seconds, never negative.
func (s Segment) Duration() float64 {
	if s.End <= s.Start {
		return 0
	}
	return s.End - s.Start
}

// SessionRecord is the row kept in the session index once a recording stops
type SessionRecord struct {
	MeetingID         string    `json:"meeting_id"`
	Title             string    `json:"title"`
	DeviceID          string    `json:"device_id"`
	StartedAt         time.Time `json:"started_at"`
	EndedAt           time.Time `json:"ended_at"`
	WavPath           string    `json:"wav_path"`
	LiveArtifactPath  string    `json:"live_artifact_path"`
	SegmentCount      int       `json:"segment_count"`
	PostprocessStatus string    `json:"postprocess_status"`
	PostprocessOutput string    `json:"postprocess_output"`
	GDriveURL         string    `json:"gdrive_url"`
}
