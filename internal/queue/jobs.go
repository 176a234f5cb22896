package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codebuildervaibhav/meeting-recorder/internal/types"
)

// Job is one post-processing run for a stopped recording
type Job struct {
	ID               string
	MeetingID        string
	Title            string
	Attendees        []string
	StartTime        time.Time
	EndTime          time.Time
	WavPath          string
	LiveArtifactPath string
	CreatedAt        time.Time

	mu        sync.Mutex
	status    string
	err       error
	output    string
	gdriveURL string
	done      chan struct{}
}

// NewJob creates a queued job
func NewJob(meetingID, title, wavPath, liveArtifactPath string) *Job {
	return &Job{
		ID:               uuid.New().String(),
		MeetingID:        meetingID,
		Title:            title,
		WavPath:          wavPath,
		LiveArtifactPath: liveArtifactPath,
		CreatedAt:        time.Now(),
		status:           types.StatusQueued,
		done:             make(chan struct{}),
	}
}

// Status returns the current status
func (j *Job) Status() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Err returns the failure, if any
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Output returns the post-processed transcript path and the Drive link
func (j *Job) Output() (string, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.output, j.gdriveURL
}

// Done is closed once the job reaches a final status
func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) setStatus(status string) {
	j.mu.Lock()
	j.status = status
	j.mu.Unlock()
}

func (j *Job) finish(status string, err error) {
	j.mu.Lock()
	j.status = status
	j.err = err
	j.mu.Unlock()
	close(j.done)
}
