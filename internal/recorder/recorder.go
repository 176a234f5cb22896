package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codebuildervaibhav/meeting-recorder/internal/audio"
	"github.com/codebuildervaibhav/meeting-recorder/internal/live"
	"github.com/codebuildervaibhav/meeting-recorder/internal/metrics"
	"github.com/codebuildervaibhav/meeting-recorder/internal/queue"
	"github.com/codebuildervaibhav/meeting-recorder/internal/storage"
	"github.com/codebuildervaibhav/meeting-recorder/internal/telemetry"
	"github.com/codebuildervaibhav/meeting-recorder/internal/transcription"
	"github.com/codebuildervaibhav/meeting-recorder/internal/types"
)

// Sentinel errors returned by Start
var (
	ErrAlreadyRecording = errors.New("a recording session is already active")
	ErrNoDeviceFound    = errors.New("no audio input device found")
	ErrCaptureFailed    = errors.New("audio capture failed")
)

// Launcher starts a transcription worker for one session
type Launcher interface {
	Launch(ctx context.Context, sessionID string) (transcription.Stream, error)
}

// Correlator tracks local voice activity from the captured audio
type Correlator interface {
	Feed(pcm []byte)
	SelfSpeechRatio(start, end float64) float64
	Stop()
}

// Index stores a row per finished session
type Index interface {
	SaveSession(rec types.SessionRecord) error
}

// JobQueue accepts post-processing work
type JobQueue interface {
	Enqueue(job *queue.Job) error
}

// Options wires the recorder's collaborators. Launcher, Index and Jobs are
// optional.
type Options struct {
	Directory        audio.Directory
	NewSource        func() audio.Source
	NewCorrelator    func() Correlator
	Launcher         Launcher
	Storage          *storage.LocalStorage
	Index            Index
	Jobs             JobQueue
	PreferredDevices []string
	HeartbeatEvery   time.Duration
	StopGrace        time.Duration
	SelfCutoff       float64
	Metrics          *telemetry.Metrics
	Logger           *zap.SugaredLogger
	Now              func() time.Time
}

// StartRequest describes the meeting to record
type StartRequest struct {
	MeetingID      string
	Title          string
	Attendees      []string
	ScheduledStart *time.Time
	ScheduledEnd   *time.Time
	Device         string
}

// Status is the externally visible session summary
type Status struct {
	Recording      bool              `json:"recording"`
	MeetingID      string            `json:"meetingId,omitempty"`
	Title          string            `json:"title,omitempty"`
	Attendees      []string          `json:"attendees,omitempty"`
	StartTime      *time.Time        `json:"startTime,omitempty"`
	ScheduledStart *time.Time        `json:"scheduledStart,omitempty"`
	ScheduledEnd   *time.Time        `json:"scheduledEnd,omitempty"`
	ElapsedSec     float64           `json:"elapsedSec"`
	DeviceID       string            `json:"deviceId,omitempty"`
	DeviceName     string            `json:"deviceName,omitempty"`
	ArtifactPath   string            `json:"artifactPath,omitempty"`
	Transcribing   bool              `json:"transcribing"`
	SegmentCount   int               `json:"segmentCount"`
	Subscribers    int               `json:"subscribers"`
	Metrics        *metrics.Snapshot `json:"metrics,omitempty"`
}

// session is the single active recording
type session struct {
	req       StartRequest
	startedAt time.Time
	device    audio.Device
	wavPath   string

	source     audio.Source
	correlator Correlator
	worker     transcription.Stream
	store      *live.Store

	pumpDone      chan struct{}
	heartbeatStop chan struct{}
	heartbeatDone chan struct{}
}

// Recorder owns the session lifecycle. Start and Stop are serialized by the
// transition lock; readers only take the short session lock.
type Recorder struct {
	opts Options
	log  *zap.SugaredLogger

	transition sync.Mutex

	mu      sync.RWMutex
	current *session
}

// New creates a recorder
func New(opts Options) *Recorder {
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = 15 * time.Second
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Recorder{opts: opts, log: log}
}

// Start begins recording a meeting
func (r *Recorder) Start(ctx context.Context, req StartRequest) (Status, error) {
	r.transition.Lock()
	defer r.transition.Unlock()

	if r.active() != nil {
		r.opts.Metrics.RecordSessionStart("already_recording")
		return Status{}, ErrAlreadyRecording
	}

	// Step 1: Resolve the input device
	var devices []audio.Device
	if r.opts.Directory != nil {
		var err error
		devices, err = r.opts.Directory.Devices(ctx)
		if err != nil {
			r.log.Warnf("Device listing failed: %v", err)
		}
	}
	device, tier, ok := audio.Resolve(devices, req.Device, r.opts.PreferredDevices)
	if !ok {
		r.opts.Metrics.RecordSessionStart("no_device")
		return Status{}, ErrNoDeviceFound
	}
	r.log.Infof("Using input device %q (%s) via %s", device.Name, device.ID, tier)

	startedAt := r.opts.Now()
	wavPath := r.opts.Storage.WavPath(req.MeetingID, startedAt)
	if err := r.opts.Storage.EnsureDir(); err != nil {
		r.opts.Metrics.RecordSessionStart("capture_failed")
		return Status{}, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}

	// Step 2: Launch the transcription worker (best-effort)
	var worker transcription.Stream
	if r.opts.Launcher != nil {
		w, err := r.opts.Launcher.Launch(ctx, req.MeetingID)
		if err != nil {
			r.log.Warnf("Live transcription disabled for %s: %v", req.MeetingID, err)
			r.opts.Metrics.RecordWorkerLaunchError("transcribe")
		} else {
			worker = w
		}
	}

	// Step 3: Start capture
	var correlator Correlator
	if r.opts.NewCorrelator != nil {
		correlator = r.opts.NewCorrelator()
	}
	sink := func(chunk []byte) {
		if correlator != nil {
			correlator.Feed(chunk)
		}
		if worker != nil {
			worker.Write(chunk)
		}
	}

	source := r.opts.NewSource()
	if err := source.Start(ctx, device.ID, wavPath, sink); err != nil {
		if worker != nil {
			if stopErr := worker.Stop(r.opts.StopGrace); stopErr != nil {
				r.log.Warnf("Transcription worker teardown: %v", stopErr)
			}
		}
		if correlator != nil {
			correlator.Stop()
		}
		r.opts.Metrics.RecordSessionStart("capture_failed")
		return Status{}, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}

	// Step 4: Open the live session store
	var storeCorrelator live.Correlator
	if correlator != nil {
		storeCorrelator = correlator
	}
	s := &session{
		req:        req,
		startedAt:  startedAt,
		device:     device,
		wavPath:    wavPath,
		source:     source,
		correlator: correlator,
		worker:     worker,
		store: live.New(live.Options{
			MeetingID:  req.MeetingID,
			Title:      req.Title,
			Attendees:  req.Attendees,
			StartedAt:  startedAt,
			SelfCutoff: r.opts.SelfCutoff,
			Correlator: storeCorrelator,
			Writer:     r.opts.Storage,
			Metrics:    r.opts.Metrics,
			Logger:     r.log,
			Now:        r.opts.Now,
		}),
		heartbeatStop: make(chan struct{}),
		heartbeatDone: make(chan struct{}),
	}

	go r.heartbeat(s)
	if worker != nil {
		s.pumpDone = make(chan struct{})
		go r.pump(s)
	}

	r.mu.Lock()
	r.current = s
	r.mu.Unlock()

	r.opts.Metrics.RecordSessionStart("started")
	r.log.Infof("Recording started: meeting=%s title=%q output=%s transcription=%t",
		req.MeetingID, req.Title, wavPath, worker != nil)

	return r.statusOf(s), nil
}

// pump forwards worker segments into the store until the worker's output ends
func (r *Recorder) pump(s *session) {
	defer close(s.pumpDone)
	for line := range s.worker.Segments() {
		if _, err := s.store.AddSegment(line.Text, line.Start, line.End); err != nil {
			r.log.Warnf("Dropping segment for %s: %v", s.req.MeetingID, err)
		}
	}
}

func (r *Recorder) heartbeat(s *session) {
	defer close(s.heartbeatDone)
	ticker := time.NewTicker(r.opts.HeartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.store.Heartbeat(); err != nil {
				return
			}
		case <-s.heartbeatStop:
			return
		}
	}
}

// Stop ends the active session and returns the raw capture path. With no
// session it returns "" and no error.
func (r *Recorder) Stop(ctx context.Context) (string, error) {
	r.transition.Lock()
	defer r.transition.Unlock()

	s := r.active()
	if s == nil {
		return "", nil
	}

	// Step 1: Stop capture
	if err := s.source.Stop(); err != nil {
		r.log.Warnf("Capture stop for %s: %v", s.req.MeetingID, err)
	}

	// Step 2: Let the worker flush, then drain the pump
	if s.worker != nil {
		if err := s.worker.Stop(r.opts.StopGrace); err != nil {
			r.log.Warnf("Transcription worker stop: %v", err)
		}
		<-s.pumpDone
	}

	// Step 3: Finish the store
	var segments int
	if sum, err := s.store.Summary(); err == nil {
		segments = sum.SegmentCount
	}
	endTime := r.opts.Now()
	liveArtifact, err := s.store.Finish(endTime)
	if err != nil {
		r.log.Errorf("Failed to persist live artifact for %s: %v", s.req.MeetingID, err)
	}

	// Step 4: Clear the session, status reads idle from here on
	r.mu.Lock()
	r.current = nil
	r.mu.Unlock()

	// Step 5: Stop the correlator and heartbeat
	if s.correlator != nil {
		s.correlator.Stop()
	}
	close(s.heartbeatStop)
	<-s.heartbeatDone

	// Step 6: Index and hand off to post-processing
	postStatus := types.StatusSkipped
	if r.opts.Jobs != nil {
		postStatus = types.StatusQueued
	}
	if r.opts.Index != nil {
		rec := types.SessionRecord{
			MeetingID:         s.req.MeetingID,
			Title:             s.req.Title,
			DeviceID:          s.device.ID,
			StartedAt:         s.startedAt,
			EndedAt:           endTime,
			WavPath:           s.wavPath,
			LiveArtifactPath:  liveArtifact,
			SegmentCount:      segments,
			PostprocessStatus: postStatus,
		}
		if err := r.opts.Index.SaveSession(rec); err != nil {
			r.log.Errorf("Failed to index session %s: %v", s.req.MeetingID, err)
		}
	}
	if r.opts.Jobs != nil {
		job := queue.NewJob(s.req.MeetingID, s.req.Title, s.wavPath, liveArtifact)
		job.Attendees = s.req.Attendees
		job.StartTime = s.startedAt
		job.EndTime = endTime
		if err := r.opts.Jobs.Enqueue(job); err != nil {
			r.log.Errorf("Failed to enqueue post-processing for %s: %v", s.req.MeetingID, err)
		}
	}

	duration := endTime.Sub(s.startedAt)
	r.opts.Metrics.RecordSessionEnd(duration)
	r.log.Infof("Recording stopped: meeting=%s duration=%v segments=%d artifact=%s",
		s.req.MeetingID, duration.Round(time.Second), segments, s.wavPath)

	return s.wavPath, nil
}

// Status returns the current session summary
func (r *Recorder) Status() Status {
	s := r.active()
	if s == nil {
		return Status{}
	}
	return r.statusOf(s)
}

func (r *Recorder) statusOf(s *session) Status {
	started := s.startedAt
	st := Status{
		Recording:      true,
		MeetingID:      s.req.MeetingID,
		Title:          s.req.Title,
		Attendees:      s.req.Attendees,
		StartTime:      &started,
		ScheduledStart: s.req.ScheduledStart,
		ScheduledEnd:   s.req.ScheduledEnd,
		ElapsedSec:     r.opts.Now().Sub(s.startedAt).Seconds(),
		DeviceID:       s.device.ID,
		DeviceName:     s.device.Name,
		ArtifactPath:   s.wavPath,
		Transcribing:   s.worker != nil,
	}
	if sum, err := s.store.Summary(); err == nil {
		st.SegmentCount = sum.SegmentCount
		st.Subscribers = sum.Subscribers
		st.Metrics = &sum.Metrics
	}
	return st
}

// Store returns the live store of the active session, or nil when idle
func (r *Recorder) Store() *live.Store {
	s := r.active()
	if s == nil {
		return nil
	}
	return s.store
}

// Recording reports whether a session is active
func (r *Recorder) Recording() bool {
	return r.active() != nil
}

// Devices lists the available input devices
func (r *Recorder) Devices(ctx context.Context) ([]audio.Device, error) {
	if r.opts.Directory == nil {
		return nil, nil
	}
	return r.opts.Directory.Devices(ctx)
}

func (r *Recorder) active() *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}
