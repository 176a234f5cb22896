package recorder

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/codebuildervaibhav/meeting-recorder/internal/audio"
	"github.com/codebuildervaibhav/meeting-recorder/internal/live"
	"github.com/codebuildervaibhav/meeting-recorder/internal/queue"
	"github.com/codebuildervaibhav/meeting-recorder/internal/storage"
	"github.com/codebuildervaibhav/meeting-recorder/internal/transcription"
	"github.com/codebuildervaibhav/meeting-recorder/internal/types"
)

type fakeSource struct {
	failStart bool

	mu       sync.Mutex
	deviceID string
	sink     audio.Sink
	starts   int
	stops    int
}

func (f *fakeSource) Start(ctx context.Context, deviceID, outputPath string, sink audio.Sink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart {
		return errors.New("device busy")
	}
	f.starts++
	f.deviceID = deviceID
	f.sink = sink
	return os.WriteFile(outputPath, []byte("RIFF"), 0644)
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeSource) feed(chunk []byte) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	sink(chunk)
}

type fakeStream struct {
	lines   chan transcription.Line
	mu      sync.Mutex
	written int
	stopped int
	once    sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{lines: make(chan transcription.Line, 16)}
}

func (f *fakeStream) Write(chunk []byte) {
	f.mu.Lock()
	f.written += len(chunk)
	f.mu.Unlock()
}

func (f *fakeStream) Segments() <-chan transcription.Line { return f.lines }

func (f *fakeStream) Stop(grace time.Duration) error {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
	f.once.Do(func() { close(f.lines) })
	return nil
}

type fakeLauncher struct {
	stream *fakeStream
	err    error
}

func (l *fakeLauncher) Launch(ctx context.Context, sessionID string) (transcription.Stream, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.stream, nil
}

type fakeCorrelator struct {
	mu      sync.Mutex
	fed     int
	stopped bool
}

func (c *fakeCorrelator) Feed(pcm []byte) {
	c.mu.Lock()
	c.fed += len(pcm)
	c.mu.Unlock()
}

func (c *fakeCorrelator) SelfSpeechRatio(start, end float64) float64 {
	if start < 10 {
		return 1
	}
	return 0
}

func (c *fakeCorrelator) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}

type memoryIndex struct {
	mu     sync.Mutex
	recs   []types.SessionRecord
	onSave func()
}

func (m *memoryIndex) SaveSession(rec types.SessionRecord) error {
	if m.onSave != nil {
		m.onSave()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

type memoryJobs struct {
	jobs []*queue.Job
}

func (m *memoryJobs) Enqueue(job *queue.Job) error {
	m.jobs = append(m.jobs, job)
	return nil
}

type fixture struct {
	rec        *Recorder
	source     *fakeSource
	stream     *fakeStream
	launcher   *fakeLauncher
	correlator *fakeCorrelator
	index      *memoryIndex
	jobs       *memoryJobs
	dir        string
}

var testDevices = audio.StaticDirectory{
	{ID: ":0", Name: "MacBook Pro Microphone", Transport: audio.TransportBuiltIn, IsDefault: true},
	{ID: ":1", Name: "Jabra Evolve 75", Transport: audio.TransportUSB},
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		source:     &fakeSource{},
		stream:     newFakeStream(),
		correlator: &fakeCorrelator{},
		index:      &memoryIndex{},
		jobs:       &memoryJobs{},
		dir:        t.TempDir(),
	}
	f.launcher = &fakeLauncher{stream: f.stream}
	f.rec = New(Options{
		Directory:      testDevices,
		NewSource:      func() audio.Source { return f.source },
		NewCorrelator:  func() Correlator { return f.correlator },
		Launcher:       f.launcher,
		Storage:        storage.NewLocalStorage(f.dir),
		Index:          f.index,
		Jobs:           f.jobs,
		HeartbeatEvery: time.Hour,
		StopGrace:      time.Second,
		Logger:         zaptest.NewLogger(t).Sugar(),
	})
	return f
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	st, err := f.rec.Start(ctx, StartRequest{MeetingID: "weekly/sync", Title: "Weekly Sync", Attendees: []string{"ana"}})
	require.NoError(t, err)
	assert.True(t, st.Recording)
	assert.Equal(t, ":0", st.DeviceID)
	assert.True(t, st.Transcribing)
	assert.Regexp(t, `meeting-weekly_sync-\d{8}-\d{6}\.wav$`, st.ArtifactPath)

	f.source.feed(make([]byte, 320))
	assert.Equal(t, 320, f.correlator.fed)
	assert.Equal(t, 320, f.stream.written)

	f.stream.lines <- transcription.Line{Text: "morning all", Start: 1, End: 3}
	f.stream.lines <- transcription.Line{Text: "hi", Start: 12, End: 13}
	require.Eventually(t, func() bool {
		return f.rec.Status().SegmentCount == 2
	}, 2*time.Second, 5*time.Millisecond)

	sub, err := f.rec.Store().Subscribe()
	require.NoError(t, err)

	wav, err := f.rec.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, st.ArtifactPath, wav)
	assert.FileExists(t, wav)

	<-sub.Done()
	assert.Equal(t, 1, f.source.stops)
	assert.Equal(t, 1, f.stream.stopped)
	assert.True(t, f.correlator.stopped)
	assert.False(t, f.rec.Recording())
	assert.Nil(t, f.rec.Store())

	require.Len(t, f.index.recs, 1)
	rec := f.index.recs[0]
	assert.Equal(t, "weekly/sync", rec.MeetingID)
	assert.Equal(t, 2, rec.SegmentCount)
	assert.Equal(t, types.StatusQueued, rec.PostprocessStatus)

	artifact, err := storage.LoadLiveArtifact(rec.LiveArtifactPath)
	require.NoError(t, err)
	require.Len(t, artifact.Segments, 2)
	assert.Equal(t, types.SpeakerSelf, artifact.Segments[0].Speaker)
	assert.Equal(t, types.SpeakerOthers, artifact.Segments[1].Speaker)
	assert.Equal(t, []string{"ana"}, artifact.Attendees)

	require.Len(t, f.jobs.jobs, 1)
	assert.Equal(t, wav, f.jobs.jobs[0].WavPath)
	assert.Equal(t, rec.LiveArtifactPath, f.jobs.jobs[0].LiveArtifactPath)
}

func TestAlreadyRecordingLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rec.Start(ctx, StartRequest{MeetingID: "first", Title: "First"})
	require.NoError(t, err)

	_, err = f.rec.Store().Subscribe()
	require.NoError(t, err)
	f.stream.lines <- transcription.Line{Text: "kick off", Start: 1, End: 2}
	require.Eventually(t, func() bool {
		return f.rec.Status().SegmentCount == 1
	}, 2*time.Second, 5*time.Millisecond)

	before := f.rec.Status()
	beforeSegments, err := f.rec.Store().Segments()
	require.NoError(t, err)
	beforeSummary, err := f.rec.Store().Summary()
	require.NoError(t, err)

	_, err = f.rec.Start(ctx, StartRequest{MeetingID: "second", Device: "jabra"})
	assert.ErrorIs(t, err, ErrAlreadyRecording)

	after := f.rec.Status()
	assert.Equal(t, "first", after.MeetingID)
	assert.Equal(t, before.ArtifactPath, after.ArtifactPath)
	assert.Equal(t, before.DeviceID, after.DeviceID)
	assert.Equal(t, before.SegmentCount, after.SegmentCount)
	assert.Equal(t, 1, f.source.starts)

	afterSegments, err := f.rec.Store().Segments()
	require.NoError(t, err)
	assert.Equal(t, beforeSegments, afterSegments)
	afterSummary, err := f.rec.Store().Summary()
	require.NoError(t, err)
	assert.Equal(t, beforeSummary.SegmentCount, afterSummary.SegmentCount)
	assert.Equal(t, beforeSummary.Subscribers, afterSummary.Subscribers)
	assert.Equal(t, 1, afterSummary.Subscribers)

	_, err = f.rec.Stop(ctx)
	require.NoError(t, err)
}

func TestStatusIsIdleOnceStoreFinishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var during Status
	var recording bool
	f.index.onSave = func() {
		during = f.rec.Status()
		recording = f.rec.Recording()
	}

	_, err := f.rec.Start(ctx, StartRequest{MeetingID: "m"})
	require.NoError(t, err)
	f.stream.lines <- transcription.Line{Text: "hello", Start: 1, End: 2}
	require.Eventually(t, func() bool {
		return f.rec.Status().SegmentCount == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err = f.rec.Stop(ctx)
	require.NoError(t, err)

	require.Len(t, f.index.recs, 1)
	assert.False(t, recording)
	assert.Equal(t, Status{}, during)
	assert.Equal(t, 1, f.index.recs[0].SegmentCount)
}

func TestIdleStopIsNoop(t *testing.T) {
	f := newFixture(t)

	wav, err := f.rec.Stop(context.Background())
	require.NoError(t, err)
	assert.Empty(t, wav)
	assert.Zero(t, f.source.stops)
	assert.Empty(t, f.index.recs)
	assert.Empty(t, f.jobs.jobs)
	assert.Equal(t, Status{}, f.rec.Status())
}

func TestStartUsesDeviceHint(t *testing.T) {
	f := newFixture(t)

	st, err := f.rec.Start(context.Background(), StartRequest{MeetingID: "m", Device: "jabra"})
	require.NoError(t, err)
	assert.Equal(t, ":1", st.DeviceID)
	assert.Equal(t, ":1", f.source.deviceID)

	_, err = f.rec.Stop(context.Background())
	require.NoError(t, err)
}

func TestStartWithoutDevice(t *testing.T) {
	f := newFixture(t)
	f.rec.opts.Directory = audio.StaticDirectory{{ID: "bh", Name: "BlackHole", Transport: audio.TransportVirtual}}

	_, err := f.rec.Start(context.Background(), StartRequest{MeetingID: "m"})
	assert.ErrorIs(t, err, ErrNoDeviceFound)
	assert.False(t, f.rec.Recording())
	assert.Zero(t, f.source.starts)
}

func TestCaptureFailureTearsDownWorker(t *testing.T) {
	f := newFixture(t)
	f.source.failStart = true

	_, err := f.rec.Start(context.Background(), StartRequest{MeetingID: "m"})
	assert.ErrorIs(t, err, ErrCaptureFailed)
	assert.ErrorContains(t, err, "device busy")
	assert.False(t, f.rec.Recording())
	assert.Equal(t, 1, f.stream.stopped)
	assert.True(t, f.correlator.stopped)
}

func TestDegradedStartWithoutWorker(t *testing.T) {
	f := newFixture(t)
	f.launcher.err = transcription.ErrWorkerUnavailable

	st, err := f.rec.Start(context.Background(), StartRequest{MeetingID: "m"})
	require.NoError(t, err)
	assert.True(t, st.Recording)
	assert.False(t, st.Transcribing)

	f.source.feed(make([]byte, 64))
	assert.Zero(t, f.stream.written)

	wav, err := f.rec.Stop(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, wav)
	require.Len(t, f.index.recs, 1)
	assert.Zero(t, f.index.recs[0].SegmentCount)
}

func TestHeartbeatReachesSubscribers(t *testing.T) {
	f := newFixture(t)
	f.rec.opts.HeartbeatEvery = 10 * time.Millisecond

	_, err := f.rec.Start(context.Background(), StartRequest{MeetingID: "m"})
	require.NoError(t, err)
	sub, err := f.rec.Store().Subscribe()
	require.NoError(t, err)

	var got []live.Event
	require.Eventually(t, func() bool {
		got = append(got, sub.Drain()...)
		for _, ev := range got {
			if ev.Type == types.EventHeartbeat {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	_, err = f.rec.Stop(context.Background())
	require.NoError(t, err)
}

func TestStatusDoesNotWaitForStop(t *testing.T) {
	f := newFixture(t)
	blocking := &blockingStream{fakeStream: newFakeStream(), release: make(chan struct{}), entered: make(chan struct{})}
	f.rec.opts.Launcher = launcherFunc(func() (transcription.Stream, error) { return blocking, nil })

	_, err := f.rec.Start(context.Background(), StartRequest{MeetingID: "m"})
	require.NoError(t, err)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_, _ = f.rec.Stop(context.Background())
	}()

	<-blocking.entered
	done := make(chan Status, 1)
	go func() { done <- f.rec.Status() }()
	select {
	case st := <-done:
		assert.True(t, st.Recording)
	case <-time.After(time.Second):
		t.Fatal("status blocked behind stop")
	}

	close(blocking.release)
	<-stopped
	assert.False(t, f.rec.Recording())
}

type launcherFunc func() (transcription.Stream, error)

func (l launcherFunc) Launch(ctx context.Context, sessionID string) (transcription.Stream, error) {
	return l()
}

// blockingStream holds Stop open until released, like a worker in its grace wait
type blockingStream struct {
	*fakeStream
	release chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (b *blockingStream) Stop(grace time.Duration) error {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.fakeStream.Stop(grace)
}
