package live

import (
	"errors"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codebuildervaibhav/meeting-recorder/internal/metrics"
	"github.com/codebuildervaibhav/meeting-recorder/internal/storage"
	"github.com/codebuildervaibhav/meeting-recorder/internal/telemetry"
	"github.com/codebuildervaibhav/meeting-recorder/internal/types"
)

// DefaultSelfCutoff is the self-speech ratio above which a segment is tagged self
const DefaultSelfCutoff = 0.5

// ErrStoreClosed is returned by every call after Finish
var ErrStoreClosed = errors.New("live session store is closed")

// Correlator reports local-speaker activity over a window of capture time
type Correlator interface {
	SelfSpeechRatio(start, end float64) float64
}

// ArtifactWriter persists the end-of-session document
type ArtifactWriter interface {
	SaveLiveArtifact(artifact *storage.LiveArtifact) (string, error)
}

// Options configures a Store
type Options struct {
	MeetingID  string
	Title      string
	Attendees  []string
	StartedAt  time.Time
	SelfCutoff float64
	Correlator Correlator
	Writer     ArtifactWriter
	Metrics    *telemetry.Metrics
	Logger     *zap.SugaredLogger
	Now        func() time.Time
}

// Summary is a read-only view of the store
type Summary struct {
	SegmentCount int
	Subscribers  int
	Metrics      metrics.Snapshot
}

// Store owns the segment log and subscriber set of the active session. All state
// is confined to one goroutine; public methods submit operations to it and wait.
type Store struct {
	opts Options
	log  *zap.SugaredLogger

	ops     chan func()
	stopped chan struct{}

	// owned by the run goroutine
	segments []types.Segment
	engine   *metrics.Engine
	subs     map[string]*Subscriber
	finished bool
}

// New creates a store and starts its goroutine
func New(opts Options) *Store {
	if opts.SelfCutoff <= 0 {
		opts.SelfCutoff = DefaultSelfCutoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.StartedAt.IsZero() {
		opts.StartedAt = opts.Now()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	s := &Store{
		opts:    opts,
		log:     log,
		ops:     make(chan func()),
		stopped: make(chan struct{}),
		engine:  metrics.NewEngine(),
		subs:    make(map[string]*Subscriber),
	}
	go s.run()
	return s
}

func (s *Store) run() {
	defer close(s.stopped)

	for !s.finished {
		op := <-s.ops
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Errorf("Live store: PANIC in operation for meeting %s: %v\n%s",
						s.opts.MeetingID, r, string(debug.Stack()))
				}
			}()
			op()
		}()
	}
}

// do runs fn on the store goroutine and waits for it
func (s *Store) do(fn func()) error {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}

	select {
	case s.ops <- op:
	case <-s.stopped:
		return ErrStoreClosed
	}
	<-done
	return nil
}

// AddSegment tags and appends a transcript segment, then broadcasts it followed
// by the recomputed metrics
func (s *Store) AddSegment(text string, start, end float64) (types.Segment, error) {
	var seg types.Segment
	err := s.do(func() {
		seg = types.Segment{
			ID:      len(s.segments),
			Text:    strings.TrimSpace(text),
			Start:   start,
			End:     end,
			Speaker: s.classify(start, end),
		}
		s.segments = append(s.segments, seg)
		s.engine.Add(seg)
		snap := s.engine.Snapshot(s.elapsed())

		s.broadcast(Event{Type: types.EventSegment, Data: seg})
		s.broadcast(Event{Type: types.EventMetrics, Data: snap})
		s.opts.Metrics.RecordSegment(seg.Speaker)
	})
	return seg, err
}

func (s *Store) classify(start, end float64) string {
	if s.opts.Correlator == nil {
		return types.SpeakerOthers
	}
	if s.opts.Correlator.SelfSpeechRatio(start, end) > s.opts.SelfCutoff {
		return types.SpeakerSelf
	}
	return types.SpeakerOthers
}

// Subscribe joins a new subscriber: it receives a status event, the full
// segment history and one metrics event before any live event
func (s *Store) Subscribe() (*Subscriber, error) {
	sub := newSubscriber()
	err := s.do(func() {
		started := s.opts.StartedAt
		sub.push(Event{Type: types.EventStatus, Data: StatusPayload{
			State:        types.StateRecording,
			MeetingID:    s.opts.MeetingID,
			Title:        s.opts.Title,
			StartTime:    &started,
			SegmentCount: len(s.segments),
		}}, 0)
		for _, seg := range s.segments {
			sub.push(Event{Type: types.EventSegment, Data: seg}, 0)
		}
		sub.push(Event{Type: types.EventMetrics, Data: s.engine.Snapshot(s.elapsed())}, 0)

		s.subs[sub.ID] = sub
		s.opts.Metrics.SetSubscribers(len(s.subs))
	})
	if err != nil {
		return nil, err
	}

	s.log.Debugf("Live subscriber %s joined meeting %s", sub.ID, s.opts.MeetingID)
	return sub, nil
}

// Unsubscribe removes a subscriber after its transport went away
func (s *Store) Unsubscribe(id string) {
	_ = s.do(func() {
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			sub.close()
			s.opts.Metrics.SetSubscribers(len(s.subs))
		}
	})
}

// Heartbeat sends a keep-alive to every subscriber
func (s *Store) Heartbeat() error {
	return s.do(func() {
		s.broadcast(Event{Type: types.EventHeartbeat})
	})
}

// Summary returns counts and fresh metrics
func (s *Store) Summary() (Summary, error) {
	var sum Summary
	err := s.do(func() {
		sum = Summary{
			SegmentCount: len(s.segments),
			Subscribers:  len(s.subs),
			Metrics:      s.engine.Snapshot(s.elapsed()),
		}
	})
	return sum, err
}

// Segments returns a copy of the segment log
func (s *Store) Segments() ([]types.Segment, error) {
	var out []types.Segment
	err := s.do(func() {
		out = make([]types.Segment, len(s.segments))
		copy(out, s.segments)
	})
	return out, err
}

// Finish broadcasts the stopped status, persists the artifact and disconnects
// all subscribers. The store is unusable afterwards.
func (s *Store) Finish(endTime time.Time) (string, error) {
	var (
		path    string
		saveErr error
	)

	err := s.do(func() {
		final := s.engine.Snapshot(endTime.Sub(s.opts.StartedAt).Seconds())

		s.broadcast(Event{Type: types.EventStopped, Data: StatusPayload{
			State:        types.StateStopped,
			MeetingID:    s.opts.MeetingID,
			Title:        s.opts.Title,
			SegmentCount: len(s.segments),
			ElapsedSec:   final.ElapsedSec,
		}})

		if s.opts.Writer != nil {
			segments := make([]types.Segment, len(s.segments))
			copy(segments, s.segments)
			path, saveErr = s.opts.Writer.SaveLiveArtifact(&storage.LiveArtifact{
				MeetingID:    s.opts.MeetingID,
				Title:        s.opts.Title,
				Attendees:    s.opts.Attendees,
				StartTime:    s.opts.StartedAt,
				EndTime:      endTime,
				Segments:     segments,
				FinalMetrics: final,
			})
		}

		for id, sub := range s.subs {
			sub.close()
			delete(s.subs, id)
		}
		s.opts.Metrics.SetSubscribers(0)
		s.finished = true
	})
	if err != nil {
		return "", err
	}
	return path, saveErr
}

func (s *Store) broadcast(ev Event) {
	for id, sub := range s.subs {
		if !sub.push(ev, MaxPending) {
			s.log.Warnf("Live subscriber %s fell behind, disconnecting", id)
			delete(s.subs, id)
			sub.close()
			s.opts.Metrics.SetSubscribers(len(s.subs))
		}
	}
}

func (s *Store) elapsed() float64 {
	return s.opts.Now().Sub(s.opts.StartedAt).Seconds()
}
