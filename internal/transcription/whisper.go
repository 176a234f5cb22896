package transcription

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codebuildervaibhav/meeting-recorder/internal/storage"
	"github.com/codebuildervaibhav/meeting-recorder/internal/telemetry"
)

const (
	// maxLineBytes bounds one line of worker stdout; longer lines are skipped
	maxLineBytes = 1 << 20
	killWait     = 2 * time.Second
)

// ErrWorkerUnavailable is returned when a worker process cannot be started
var ErrWorkerUnavailable = errors.New("transcription worker unavailable")

// Errors returned by ParseLine for lines that carry no segment
var (
	ErrMalformedLine = errors.New("malformed worker line")
	ErrEmptyText     = errors.New("empty segment text")
)

// Line is one decoded line of worker output: either a lifecycle status or a
// transcript segment
type Line struct {
	Status       string
	Model        string
	TotalSeconds float64

	Text         string
	Start        float64
	End          float64
	NoSpeechProb float64
	IsFinal      bool
}

// IsStatus reports whether the line is a lifecycle signal
func (l Line) IsStatus() bool {
	return l.Status != ""
}

// whisperLine matches the worker's NDJSON output
type whisperLine struct {
	Status       string   `json:"status"`
	Model        string   `json:"model"`
	TotalSeconds float64  `json:"total_seconds"`
	Text         *string  `json:"text"`
	Start        *float64 `json:"start"`
	End          *float64 `json:"end"`
	NoSpeechProb float64  `json:"no_speech_prob"`
	IsFinal      bool     `json:"is_final"`
}

// ParseLine decodes a worker output line. Missing offsets default to 0.
func ParseLine(raw []byte) (Line, error) {
	var wl whisperLine
	if err := json.Unmarshal(raw, &wl); err != nil {
		return Line{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}

	if wl.Status != "" {
		return Line{Status: wl.Status, Model: wl.Model, TotalSeconds: wl.TotalSeconds}, nil
	}
	if wl.Text == nil {
		return Line{}, fmt.Errorf("%w: no status or text", ErrMalformedLine)
	}

	text := strings.TrimSpace(*wl.Text)
	if text == "" {
		return Line{}, ErrEmptyText
	}

	line := Line{Text: text, NoSpeechProb: wl.NoSpeechProb, IsFinal: wl.IsFinal}
	if wl.Start != nil {
		line.Start = *wl.Start
	}
	if wl.End != nil {
		line.End = *wl.End
	}
	return line, nil
}

// Stream is a running transcription worker
type Stream interface {
	Write(chunk []byte)
	Segments() <-chan Line
	Stop(grace time.Duration) error
}

// WhisperOptions configures the streaming whisper worker
type WhisperOptions struct {
	Python        string
	Script        string
	Model         string
	Language      string
	BufferSeconds float64
	VocabPrompt   string
	QueueChunks   int
	SampleRate    int // of the 16-bit mono PCM written to the worker
	LogDir        string // worker stderr is kept in <LogDir>/transcribe-<id>-<ts>.log
	Metrics       *telemetry.Metrics
	Logger        *zap.SugaredLogger
}

// WhisperLauncher starts one streaming worker per session
type WhisperLauncher struct {
	opts WhisperOptions
	log  *zap.SugaredLogger
}

// NewWhisperLauncher creates a launcher
func NewWhisperLauncher(opts WhisperOptions) *WhisperLauncher {
	if opts.Python == "" {
		opts.Python = "python3"
	}
	if opts.QueueChunks <= 0 {
		opts.QueueChunks = 256
	}
	if opts.BufferSeconds <= 0 {
		opts.BufferSeconds = 3.0
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &WhisperLauncher{opts: opts, log: log}
}

func (l *WhisperLauncher) args() []string {
	args := []string{l.opts.Script}
	if l.opts.Model != "" {
		args = append(args, "--model", l.opts.Model)
	}
	if l.opts.Language != "" {
		args = append(args, "--language", l.opts.Language)
	}
	args = append(args, "--buffer-seconds", strconv.FormatFloat(l.opts.BufferSeconds, 'f', -1, 64))
	if l.opts.VocabPrompt != "" {
		args = append(args, "--vocab-prompt", l.opts.VocabPrompt)
	}
	return args
}

// Launch starts the worker process for a session. Any failure wraps
// ErrWorkerUnavailable.
func (l *WhisperLauncher) Launch(ctx context.Context, sessionID string) (Stream, error) {
	if _, err := os.Stat(l.opts.Script); err != nil {
		return nil, fmt.Errorf("%w: script %s: %v", ErrWorkerUnavailable, l.opts.Script, err)
	}

	// not bound to ctx: the worker outlives the start request
	cmd := exec.Command(l.opts.Python, l.args()...)
	setProcessGroup(cmd)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin: %v", ErrWorkerUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout: %v", ErrWorkerUnavailable, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr: %v", ErrWorkerUnavailable, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	}

	w := &WhisperStream{
		cmd:      cmd,
		stdin:    stdin,
		pipes:    []io.Closer{stdin, stdout, stderr},
		queue:    make(chan []byte, l.opts.QueueChunks),
		offsets:  newOffsetMap(l.opts.SampleRate),
		segments: make(chan Line, 64),
		fed:      make(chan struct{}),
		exited:   make(chan struct{}),
		metrics:  l.opts.Metrics,
		log:      l.log.With("worker", "transcribe", "session", sessionID),
	}

	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() {
		defer pipes.Done()
		w.readStdout(stdout)
	}()
	go func() {
		defer pipes.Done()
		w.readStderr(stderr, l.openLog(sessionID))
	}()
	go w.feed()
	go func() {
		pipes.Wait()
		w.waitErr = cmd.Wait()
		close(w.exited)
	}()

	w.log.Infof("Transcription worker started (pid %d, model %s)", cmd.Process.Pid, l.opts.Model)
	return w, nil
}

func (l *WhisperLauncher) openLog(sessionID string) io.WriteCloser {
	if l.opts.LogDir == "" {
		return nil
	}
	if err := os.MkdirAll(l.opts.LogDir, 0755); err != nil {
		l.log.Warnf("Cannot create worker log dir: %v", err)
		return nil
	}
	name := fmt.Sprintf("transcribe-%s-%s.log", storage.SanitizeFilename(sessionID), time.Now().Format("20060102-150405"))
	f, err := os.Create(filepath.Join(l.opts.LogDir, name))
	if err != nil {
		l.log.Warnf("Cannot create worker log: %v", err)
		return nil
	}
	return f
}

// WhisperStream is one running worker process. Audio goes in through a bounded
// queue; parsed segments come out of Segments until the process exits.
type WhisperStream struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	pipes []io.Closer

	mu      sync.Mutex
	queue   chan []byte
	closed  bool
	dropped int
	offsets *offsetMap

	segments chan Line
	fed      chan struct{}
	exited   chan struct{}
	waitErr  error

	stopOnce sync.Once
	stopErr  error

	metrics *telemetry.Metrics
	log     *zap.SugaredLogger
}

// Write enqueues a PCM chunk without blocking. When the queue is full the chunk
// is dropped and the gap is remembered so later offsets stay on capture time.
func (w *WhisperStream) Write(chunk []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	select {
	case w.queue <- chunk:
		w.offsets.accept(len(chunk))
	default:
		w.offsets.drop(len(chunk))
		w.dropped++
		w.metrics.RecordDroppedChunk()
		if w.dropped == 1 || w.dropped%100 == 0 {
			w.log.Warnf("Transcription worker is behind, dropped %d audio chunks", w.dropped)
		}
	}
}

// Dropped returns the number of chunks discarded so far
func (w *WhisperStream) Dropped() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Segments delivers parsed transcript lines. It is closed when the worker's
// stdout ends.
func (w *WhisperStream) Segments() <-chan Line {
	return w.segments
}

func (w *WhisperStream) feed() {
	defer close(w.fed)
	failed := false
	for chunk := range w.queue {
		if failed {
			continue
		}
		if _, err := w.stdin.Write(chunk); err != nil {
			w.log.Warnf("Transcription worker stdin closed: %v", err)
			failed = true
		}
	}
	_ = w.stdin.Close()
}

func (w *WhisperStream) readStdout(r io.Reader) {
	defer close(w.segments)

	br := bufio.NewReaderSize(r, maxLineBytes)
	oversize := false
	for {
		raw, err := br.ReadSlice('\n')
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			if !oversize {
				w.log.Warnf("Dropping worker line longer than %d bytes", maxLineBytes)
				oversize = true
			}
			continue
		case oversize:
			// tail of the line being dropped
			oversize = false
		case len(bytes.TrimSpace(raw)) > 0:
			w.handleLine(raw)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				w.log.Warnf("Transcription worker stdout: %v", err)
			}
			return
		}
	}
}

func (w *WhisperStream) handleLine(raw []byte) {
	line, err := ParseLine(raw)
	if err != nil {
		w.log.Debugf("Dropping worker line: %v", err)
		return
	}
	if line.IsStatus() {
		switch line.Status {
		case "ready":
			w.log.Infof("Transcription worker ready (model %s)", line.Model)
		case "done":
			w.log.Infof("Transcription worker done, %.1fs of audio processed", line.TotalSeconds)
		default:
			w.log.Infof("Transcription worker status: %s", line.Status)
		}
		return
	}

	w.mu.Lock()
	line.Start = w.offsets.captureTime(line.Start, false)
	line.End = w.offsets.captureTime(line.End, true)
	w.mu.Unlock()

	w.segments <- line
}

// readStderr copies everything the worker prints to its log file. Complete
// lines also go to the debug log.
func (w *WhisperStream) readStderr(r io.Reader, file io.WriteCloser) {
	var dst io.Writer = io.Discard
	if file != nil {
		defer file.Close()
		dst = file
	}

	br := bufio.NewReaderSize(r, 64*1024)
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			_, _ = dst.Write(chunk)
		}
		if err == nil {
			w.log.Debugf("worker: %s", bytes.TrimRight(chunk, "\r\n"))
			continue
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return
	}
}

// Stop closes the worker's input after the queued audio is flushed and waits up
// to grace for it to exit before killing it and everything it spawned.
// Segments is closed once Stop returns. Safe to call more than once.
func (w *WhisperStream) Stop(grace time.Duration) error {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.queue)
		w.mu.Unlock()

		if !waitFor(w.exited, grace) {
			w.log.Warnf("Transcription worker did not exit within %v, killing", grace)
			w.kill()
			w.stopErr = fmt.Errorf("transcription worker killed after %v grace", grace)
			return
		}

		<-w.fed
		if w.waitErr != nil {
			w.stopErr = fmt.Errorf("transcription worker exited: %w", w.waitErr)
		}
	})
	return w.stopErr
}

func (w *WhisperStream) kill() {
	if err := killProcessGroup(w.cmd); err != nil {
		w.log.Warnf("Failed to kill transcription worker: %v", err)
	}
	if waitFor(w.exited, killWait) && waitFor(w.fed, killWait) {
		return
	}

	// something outside the process group still holds the pipes
	w.log.Warn("Transcription worker pipes still open after kill, closing them")
	for _, p := range w.pipes {
		_ = p.Close()
	}
	if !waitFor(w.exited, killWait) || !waitFor(w.fed, killWait) {
		w.log.Error("Transcription worker did not shut down after kill")
	}
}

func waitFor(ch <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}

// offsetMap translates offsets in the audio the worker actually received back
// to capture time, accounting for chunks dropped in between.
type offsetMap struct {
	bytesPerSec float64
	accepted    int64
	gaps        []offsetGap
}

// offsetGap is dropped audio that would have started at position at of the
// worker's input
type offsetGap struct {
	at      int64
	dropped int64
}

func newOffsetMap(sampleRate int) *offsetMap {
	return &offsetMap{bytesPerSec: float64(sampleRate * 2)}
}

func (m *offsetMap) accept(n int) {
	m.accepted += int64(n)
}

func (m *offsetMap) drop(n int) {
	if k := len(m.gaps); k > 0 && m.gaps[k-1].at == m.accepted {
		m.gaps[k-1].dropped += int64(n)
		return
	}
	m.gaps = append(m.gaps, offsetGap{at: m.accepted, dropped: int64(n)})
}

// captureTime maps a worker offset in seconds to capture time. An end offset
// sitting exactly on a gap belongs to the audio before it.
func (m *offsetMap) captureTime(sec float64, end bool) float64 {
	if len(m.gaps) == 0 || m.bytesPerSec <= 0 {
		return sec
	}
	pos := int64(math.Round(sec * m.bytesPerSec))
	var skipped int64
	for _, g := range m.gaps {
		if g.at > pos || (end && g.at == pos) {
			break
		}
		skipped += g.dropped
	}
	return sec + float64(skipped)/m.bytesPerSec
}
