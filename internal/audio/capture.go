package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"go.uber.org/zap"
)

// Sink receives captured 16-bit mono PCM. The callee owns the buffer.
type Sink func(chunk []byte)

// Source is a capture backend
type Source interface {
	Start(ctx context.Context, deviceID, outputPath string, sink Sink) error
	Stop() error
}

// FFmpegOptions configures an FFmpegSource
type FFmpegOptions struct {
	FFmpegPath  string
	InputFormat string // avfoundation, alsa, pulse, dshow
	SampleRate  int
	ChunkMillis int
	LogDir      string // ffmpeg stderr goes to <LogDir>/ffmpeg-<ts>.log when set
	StartupWait time.Duration
	Logger      *zap.SugaredLogger
}

// FFmpegSource captures from an input device by running ffmpeg with raw s16le on
// stdout. It persists the WAV itself and fans each chunk out to the sink.
type FFmpegSource struct {
	opts FFmpegOptions
	log  *zap.SugaredLogger

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	stopErr error
	running bool
}

// NewFFmpegSource creates a capture source
func NewFFmpegSource(opts FFmpegOptions) *FFmpegSource {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.ChunkMillis <= 0 {
		opts.ChunkMillis = 100
	}
	if opts.StartupWait <= 0 {
		opts.StartupWait = 750 * time.Millisecond
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &FFmpegSource{opts: opts, log: log}
}

func (s *FFmpegSource) args(deviceID string) []string {
	args := []string{"-hide_banner", "-nostats", "-loglevel", "warning"}
	if s.opts.InputFormat != "" {
		args = append(args, "-f", s.opts.InputFormat)
	}
	return append(args,
		"-i", deviceID,
		"-ac", "1",
		"-ar", fmt.Sprint(s.opts.SampleRate),
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"pipe:1",
	)
}

// Start launches ffmpeg against the device and begins writing outputPath. It
// returns an error if ffmpeg cannot be started or exits before producing audio.
func (s *FFmpegSource) Start(ctx context.Context, deviceID, outputPath string, sink Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("capture already running")
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("failed to create capture directory: %w", err)
	}
	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create wav file: %w", err)
	}

	cmd := exec.Command(s.opts.FFmpegPath, s.args(deviceID)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		out.Close()
		return fmt.Errorf("ffmpeg stdout: %w", err)
	}
	stderrFile := s.openStderrLog()
	if stderrFile != nil {
		cmd.Stderr = stderrFile
	}

	if err := cmd.Start(); err != nil {
		out.Close()
		_ = os.Remove(outputPath)
		closeQuietly(stderrFile)
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	enc := wav.NewEncoder(out, s.opts.SampleRate, 16, 1, 1)
	firstChunk := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer closeQuietly(stderrFile)
		s.pump(stdout, enc, sink, firstChunk)
		if err := enc.Close(); err != nil {
			s.log.Errorf("Capture: failed to finalize %s: %v", outputPath, err)
		}
		if err := out.Close(); err != nil {
			s.log.Errorf("Capture: failed to close %s: %v", outputPath, err)
		}
	}()

	select {
	case <-firstChunk:
	case <-done:
		waitErr := cmd.Wait()
		_ = os.Remove(outputPath)
		return fmt.Errorf("ffmpeg exited before producing audio: %v", waitErr)
	case <-time.After(s.opts.StartupWait):
		s.log.Warnf("Capture: no audio from %s after %v, continuing", deviceID, s.opts.StartupWait)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		_ = cmd.Wait()
		return ctx.Err()
	}

	s.cmd = cmd
	s.done = done
	s.stopErr = nil
	s.running = true
	s.log.Infof("Capture started: device=%s output=%s", deviceID, outputPath)
	return nil
}

func (s *FFmpegSource) pump(r io.Reader, enc *wav.Encoder, sink Sink, firstChunk chan struct{}) {
	chunkBytes := s.opts.SampleRate * 2 * s.opts.ChunkMillis / 1000
	if chunkBytes < 2 {
		chunkBytes = 2
	}
	format := &goaudio.Format{NumChannels: 1, SampleRate: s.opts.SampleRate}
	signalled := false

	for {
		buf := make([]byte, chunkBytes)
		n, err := io.ReadFull(r, buf)
		n -= n % 2
		if n > 0 {
			chunk := buf[:n]
			if werr := enc.Write(PCMToIntBuffer(chunk, format)); werr != nil {
				s.log.Errorf("Capture: wav write failed: %v", werr)
			}
			if !signalled {
				close(firstChunk)
				signalled = true
			}
			if sink != nil {
				sink(chunk)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				s.log.Warnf("Capture: read error: %v", err)
			}
			return
		}
	}
}

// Stop ends the capture and finalizes the WAV. Calling it again, or before
// Start, is a no-op.
func (s *FFmpegSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return s.stopErr
	}
	s.running = false

	// ffmpeg flushes on SIGINT
	_ = s.cmd.Process.Signal(os.Interrupt)
	select {
	case <-s.done:
	case <-time.After(3 * time.Second):
		s.log.Warnf("Capture: ffmpeg did not exit on interrupt, killing")
		_ = s.cmd.Process.Kill()
		<-s.done
	}

	if err := s.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		// interrupted ffmpeg exits 255
		if !errors.As(err, &exitErr) {
			s.stopErr = fmt.Errorf("ffmpeg wait: %w", err)
		}
	}
	s.log.Infof("Capture stopped")
	return s.stopErr
}

func (s *FFmpegSource) openStderrLog() *os.File {
	if s.opts.LogDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.opts.LogDir, 0755); err != nil {
		s.log.Warnf("Capture: cannot create log dir: %v", err)
		return nil
	}
	name := fmt.Sprintf("ffmpeg-%s.log", time.Now().Format("20060102-150405"))
	f, err := os.Create(filepath.Join(s.opts.LogDir, name))
	if err != nil {
		s.log.Warnf("Capture: cannot create ffmpeg log: %v", err)
		return nil
	}
	return f
}

// PCMToIntBuffer converts little-endian 16-bit samples for the WAV encoder
func PCMToIntBuffer(pcm []byte, format *goaudio.Format) *goaudio.IntBuffer {
	data := make([]int, len(pcm)/2)
	for i := range data {
		data[i] = int(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
	}
	return &goaudio.IntBuffer{Format: format, Data: data, SourceBitDepth: 16}
}

func closeQuietly(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}
