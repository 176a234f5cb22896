package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const stderrTailBytes = 4096

// PostProcessOptions configures the offline post-processing worker
type PostProcessOptions struct {
	Python    string
	Script    string
	OutputDir string
	Model     string
	Language  string
	Timeout   time.Duration
	Logger    *zap.SugaredLogger
}

// PostProcessRequest describes one finished recording
type PostProcessRequest struct {
	WavPath   string
	MeetingID string
	Title     string
	StartTime time.Time
	EndTime   time.Time
	Attendees []string
}

// postProcessMetadata is the --metadata document the worker reads
type postProcessMetadata struct {
	MeetingID string    `json:"meetingId"`
	Title     string    `json:"title"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	Attendees []string  `json:"attendees"`
}

// PostProcessor runs the post-processing script once per stopped session
type PostProcessor struct {
	opts PostProcessOptions
	log  *zap.SugaredLogger
}

// NewPostProcessor creates a post-processor
func NewPostProcessor(opts PostProcessOptions) *PostProcessor {
	if opts.Python == "" {
		opts.Python = "python3"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Hour
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &PostProcessor{opts: opts, log: log}
}

func (p *PostProcessor) args(req PostProcessRequest) ([]string, error) {
	attendees := req.Attendees
	if attendees == nil {
		attendees = []string{}
	}
	meta, err := json.Marshal(postProcessMetadata{
		MeetingID: req.MeetingID,
		Title:     req.Title,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Attendees: attendees,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	args := []string{p.opts.Script, "--wav", req.WavPath, "--metadata", string(meta), "--output-dir", p.opts.OutputDir}
	if p.opts.Model != "" {
		args = append(args, "--model", p.opts.Model)
	}
	if p.opts.Language != "" {
		args = append(args, "--language", p.opts.Language)
	}
	return args, nil
}

// Run executes the worker and returns the output path it prints on stdout. A
// non-zero exit returns an error carrying the tail of stderr.
func (p *PostProcessor) Run(ctx context.Context, req PostProcessRequest) (string, error) {
	if _, err := os.Stat(p.opts.Script); err != nil {
		return "", fmt.Errorf("%w: script %s: %v", ErrWorkerUnavailable, p.opts.Script, err)
	}

	args, err := p.args(req)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	var stdout bytes.Buffer
	stderr := &tailBuffer{limit: stderrTailBytes}
	cmd := exec.CommandContext(ctx, p.opts.Python, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	p.log.Infof("Post-processing %s for meeting %s", req.WavPath, req.MeetingID)
	start := time.Now()

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("post-processing timed out after %v: %w", p.opts.Timeout, ctx.Err())
		}
		return "", fmt.Errorf("post-processing failed: %v\nstderr: %s", err, stderr.String())
	}

	output := lastLine(stdout.String())
	if output == "" {
		return "", fmt.Errorf("post-processing printed no output path\nstderr: %s", stderr.String())
	}

	p.log.Infof("Post-processing finished in %v: %s", time.Since(start).Round(time.Millisecond), output)
	return output, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
