package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codebuildervaibhav/meeting-recorder/internal/telemetry"
	"github.com/codebuildervaibhav/meeting-recorder/internal/transcription"
	"github.com/codebuildervaibhav/meeting-recorder/internal/types"
)

const uploadAttempts = 3

// ErrQueueClosed is returned by Enqueue after Shutdown
var ErrQueueClosed = errors.New("post-processing queue is closed")

// ErrQueueFull is returned when the job buffer is full
var ErrQueueFull = errors.New("post-processing queue is full")

// PostProcessor runs the offline worker for a recording
type PostProcessor interface {
	Run(ctx context.Context, req transcription.PostProcessRequest) (string, error)
}

// Uploader archives finished artifacts
type Uploader interface {
	Upload(ctx context.Context, capturedAt time.Time, paths ...string) (string, error)
}

// StatusIndex records job progress against the session row
type StatusIndex interface {
	UpdatePostprocess(meetingID, wavPath, status, output, gdriveURL string) error
}

// PoolOptions configures a WorkerPool. PostProcessor, Uploader and Index are
// optional.
type PoolOptions struct {
	Workers       int
	QueueSize     int
	PostProcessor PostProcessor
	Uploader      Uploader
	Index         StatusIndex
	Metrics       *telemetry.Metrics
	Logger        *zap.SugaredLogger
	// Backoff returns the wait before retry attempt n (1-based). Defaults to n² seconds.
	Backoff func(attempt int) time.Duration
}

// WorkerPool runs post-processing jobs on a fixed set of workers
type WorkerPool struct {
	opts PoolOptions
	log  *zap.SugaredLogger

	mu       sync.Mutex
	jobQueue chan *Job
	closed   bool
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(opts PoolOptions) *WorkerPool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	if opts.Backoff == nil {
		opts.Backoff = func(attempt int) time.Duration {
			return time.Duration(attempt*attempt) * time.Second
		}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		opts:     opts,
		log:      log,
		jobQueue: make(chan *Job, opts.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the workers
func (wp *WorkerPool) Start() {
	wp.log.Infof("Starting post-processing pool with %d workers", wp.opts.Workers)
	for i := 0; i < wp.opts.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Enqueue adds a job without blocking
func (wp *WorkerPool) Enqueue(job *Job) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.closed {
		return ErrQueueClosed
	}
	wp.updateIndex(job, types.StatusQueued, "", "")
	select {
	case wp.jobQueue <- job:
	default:
		wp.updateIndex(job, types.StatusFailed, "", "")
		return ErrQueueFull
	}
	wp.log.Infof("Post-processing job %s enqueued (meeting: %s)", job.ID, job.MeetingID)
	return nil
}

// Shutdown stops accepting jobs and waits for the workers to drain the queue.
// When ctx expires first, running jobs are cancelled.
func (wp *WorkerPool) Shutdown(ctx context.Context) error {
	wp.mu.Lock()
	if !wp.closed {
		wp.closed = true
		close(wp.jobQueue)
	}
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.cancel()
		return nil
	case <-ctx.Done():
		wp.cancel()
		<-done
		return ctx.Err()
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	wp.log.Debugf("Post-processing worker %d started", id)

	for job := range wp.jobQueue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					wp.log.Errorf("Worker %d: PANIC processing job %s: %v\n%s",
						id, job.ID, r, string(debug.Stack()))
					wp.fail(id, job, fmt.Errorf("worker panic: %v", r))
				}
			}()

			wp.processJob(id, job)
		}()
	}
}

// processJob runs the post-processing pipeline for one recording
func (wp *WorkerPool) processJob(workerID int, job *Job) {
	wp.log.Infof("Worker %d: Processing job %s (meeting %s)", workerID, job.ID, job.MeetingID)
	job.setStatus(types.StatusProcessing)
	wp.updateIndex(job, types.StatusProcessing, "", "")

	// Step 1: Check the raw capture
	info, err := os.Stat(job.WavPath)
	if err != nil {
		wp.fail(workerID, job, fmt.Errorf("recording not found: %w", err))
		return
	}
	if info.Size() == 0 {
		wp.fail(workerID, job, fmt.Errorf("recording %s is empty", job.WavPath))
		return
	}

	// Step 2: Run the post-processing worker
	var output string
	if wp.opts.PostProcessor != nil {
		output, err = wp.opts.PostProcessor.Run(wp.ctx, transcription.PostProcessRequest{
			WavPath:   job.WavPath,
			MeetingID: job.MeetingID,
			Title:     job.Title,
			StartTime: job.StartTime,
			EndTime:   job.EndTime,
			Attendees: job.Attendees,
		})
		if err != nil {
			wp.fail(workerID, job, err)
			return
		}
	}

	// Step 3: Upload to Google Drive (with retry)
	var driveURL string
	if wp.opts.Uploader != nil {
		driveURL = wp.upload(workerID, job, output)
	}

	// Step 4: Record the outcome
	status := types.StatusCompleted
	if wp.opts.PostProcessor == nil {
		status = types.StatusSkipped
	}
	job.mu.Lock()
	job.output = output
	job.gdriveURL = driveURL
	job.mu.Unlock()
	wp.updateIndex(job, status, output, driveURL)
	wp.opts.Metrics.RecordPostprocess(status)
	job.finish(status, nil)

	wp.log.Infof("Worker %d: Job %s %s (output: %s, gdrive: %s)",
		workerID, job.ID, status, output, driveURL)
}

func (wp *WorkerPool) upload(workerID int, job *Job, output string) string {
	var paths []string
	for _, p := range []string{job.LiveArtifactPath, output} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return ""
	}

	var err error
	for attempt := 1; attempt <= uploadAttempts; attempt++ {
		var url string
		url, err = wp.opts.Uploader.Upload(wp.ctx, job.StartTime, paths...)
		if err == nil {
			return url
		}
		wp.log.Warnf("Worker %d: Google Drive upload attempt %d/%d failed: %v", workerID, attempt, uploadAttempts, err)
		if attempt < uploadAttempts {
			select {
			case <-time.After(wp.opts.Backoff(attempt)):
			case <-wp.ctx.Done():
				return ""
			}
		}
	}
	wp.log.Warnf("Worker %d: WARNING - Google Drive upload failed after %d attempts, keeping local copy only", workerID, uploadAttempts)
	return ""
}

func (wp *WorkerPool) fail(workerID int, job *Job, err error) {
	wp.log.Errorf("Worker %d: Job %s failed: %v", workerID, job.ID, err)
	wp.updateIndex(job, types.StatusFailed, "", "")
	wp.opts.Metrics.RecordPostprocess(types.StatusFailed)
	select {
	case <-job.done:
	default:
		job.finish(types.StatusFailed, err)
	}
}

func (wp *WorkerPool) updateIndex(job *Job, status, output, gdriveURL string) {
	if wp.opts.Index == nil {
		return
	}
	if err := wp.opts.Index.UpdatePostprocess(job.MeetingID, job.WavPath, status, output, gdriveURL); err != nil {
		wp.log.Warnf("Failed to update session index for job %s: %v", job.ID, err)
	}
}
