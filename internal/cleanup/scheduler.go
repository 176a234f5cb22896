package cleanup

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Stats summarises one cleanup pass
type Stats struct {
	Deleted int
	Bytes   int64
}

// Scheduler prunes worker diagnostic logs left in the temp directory
type Scheduler struct {
	tempDir  string
	pattern  string
	interval time.Duration
	maxAge   time.Duration
	log      *zap.SugaredLogger
	now      func() time.Time
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewScheduler creates a new cleanup scheduler for files matching pattern
// (for example "*.log")
func NewScheduler(tempDir, pattern string, interval, maxAge time.Duration, log *zap.SugaredLogger) *Scheduler {
	if pattern == "" {
		pattern = "*"
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{
		tempDir:  tempDir,
		pattern:  pattern,
		interval: interval,
		maxAge:   maxAge,
		log:      log,
		now:      time.Now,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start runs one pass immediately, then one every interval
func (s *Scheduler) Start() {
	s.log.Infof("Running initial cleanup of %s...", s.tempDir)
	s.RunOnce()

	ticker := time.NewTicker(s.interval)

	go func() {
		defer close(s.doneChan)
		for {
			select {
			case <-ticker.C:
				s.RunOnce()
			case <-s.stopChan:
				ticker.Stop()
				return
			}
		}
	}()

	s.log.Infof("Cleanup scheduler started (interval: %v, max age: %v)", s.interval, s.maxAge)
}

// Stop stops the cleanup scheduler
func (s *Scheduler) Stop() {
	close(s.stopChan)
	<-s.doneChan
	s.log.Infof("Cleanup scheduler stopped")
}

// RunOnce removes matching files older than maxAge
func (s *Scheduler) RunOnce() Stats {
	now := s.now()
	var stats Stats

	err := filepath.Walk(s.tempDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip files we can't access
		}
		if info.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(s.pattern, info.Name()); !ok {
			return nil
		}

		age := now.Sub(info.ModTime())
		if age <= s.maxAge {
			return nil
		}

		size := info.Size()
		if err := os.Remove(path); err != nil {
			s.log.Warnf("Failed to delete old file %s: %v", path, err)
			return nil
		}
		stats.Deleted++
		stats.Bytes += size
		s.log.Debugf("Deleted old file: %s (age: %s, size: %dKB)",
			filepath.Base(path), age.Round(time.Hour), size/1024)
		return nil
	})
	if err != nil {
		s.log.Warnf("Error during cleanup: %v", err)
	}

	if stats.Deleted > 0 {
		s.log.Infof("Cleanup complete: %d files deleted, %.2fMB freed",
			stats.Deleted, float64(stats.Bytes)/(1024*1024))
	}
	return stats
}

// EnsureDir creates the directory if it doesn't exist
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}
