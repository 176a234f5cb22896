package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/codebuildervaibhav/meeting-recorder/internal/metrics"
	"github.com/codebuildervaibhav/meeting-recorder/internal/types"
)

// LiveArtifact is the authoritative end-of-session document
type LiveArtifact struct {
	MeetingID    string           `json:"meetingId"`
	Title        string           `json:"title"`
	Attendees    []string         `json:"attendees"`
	StartTime    time.Time        `json:"startTime"`
	EndTime      time.Time        `json:"endTime"`
	Segments     []types.Segment  `json:"segments"`
	FinalMetrics metrics.Snapshot `json:"finalMetrics"`
}

// LocalStorage handles recording artifacts on the local filesystem
type LocalStorage struct {
	outputDir string
}

// NewLocalStorage creates a new local storage handler
func NewLocalStorage(outputDir string) *LocalStorage {
	return &LocalStorage{
		outputDir: outputDir,
	}
}

// Dir returns the recordings directory
func (ls *LocalStorage) Dir() string {
	return ls.outputDir
}

// EnsureDir creates the recordings directory
func (ls *LocalStorage) EnsureDir() error {
	if err := os.MkdirAll(ls.outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create recordings directory: %w", err)
	}
	return nil
}

// WavPath returns a fresh raw capture path: meeting-<id>-20250123-143022.wav
func (ls *LocalStorage) WavPath(meetingID string, startedAt time.Time) string {
	name := fmt.Sprintf("meeting-%s-%s.wav", SanitizeFilename(meetingID), startedAt.Format("20060102-150405"))
	return filepath.Join(ls.outputDir, name)
}

// LiveArtifactPath derives the artifact path from the meeting id and capture date.
// The same meeting recorded twice on one day maps to the same file.
func (ls *LocalStorage) LiveArtifactPath(meetingID string, captureDate time.Time) string {
	name := fmt.Sprintf("meeting-%s-%s-live.json", SanitizeFilename(meetingID), captureDate.Format("2006-01-02"))
	return filepath.Join(ls.outputDir, name)
}

// SaveLiveArtifact writes the artifact through a temp file and rename
func (ls *LocalStorage) SaveLiveArtifact(artifact *LiveArtifact) (string, error) {
	if err := ls.EnsureDir(); err != nil {
		return "", err
	}

	doc := *artifact
	if doc.Attendees == nil {
		doc.Attendees = []string{}
	}
	if doc.Segments == nil {
		doc.Segments = []types.Segment{}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal live artifact: %w", err)
	}

	path := ls.LiveArtifactPath(doc.MeetingID, doc.StartTime)
	tmp, err := os.CreateTemp(ls.outputDir, ".live-*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write live artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write live artifact: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return "", fmt.Errorf("failed to write live artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to save live artifact: %w", err)
	}

	return path, nil
}

// LoadLiveArtifact reads a persisted artifact back
func LoadLiveArtifact(path string) (*LiveArtifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var artifact LiveArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("failed to parse live artifact %s: %w", path, err)
	}
	return &artifact, nil
}

const maxFilenameBytes = 100

// SanitizeFilename maps a caller supplied id onto a safe single path component
func SanitizeFilename(name string) string {
	result := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		if r < 0x20 {
			return -1
		}
		return r
	}, strings.TrimSpace(name))

	result = strings.Trim(result, ".")
	if result == "" {
		result = "untitled"
	}
	if len(result) > maxFilenameBytes {
		cut := maxFilenameBytes
		for cut > 0 && !utf8.RuneStart(result[cut]) {
			cut--
		}
		result = result[:cut]
	}
	return result
}
