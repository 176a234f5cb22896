package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/codebuildervaibhav/meeting-recorder/internal/types"
)

// ErrSessionNotFound is returned when the index has no row for a meeting id
var ErrSessionNotFound = errors.New("session not found")

// MetadataDB indexes finished recording sessions in SQLite
type MetadataDB struct {
	db *sql.DB
}

// NewMetadataDB opens (and if needed creates) the session index
func NewMetadataDB(dbPath string) (*MetadataDB, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer; the pool and the orchestrator share this handle
	db.SetMaxOpenConns(1)

	createTableSQL := `
	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		meeting_id TEXT NOT NULL,
		title TEXT NOT NULL,
		device_id TEXT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME NOT NULL,
		wav_path TEXT NOT NULL,
		live_artifact_path TEXT,
		segment_count INTEGER NOT NULL DEFAULT 0,
		postprocess_status TEXT NOT NULL,
		postprocess_output TEXT,
		gdrive_url TEXT,
		UNIQUE(meeting_id, started_at)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_meeting_id ON sessions(meeting_id);
	`

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	return &MetadataDB{db: db}, nil
}

// SaveSession inserts the row for a stopped session
func (mdb *MetadataDB) SaveSession(rec types.SessionRecord) error {
	query := `
	INSERT INTO sessions (meeting_id, title, device_id, started_at, ended_at, wav_path,
		live_artifact_path, segment_count, postprocess_status, postprocess_output, gdrive_url)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(meeting_id, started_at) DO UPDATE SET
		ended_at = excluded.ended_at,
		live_artifact_path = excluded.live_artifact_path,
		segment_count = excluded.segment_count
	`

	_, err := mdb.db.Exec(query, rec.MeetingID, rec.Title, rec.DeviceID,
		dbTime(rec.StartedAt), dbTime(rec.EndedAt), rec.WavPath, rec.LiveArtifactPath,
		rec.SegmentCount, rec.PostprocessStatus, rec.PostprocessOutput, rec.GDriveURL)
	if err != nil {
		return fmt.Errorf("failed to save session metadata: %w", err)
	}

	return nil
}

// UpdatePostprocess records the outcome of post-processing for the most recent
// session with the given meeting id and raw capture
func (mdb *MetadataDB) UpdatePostprocess(meetingID, wavPath, status, output, gdriveURL string) error {
	query := `
	UPDATE sessions
	SET postprocess_status = ?,
		postprocess_output = COALESCE(NULLIF(?, ''), postprocess_output),
		gdrive_url = COALESCE(NULLIF(?, ''), gdrive_url)
	WHERE meeting_id = ? AND wav_path = ?
	`

	res, err := mdb.db.Exec(query, status, output, gdriveURL, meetingID, wavPath)
	if err != nil {
		return fmt.Errorf("failed to update post-processing status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// GetSession retrieves the latest session for a meeting id
func (mdb *MetadataDB) GetSession(meetingID string) (*types.SessionRecord, error) {
	query := `
	SELECT meeting_id, title, device_id, started_at, ended_at, wav_path, live_artifact_path,
		segment_count, postprocess_status, postprocess_output, gdrive_url
	FROM sessions WHERE meeting_id = ? ORDER BY started_at DESC LIMIT 1
	`

	rec, err := scanSession(mdb.db.QueryRow(query, meetingID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return rec, nil
}

// ListSessions returns the most recent sessions first
func (mdb *MetadataDB) ListSessions(limit int) ([]types.SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
	SELECT meeting_id, title, device_id, started_at, ended_at, wav_path, live_artifact_path,
		segment_count, postprocess_status, postprocess_output, gdrive_url
	FROM sessions ORDER BY started_at DESC LIMIT ?
	`

	rows, err := mdb.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []types.SessionRecord{}
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read session row: %w", err)
		}
		sessions = append(sessions, *rec)
	}

	return sessions, rows.Err()
}

// Close closes the database connection
func (mdb *MetadataDB) Close() error {
	return mdb.db.Close()
}

// dbTime normalizes timestamps so that text ordering in sqlite is chronological
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.SessionRecord, error) {
	var (
		rec                              types.SessionRecord
		device, artifact, output, gdrive sql.NullString
		startedAt, endedAt               time.Time
	)

	err := row.Scan(&rec.MeetingID, &rec.Title, &device, &startedAt, &endedAt, &rec.WavPath,
		&artifact, &rec.SegmentCount, &rec.PostprocessStatus, &output, &gdrive)
	if err != nil {
		return nil, err
	}

	rec.DeviceID = device.String
	rec.LiveArtifactPath = artifact.String
	rec.PostprocessOutput = output.String
	rec.GDriveURL = gdrive.String
	rec.StartedAt = startedAt
	rec.EndedAt = endedAt
	return &rec, nil
}
