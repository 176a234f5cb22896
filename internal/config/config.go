package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPort is the control surface port the tooling expects
const DefaultPort = 9847

// Config represents the application configuration
type Config struct {
	Server struct {
		Port             int    `yaml:"port" validate:"min=1,max=65535"`
		Host             string `yaml:"host" validate:"required"`
		HeartbeatSeconds int    `yaml:"heartbeat_seconds" validate:"min=1"`
	} `yaml:"server"`

	Recording struct {
		RecordingsDir    string        `yaml:"recordings_dir" validate:"required"`
		TempDir          string        `yaml:"temp_dir" validate:"required"`
		FFmpegPath       string        `yaml:"ffmpeg_path" validate:"required"`
		InputFormat      string        `yaml:"input_format"`
		SampleRate       int           `yaml:"sample_rate" validate:"min=8000"`
		ChunkMillis      int           `yaml:"chunk_ms" validate:"min=10,max=1000"`
		PreferredDevices []string      `yaml:"preferred_devices"`
		Devices          []DeviceEntry `yaml:"devices" validate:"dive"`
	} `yaml:"recording"`

	Transcription struct {
		Enabled          bool    `yaml:"enabled"`
		Python           string  `yaml:"python"`
		Script           string  `yaml:"script"`
		Model            string  `yaml:"model"`
		Language         string  `yaml:"language"`
		BufferSeconds    float64 `yaml:"buffer_seconds" validate:"gt=0"`
		VocabPrompt      string  `yaml:"vocab_prompt"`
		StopGraceSeconds int     `yaml:"stop_grace_seconds" validate:"min=1"`
		InputQueueChunks int     `yaml:"input_queue_chunks" validate:"min=1"`
	} `yaml:"transcription"`

	Postprocess struct {
		Enabled   bool   `yaml:"enabled"`
		Python    string `yaml:"python"`
		Script    string `yaml:"script"`
		OutputDir string `yaml:"output_dir"`
		Model     string `yaml:"model"`
		Language  string `yaml:"language"`
		Workers   int    `yaml:"workers" validate:"min=1,max=8"`
	} `yaml:"postprocess"`

	VAD struct {
		ThresholdRMS float64 `yaml:"threshold_rms" validate:"gte=0"`
		SelfCutoff   float64 `yaml:"self_cutoff" validate:"gt=0,lte=1"`
	} `yaml:"vad"`

	Storage struct {
		Database string `yaml:"database" validate:"required"`
	} `yaml:"storage"`

	Cleanup struct {
		IntervalMinutes int `yaml:"interval_minutes" validate:"min=1"`
		MaxAgeHours     int `yaml:"max_age_hours" validate:"min=1"`
	} `yaml:"cleanup"`

	GoogleDrive struct {
		CredentialsFile string `yaml:"credentials_file"`
		TokenFile       string `yaml:"token_file"`
		FolderName      string `yaml:"folder_name"`
	} `yaml:"google_drive"`

	Logging struct {
		Level      string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
	} `yaml:"logging"`
}

// DeviceEntry is a statically configured input device, used when the platform
// listing is unavailable
type DeviceEntry struct {
	ID        string `yaml:"id" validate:"required"`
	Name      string `yaml:"name" validate:"required"`
	Transport string `yaml:"transport"`
	Default   bool   `yaml:"default"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	var c Config

	c.Server.Port = DefaultPort
	c.Server.Host = "127.0.0.1"
	c.Server.HeartbeatSeconds = 15

	c.Recording.RecordingsDir = "~/.config/claudia/recordings"
	c.Recording.TempDir = "~/.config/claudia/recordings/tmp"
	c.Recording.FFmpegPath = "ffmpeg"
	c.Recording.InputFormat = "avfoundation"
	c.Recording.SampleRate = 16000
	c.Recording.ChunkMillis = 100

	c.Transcription.Enabled = true
	c.Transcription.Python = "python3"
	c.Transcription.Script = "scripts/stream_transcribe.py"
	c.Transcription.Model = "mlx-community/whisper-large-v3-turbo"
	c.Transcription.BufferSeconds = 3.0
	c.Transcription.StopGraceSeconds = 5
	c.Transcription.InputQueueChunks = 256

	c.Postprocess.Enabled = true
	c.Postprocess.Python = "python3"
	c.Postprocess.Script = "scripts/postprocess.py"
	c.Postprocess.OutputDir = "~/.config/claudia/recordings"
	c.Postprocess.Workers = 1

	c.VAD.ThresholdRMS = 250
	c.VAD.SelfCutoff = 0.5

	c.Storage.Database = "~/.config/claudia/recordings/sessions.db"

	c.Cleanup.IntervalMinutes = 60
	c.Cleanup.MaxAgeHours = 72

	c.GoogleDrive.CredentialsFile = "config/credentials.json"
	c.GoogleDrive.TokenFile = "config/token.json"
	c.GoogleDrive.FolderName = "Meeting Recordings"

	c.Logging.Level = "info"

	return &c
}

// Load reads the YAML file at path over the defaults, then applies .env and
// RECORDER_* environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(file, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	// .env is optional
	_ = godotenv.Load()

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("RECORDER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("RECORDER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RECORDER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("RECORDER_RECORDINGS_DIR"); v != "" {
		cfg.Recording.RecordingsDir = v
	}
	if v := os.Getenv("RECORDER_FFMPEG"); v != "" {
		cfg.Recording.FFmpegPath = v
	}
	if v := os.Getenv("RECORDER_PREFERRED_DEVICES"); v != "" {
		cfg.Recording.PreferredDevices = splitList(v)
	}
	if v := os.Getenv("RECORDER_PYTHON"); v != "" {
		cfg.Transcription.Python = v
		cfg.Postprocess.Python = v
	}
	if v := os.Getenv("RECORDER_TRANSCRIBE_MODEL"); v != "" {
		cfg.Transcription.Model = v
	}
	if v := os.Getenv("RECORDER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	return nil
}

func (c *Config) expandPaths() error {
	paths := []*string{
		&c.Recording.RecordingsDir,
		&c.Recording.TempDir,
		&c.Postprocess.OutputDir,
		&c.Storage.Database,
		&c.GoogleDrive.CredentialsFile,
		&c.GoogleDrive.TokenFile,
		&c.Logging.File,
	}
	for _, p := range paths {
		expanded, err := ExpandTilde(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

// ExpandTilde replaces a leading ~ with the user's home directory
func ExpandTilde(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
