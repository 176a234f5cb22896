package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/codebuildervaibhav/meeting-recorder/internal/audio"
	"github.com/codebuildervaibhav/meeting-recorder/internal/cleanup"
	"github.com/codebuildervaibhav/meeting-recorder/internal/config"
	"github.com/codebuildervaibhav/meeting-recorder/internal/handlers"
	"github.com/codebuildervaibhav/meeting-recorder/internal/logging"
	"github.com/codebuildervaibhav/meeting-recorder/internal/queue"
	"github.com/codebuildervaibhav/meeting-recorder/internal/recorder"
	"github.com/codebuildervaibhav/meeting-recorder/internal/storage"
	"github.com/codebuildervaibhav/meeting-recorder/internal/telemetry"
	"github.com/codebuildervaibhav/meeting-recorder/internal/transcription"
	"github.com/codebuildervaibhav/meeting-recorder/internal/vad"
)

const version = "1.0.0"

func main() {
	cfgPath := "config/config.yaml"
	if v := os.Getenv("RECORDER_CONFIG"); v != "" {
		cfgPath = v
	}

	// Load configuration
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logBuffer := logging.NewLogBuffer(1000)
	logger, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	}, logBuffer)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Ensure directories exist
	if err := cleanup.EnsureDir(cfg.Recording.TempDir); err != nil {
		logger.Fatalf("Failed to create temp directory: %v", err)
	}
	localStorage := storage.NewLocalStorage(cfg.Recording.RecordingsDir)
	if err := localStorage.EnsureDir(); err != nil {
		logger.Fatalf("Failed to create recordings directory: %v", err)
	}

	logger.Info("Initializing components...")

	metrics := telemetry.New("meeting_recorder")

	// Database
	db, err := storage.NewMetadataDB(cfg.Storage.Database)
	if err != nil {
		logger.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	// Post-processing worker pool
	poolOpts := queue.PoolOptions{
		Workers: cfg.Postprocess.Workers,
		Index:   db,
		Metrics: metrics,
		Logger:  logger.Named("queue"),
	}
	if cfg.Postprocess.Enabled {
		poolOpts.PostProcessor = transcription.NewPostProcessor(transcription.PostProcessOptions{
			Python:    cfg.Postprocess.Python,
			Script:    cfg.Postprocess.Script,
			OutputDir: cfg.Postprocess.OutputDir,
			Model:     cfg.Postprocess.Model,
			Language:  cfg.Postprocess.Language,
			Logger:    logger.Named("postprocess"),
		})
	} else {
		logger.Info("Post-processing disabled")
	}
	if driveClient := newDriveClient(cfg, logger); driveClient != nil {
		poolOpts.Uploader = driveClient
	}
	workerPool := queue.NewWorkerPool(poolOpts)
	workerPool.Start()

	// Cleanup scheduler for worker diagnostics
	cleanupScheduler := cleanup.NewScheduler(
		cfg.Recording.TempDir,
		"*.log",
		time.Duration(cfg.Cleanup.IntervalMinutes)*time.Minute,
		time.Duration(cfg.Cleanup.MaxAgeHours)*time.Hour,
		logger.Named("cleanup"),
	)
	cleanupScheduler.Start()
	defer cleanupScheduler.Stop()

	// Recorder
	recOpts := recorder.Options{
		Directory: audio.FallbackDirectory{
			&audio.FFmpegDirectory{FFmpegPath: cfg.Recording.FFmpegPath},
			staticDevices(cfg),
		},
		NewSource: func() audio.Source {
			return audio.NewFFmpegSource(audio.FFmpegOptions{
				FFmpegPath:  cfg.Recording.FFmpegPath,
				InputFormat: cfg.Recording.InputFormat,
				SampleRate:  cfg.Recording.SampleRate,
				ChunkMillis: cfg.Recording.ChunkMillis,
				LogDir:      cfg.Recording.TempDir,
				Logger:      logger.Named("capture"),
			})
		},
		NewCorrelator: func() recorder.Correlator {
			return vad.NewEnergyCorrelator(cfg.Recording.SampleRate, cfg.VAD.ThresholdRMS)
		},
		Storage:          localStorage,
		Index:            db,
		Jobs:             workerPool,
		PreferredDevices: cfg.Recording.PreferredDevices,
		HeartbeatEvery:   time.Duration(cfg.Server.HeartbeatSeconds) * time.Second,
		StopGrace:        time.Duration(cfg.Transcription.StopGraceSeconds) * time.Second,
		SelfCutoff:       cfg.VAD.SelfCutoff,
		Metrics:          metrics,
		Logger:           logger.Named("recorder"),
	}
	if cfg.Transcription.Enabled {
		recOpts.Launcher = transcription.NewWhisperLauncher(transcription.WhisperOptions{
			Python:        cfg.Transcription.Python,
			Script:        cfg.Transcription.Script,
			Model:         cfg.Transcription.Model,
			Language:      cfg.Transcription.Language,
			BufferSeconds: cfg.Transcription.BufferSeconds,
			VocabPrompt:   cfg.Transcription.VocabPrompt,
			QueueChunks:   cfg.Transcription.InputQueueChunks,
			SampleRate:    cfg.Recording.SampleRate,
			LogDir:        cfg.Recording.TempDir,
			Metrics:       metrics,
			Logger:        logger.Named("transcribe"),
		})
	} else {
		logger.Info("Live transcription disabled, sessions will record audio only")
	}
	rec := recorder.New(recOpts)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:               "meeting-recorder",
		DisableStartupMessage: true,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))

	// Initialize handlers
	controlHandler := handlers.NewControlHandler(rec, version, logger.Named("http"))
	liveHandler := handlers.NewLiveHandler(rec, logger.Named("live"))
	streamHandler := handlers.NewStreamHandler(rec, logger.Named("ws"))
	sessionsHandler := handlers.NewSessionsHandler(db, logger.Named("http"))

	// Routes
	app.Get("/health", controlHandler.Health)
	app.Post("/start", controlHandler.Start)
	app.Post("/stop", controlHandler.Stop)
	app.Get("/status", controlHandler.Status)
	app.Get("/devices", controlHandler.Devices)
	app.Get("/live", liveHandler.Handle)

	// WebSocket route
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/live", websocket.New(streamHandler.Handle))

	app.Get("/sessions", sessionsHandler.List)
	app.Get("/sessions/:id", sessionsHandler.Get)

	// Get server logs
	app.Get("/logs", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"logs": logBuffer.GetLogs(),
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	// Start server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.Infof("Meeting recorder %s listening on %s", version, addr)
	logger.Info("Endpoints:")
	logger.Info("   POST /start         - Start recording a meeting")
	logger.Info("   POST /stop          - Stop the active recording")
	logger.Info("   GET  /status        - Active session summary")
	logger.Info("   GET  /live          - Live transcript (server-sent events)")
	logger.Info("   GET  /ws/live       - Live transcript (WebSocket)")
	logger.Info("   GET  /devices       - Audio input devices")
	logger.Info("   GET  /sessions      - Recorded sessions")
	logger.Info("   GET  /sessions/:id  - Live artifact of a session")
	logger.Info("   GET  /logs          - View server logs")
	logger.Info("   GET  /metrics       - Prometheus metrics")
	logger.Info("   GET  /health        - Health check")

	// Graceful shutdown
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		logger.Info("Shutting down gracefully...")
		shutdown(rec, workerPool, app, logger)
	}()

	if err := app.Listen(addr); err != nil {
		// the port is taken or the host is invalid; no session was started
		logger.Errorf("Server failed: %v", err)
		logger.Sync()
		os.Exit(1)
	}
}

// shutdown finalizes an active session before the pool drains and the
// listener closes
func shutdown(rec *recorder.Recorder, pool *queue.WorkerPool, app *fiber.App, logger *zap.SugaredLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if path, err := rec.Stop(ctx); err != nil {
		logger.Errorf("Failed to finalize active session: %v", err)
	} else if path != "" {
		logger.Infof("Finalized active session, audio at %s", path)
	}

	if err := pool.Shutdown(ctx); err != nil {
		logger.Warnf("Post-processing did not drain: %v", err)
	}

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Warnf("HTTP shutdown: %v", err)
	}
}

// newDriveClient returns nil when Drive archiving is not set up
func newDriveClient(cfg *config.Config, logger *zap.SugaredLogger) *storage.DriveClient {
	if _, err := os.Stat(cfg.GoogleDrive.CredentialsFile); err != nil {
		logger.Info("Google Drive credentials not found - saving locally only")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	driveClient, err := storage.NewDriveClient(ctx,
		cfg.GoogleDrive.CredentialsFile,
		cfg.GoogleDrive.TokenFile,
		cfg.GoogleDrive.FolderName,
	)
	if errors.Is(err, storage.ErrNoToken) {
		logger.Warn("Google Drive token missing, run `recorderctl drive-auth` to enable uploads")
		return nil
	}
	if err != nil {
		logger.Warnf("Google Drive not available: %v", err)
		logger.Info("Artifacts will only be saved locally")
		return nil
	}

	logger.Info("Google Drive integration enabled")
	return driveClient
}

func staticDevices(cfg *config.Config) audio.StaticDirectory {
	devices := make(audio.StaticDirectory, 0, len(cfg.Recording.Devices))
	for _, d := range cfg.Recording.Devices {
		transport := d.Transport
		if transport == "" {
			transport = audio.GuessTransport(d.Name)
		}
		devices = append(devices, audio.Device{
			ID:        d.ID,
			Name:      d.Name,
			Transport: transport,
			IsDefault: d.Default,
		})
	}
	return devices
}
