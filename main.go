// Package main implements a license plate recognizer. It reads frames from a
// camera or video stream, finds plate regions with a Haar cascade, reads
// them with Tesseract OCR under several preprocessing variants, and saves
// confident readings to a SQL store and a CSV export.
//
// The frame loop runs on the main goroutine. While a preview window is shown,
// 'a' toggles auto-save, 's' or space saves the current plate, 'd' toggles
// the statistics overlay and 'q' or Esc quits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
)

// setupLogger configures structured logging based on the specified format
// and level.
func setupLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: level,
	}

	switch format {
	case "kv":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}

// printSummary writes the end-of-session report.
func printSummary(w io.Writer, summary SessionSummary, cfg *Config) {
	fmt.Fprintln(w, "Session summary")
	fmt.Fprintf(w, "  Plates today:    %d\n", summary.Stats.Total)
	fmt.Fprintf(w, "  Unique today:    %d\n", summary.Stats.Unique)
	fmt.Fprintf(w, "  Avg confidence:  %.1f%%\n", summary.Stats.MeanConfidence*100)
	fmt.Fprintf(w, "  Saved (session): %d auto, %d manual\n", summary.Metrics.AutoSaved, summary.Metrics.ManualSaved)
	fmt.Fprintf(w, "  Frames:          %d\n", summary.Metrics.FramesCaptured)
	fmt.Fprintf(w, "  Average FPS:     %.1f\n", summary.FPS)
	fmt.Fprintf(w, "  Uptime:          %v\n", summary.Metrics.Uptime.Round(time.Second))
	fmt.Fprintf(w, "  Images:          %s\n", cfg.ImageDir)
	fmt.Fprintf(w, "  Export:          %s\n", cfg.ExportFile)
	if cfg.DBDriver == "sqlite" {
		fmt.Fprintf(w, "  Store:           %s\n", cfg.DBDSN)
	} else {
		fmt.Fprintf(w, "  Store:           %s\n", cfg.DBDriver)
	}
}

// validationFailed prints every configuration problem as a list.
func validationFailed(w io.Writer, err error) {
	fmt.Fprintln(w, "Configuration errors:")
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		for _, e := range joined.Unwrap() {
			fmt.Fprintf(w, "  - %v\n", e)
		}
		return
	}
	fmt.Fprintf(w, "  - %v\n", err)
}

func ensureDirs(dirs []string) error {
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// maintainStore applies the startup retention policy.
func maintainStore(ctx context.Context, store *Store, cfg *Config, logger *slog.Logger) {
	removed, err := store.Prune(ctx, cfg.MaxRecords)
	if err != nil {
		logger.Warn("Failed to prune store", "error", err)
	} else if removed > 0 {
		logger.Info("Pruned old plates", "removed", removed, "max_records", cfg.MaxRecords)
	}

	if cfg.VacuumOnStart {
		if err := store.Vacuum(ctx); err != nil {
			logger.Warn("Failed to vacuum store", "error", err)
		}
	}
}

// finishStore runs the exit-time backup and statistics snapshot. It uses a
// fresh context because the run context is usually cancelled by then.
func finishStore(store *Store, cfg *Config, stats Statistics, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cfg.SnapshotStatistics {
		if err := store.SnapshotStatistics(ctx, time.Now(), stats); err != nil {
			logger.Warn("Failed to snapshot statistics", "error", err)
		}
	}

	if cfg.BackupOnExit {
		path := filepath.Join(cfg.BackupDir, fmt.Sprintf("plates_backup_%s.db", time.Now().Format("20060102_150405")))
		switch err := store.Backup(ctx, path); {
		case errors.Is(err, errBackupUnsupported):
			logger.Debug("Store backup skipped", "driver", cfg.DBDriver)
		case err != nil:
			logger.Warn("Failed to back up store", "error", err)
		default:
			logger.Info("Store backed up", "path", path)
		}
	}
}

func run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	if err := ensureDirs(cfg.dataDirs()); err != nil {
		return err
	}

	store, err := OpenStore(ctx, cfg.storeOptions(), logger)
	if err != nil {
		return err
	}
	defer store.Close()
	maintainStore(ctx, store, cfg, logger)

	detector, err := newCascadeDetector(cfg.CascadePath, cfg.detectorOptions())
	if err != nil {
		return err
	}
	defer detector.Close()

	engine, err := newTesseractEngine(cfg.Language, cfg.TessdataPrefix)
	if err != nil {
		return err
	}
	defer engine.Close()

	var publisher PlatePublisher
	if cfg.MQTT.Broker != "" {
		p, err := newMQTTPublisher(cfg.publisherOptions(), logger)
		if err != nil {
			return err
		}
		defer p.Close()
		publisher = p
	}

	camera, err := openCamera(cfg.cameraOptions())
	if err != nil {
		return err
	}
	defer camera.Close()

	var display Display = headlessDisplay{}
	if !cfg.Headless {
		display = newWindowDisplay("License Plate Recognition")
	}
	defer display.Close()

	metrics := &SessionMetrics{}
	gateway := NewGateway(store, NewCSVExport(cfg.ExportFile), nil, logger)
	fusion := NewFusion(engine, DefaultVariants(), cfg.fusionOptions(), metrics, logger)

	processor := NewProcessor(cfg.processorOptions(), ProcessorDeps{
		Source:      camera,
		Detector:    detector,
		Reader:      fusion,
		Rules:       cfg.plateRules(),
		Duplicates:  NewDuplicateTracker(cfg.DuplicateWindow, nil),
		Performance: NewPerformanceTracker(cfg.PerformanceBufferSize),
		Recorder:    gateway,
		Images:      jpegSink{dir: cfg.ImageDir},
		Publisher:   publisher,
		Display:     display,
		Metrics:     metrics,
	}, nil, logger)

	logger.Info("Plate recognizer started", "auto_save", processor.AutoSave(), "overlay", processor.OverlayEnabled())

	runErr := processor.Run(ctx)
	if errors.Is(runErr, ErrCaptureEnded) {
		logger.Info("Capture ended", "frames", processor.FrameCount())
		runErr = nil
	}

	summary := processor.Summary(context.Background())
	printSummary(os.Stdout, summary, cfg)
	logger.Info("Session finished", append(summary.Metrics.LogAttrs(),
		"plates_today", summary.Stats.Total,
		"unique_today", summary.Stats.Unique,
		"fps", summary.FPS)...)

	finishStore(store, cfg, summary.Stats, logger)
	return runErr
}

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing configuration: %v\n", err)
		os.Exit(2)
	}

	if err := cfg.Validate(); err != nil {
		validationFailed(os.Stderr, err)
		os.Exit(1)
	}

	level, _ := parseLevel(cfg.LogLevel)
	logger := setupLogger(os.Stdout, cfg.LogFormat, level)
	slog.SetDefault(logger)

	logger.Info("Starting plate recognizer", cfg.logAttrs()...)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Received shutdown signal, stopping...")
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Plate recognizer failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Plate recognizer stopped")
}
