package main

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"time"

	"gocv.io/x/gocv"
)

// ErrCaptureEnded is returned by Processor.Run when the frame source stops
// yielding frames.
var ErrCaptureEnded = errors.New("frame source returned no frame")

// FrameSource is the capture device collaborator. *gocv.VideoCapture
// satisfies it.
type FrameSource interface {
	Read(dst *gocv.Mat) bool
	Close() error
}

// RegionDetector proposes plate regions in a grayscale frame.
type RegionDetector interface {
	Detect(gray gocv.Mat) []image.Rectangle
}

// PlateReader turns a plate region into a single reading. *Fusion satisfies it.
type PlateReader interface {
	Extract(region gocv.Mat) Reading
}

// Recorder persists plates and serves daily statistics. *Gateway satisfies it.
type Recorder interface {
	Save(ctx context.Context, rec PlateRecord) error
	DailyStatistics(ctx context.Context) Statistics
}

// ImageSink stores the crop of a saved plate and returns where it went.
type ImageSink interface {
	Write(region gocv.Mat, at time.Time) (string, error)
}

// PlatePublisher announces saved plates to other systems.
type PlatePublisher interface {
	Publish(ctx context.Context, rec PlateRecord) error
}

// Tier is the acceptance level a reading reached, used for rendering.
type Tier int

const (
	// TierLow is below the display confidence threshold.
	TierLow Tier = iota
	// TierAccepted meets the display confidence threshold.
	TierAccepted
	// TierAutoSave meets the auto-save threshold.
	TierAutoSave
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierAccepted:
		return "accepted"
	case TierAutoSave:
		return "auto"
	default:
		return "unknown"
	}
}

// ProcessorOptions holds the subset of configuration used by the frame loop.
type ProcessorOptions struct {
	MinArea             int
	MaxArea             int
	ConfidenceThreshold float64
	AutoSaveThreshold   float64
	FrameSkip           int
	AutoSave            bool
	ShowOverlay         bool
	DuplicateCheck      bool
	MaxDetectionTime    time.Duration
	MetricsInterval     time.Duration
}

// ProcessorDeps are the collaborators of a Processor. Publisher may be nil.
type ProcessorDeps struct {
	Source      FrameSource
	Detector    RegionDetector
	Reader      PlateReader
	Rules       PlateRules
	Duplicates  *DuplicateTracker
	Performance *PerformanceTracker
	Recorder    Recorder
	Images      ImageSink
	Publisher   PlatePublisher
	Display     Display
	Metrics     *SessionMetrics
}

// Processor is the detection decision loop. It runs one frame at a time on
// the calling goroutine: every region found in a frame is fused, validated,
// rendered and, when auto-save applies, checked against the duplicate window
// and persisted. Commands read after a frame take effect from the next frame.
type Processor struct {
	opts ProcessorOptions
	deps ProcessorDeps

	autoSave    bool
	showOverlay bool
	frameCount  int64

	reporter *metricsReporter
	now      func() time.Time
	logger   *slog.Logger
}

// NewProcessor creates a Processor. now may be nil.
func NewProcessor(opts ProcessorOptions, deps ProcessorDeps, now func() time.Time, logger *slog.Logger) *Processor {
	if now == nil {
		now = time.Now
	}
	if opts.FrameSkip < 1 {
		opts.FrameSkip = 1
	}
	if deps.Metrics == nil {
		deps.Metrics = &SessionMetrics{}
	}
	if deps.Duplicates == nil {
		deps.Duplicates = NewDuplicateTracker(0, now)
	}
	start := now()
	deps.Metrics.Start(start)

	return &Processor{
		opts:        opts,
		deps:        deps,
		autoSave:    opts.AutoSave,
		showOverlay: opts.ShowOverlay,
		reporter:    newMetricsReporter(opts.MetricsInterval, start, logger),
		now:         now,
		logger:      logger,
	}
}

// Run processes frames until the context is cancelled, a quit command is
// received or the source stops yielding frames. Cancellation is checked
// before each capture; a frame already being processed is finished first.
func (p *Processor) Run(ctx context.Context) error {
	frame := gocv.NewMat()
	defer frame.Close()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Frame loop stopped", "reason", context.Cause(ctx))
			return nil
		default:
		}

		start := p.now()
		if !p.deps.Source.Read(&frame) || frame.Empty() {
			return ErrCaptureEnded
		}

		if cmd := p.Step(ctx, frame, start); cmd == CommandQuit {
			p.logger.Info("Frame loop stopped", "reason", "quit command")
			return nil
		}
	}
}

// Step processes one captured frame that started at start and returns the
// command read from the display afterwards.
func (p *Processor) Step(ctx context.Context, frame gocv.Mat, start time.Time) Command {
	p.frameCount++
	p.deps.Metrics.framesCaptured.Add(1)

	canvas := frame.Clone()
	defer canvas.Close()

	var regions []image.Rectangle
	detect := p.frameCount%int64(p.opts.FrameSkip) == 0
	if detect {
		regions = p.detectRegions(frame)
		for _, region := range regions {
			p.processRegion(ctx, frame, &canvas, region)
		}
		if p.showOverlay {
			p.deps.Display.DrawOverlay(&canvas, Overlay{
				Stats:    p.deps.Recorder.DailyStatistics(ctx),
				FPS:      p.deps.Performance.FPS(),
				AutoSave: p.autoSave,
			})
		}
	} else {
		p.deps.Metrics.framesSkipped.Add(1)
	}

	cmd := p.deps.Display.Show(canvas)

	now := p.now()
	elapsed := now.Sub(start)
	p.deps.Performance.Record(elapsed)
	if detect && p.opts.MaxDetectionTime > 0 && elapsed > p.opts.MaxDetectionTime {
		p.deps.Metrics.slowFrames.Add(1)
		p.logger.Warn("Frame exceeded detection time budget",
			"frame_index", p.frameCount,
			"elapsed", elapsed,
			"budget", p.opts.MaxDetectionTime,
			"regions", len(regions))
	}
	p.reporter.maybeReport(now, p.deps.Metrics, p.deps.Performance.FPS(), p.deps.Duplicates.Len())

	p.handleCommand(ctx, cmd, frame, regions)
	return cmd
}

// detectRegions returns the detector's regions that pass the area filter,
// clipped to the frame.
func (p *Processor) detectRegions(frame gocv.Mat) []image.Rectangle {
	gray, err := toGray(frame)
	if err != nil {
		p.logger.Warn("Failed to convert frame to grayscale", "frame_index", p.frameCount, "error", err)
		return nil
	}
	defer gray.Close()

	bounds := image.Rect(0, 0, frame.Cols(), frame.Rows())
	var kept []image.Rectangle
	for _, r := range p.deps.Detector.Detect(gray) {
		p.deps.Metrics.regionsDetected.Add(1)

		area := r.Dx() * r.Dy()
		if area < p.opts.MinArea || area > p.opts.MaxArea {
			p.deps.Metrics.regionsOutOfArea.Add(1)
			continue
		}

		r = r.Intersect(bounds)
		if r.Empty() {
			continue
		}
		kept = append(kept, r)
	}
	return kept
}

func (p *Processor) processRegion(ctx context.Context, frame gocv.Mat, canvas *gocv.Mat, rect image.Rectangle) {
	region := frame.Region(rect)
	defer region.Close()

	reading, took := p.read(region)
	if !p.deps.Rules.Validate(reading.Text) {
		p.deps.Metrics.readingsRejected.Add(1)
		return
	}

	p.deps.Display.DrawDetection(canvas, rect, reading, p.tier(reading.Confidence))

	if !p.autoSave || reading.Confidence < p.opts.AutoSaveThreshold {
		return
	}
	if p.isDuplicate(reading.Text) {
		return
	}
	p.persist(ctx, region, reading, took, OriginAuto)
}

// read runs fusion on the region and measures how long it took.
func (p *Processor) read(region gocv.Mat) (Reading, time.Duration) {
	start := p.now()
	reading := p.deps.Reader.Extract(region)
	return reading, p.now().Sub(start)
}

func (p *Processor) tier(confidence float64) Tier {
	switch {
	case confidence >= p.opts.AutoSaveThreshold:
		return TierAutoSave
	case confidence >= p.opts.ConfidenceThreshold:
		return TierAccepted
	default:
		return TierLow
	}
}

func (p *Processor) isDuplicate(text string) bool {
	if !p.opts.DuplicateCheck {
		return false
	}
	if p.deps.Duplicates.IsDuplicate(text) {
		p.deps.Metrics.duplicates.Add(1)
		p.logger.Debug("Duplicate plate suppressed", "plate", text)
		return true
	}
	return false
}

// persist writes the crop and the record. It reports whether the save fully
// succeeded.
func (p *Processor) persist(ctx context.Context, region gocv.Mat, reading Reading, took time.Duration, origin Origin) bool {
	at := p.now()

	imagePath, err := p.deps.Images.Write(region, at)
	if err != nil {
		p.logger.Warn("Failed to write plate image", "plate", reading.Text, "error", err)
		imagePath = ""
	}

	rec := PlateRecord{
		Timestamp:      at,
		Plate:          reading.Text,
		Confidence:     reading.Confidence,
		ImagePath:      imagePath,
		Origin:         origin,
		ProcessingTime: took,
		Method:         reading.Method,
	}

	if err := p.deps.Recorder.Save(ctx, rec); err != nil {
		p.deps.Metrics.saveFailures.Add(1)
		p.logger.Error("Failed to save plate",
			"plate", rec.Plate,
			"origin", rec.Origin,
			"stored", !errors.Is(err, ErrStoreFailed),
			"error", err)
		return false
	}

	if origin == OriginAuto {
		p.deps.Metrics.autoSaved.Add(1)
	} else {
		p.deps.Metrics.manualSaved.Add(1)
	}
	p.logger.Info("Plate saved",
		"plate", rec.Plate,
		"confidence", rec.Confidence,
		"method", rec.Method,
		"origin", rec.Origin,
		"image_path", rec.ImagePath,
		"processing_time", took)

	if p.deps.Publisher != nil {
		if err := p.deps.Publisher.Publish(ctx, rec); err != nil {
			p.logger.Warn("Failed to publish plate", "plate", rec.Plate, "error", err)
		}
	}
	return true
}

func (p *Processor) handleCommand(ctx context.Context, cmd Command, frame gocv.Mat, regions []image.Rectangle) {
	switch cmd {
	case CommandToggleAutoSave:
		p.autoSave = !p.autoSave
		p.logger.Info("Auto-save toggled", "enabled", p.autoSave)
	case CommandToggleOverlay:
		p.showOverlay = !p.showOverlay
		p.logger.Debug("Overlay toggled", "enabled", p.showOverlay)
	case CommandManualSave:
		p.manualSave(ctx, frame, regions)
	}
}

// manualSave saves the first region of the current frame. regions is the
// output of detectRegions, so it already passed the area filter. Frames on
// which detection did not run have no regions, so the command is a no-op there.
func (p *Processor) manualSave(ctx context.Context, frame gocv.Mat, regions []image.Rectangle) {
	if len(regions) == 0 {
		p.logger.Info("Manual save ignored", "reason", "no plate region in frame", "frame_index", p.frameCount)
		return
	}

	region := frame.Region(regions[0])
	defer region.Close()

	reading, took := p.read(region)
	if !p.deps.Rules.Validate(reading.Text) {
		p.logger.Info("Manual save ignored", "reason", "no valid plate text", "text", reading.Text)
		return
	}
	if p.isDuplicate(reading.Text) {
		p.logger.Info("Manual save ignored", "reason", "duplicate", "plate", reading.Text)
		return
	}
	p.persist(ctx, region, reading, took, OriginManual)
}

// AutoSave reports whether auto-save is currently enabled.
func (p *Processor) AutoSave() bool {
	return p.autoSave
}

// OverlayEnabled reports whether the statistics overlay is drawn.
func (p *Processor) OverlayEnabled() bool {
	return p.showOverlay
}

// FrameCount returns the number of frames processed so far.
func (p *Processor) FrameCount() int64 {
	return p.frameCount
}

// SessionSummary is the end-of-session report.
type SessionSummary struct {
	Stats   Statistics
	FPS     float64
	Metrics MetricsSnapshot
}

// Summary collects the final statistics and performance state.
func (p *Processor) Summary(ctx context.Context) SessionSummary {
	return SessionSummary{
		Stats:   p.deps.Recorder.DailyStatistics(ctx),
		FPS:     p.deps.Performance.FPS(),
		Metrics: p.deps.Metrics.Snapshot(p.now()),
	}
}
