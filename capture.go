package main

import (
	"fmt"
	"image"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"
)

// CameraOptions configures the capture device.
type CameraOptions struct {
	// Device is a camera index ("0") or a file, URL or GStreamer pipeline.
	Device string
	Width  int
	Height int
	FPS    int
}

// openCamera opens the capture device and applies the requested resolution
// and rate. The caller must close the returned capture.
func openCamera(opts CameraOptions) (*gocv.VideoCapture, error) {
	var device interface{} = opts.Device
	if id, err := strconv.Atoi(strings.TrimSpace(opts.Device)); err == nil {
		device = id
	}

	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("failed to open video capture %q: %w", opts.Device, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("video capture %q is not opened", opts.Device)
	}

	if opts.Width > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(opts.Width))
	}
	if opts.Height > 0 {
		capture.Set(gocv.VideoCaptureFrameHeight, float64(opts.Height))
	}
	if opts.FPS > 0 {
		capture.Set(gocv.VideoCaptureFPS, float64(opts.FPS))
	}
	return capture, nil
}

// DetectorOptions are the cascade tunables.
type DetectorOptions struct {
	ScaleFactor  float64
	MinNeighbors int
	MinSize      image.Point
}

// cascadeDetector finds plate regions with a Haar cascade.
type cascadeDetector struct {
	classifier gocv.CascadeClassifier
	opts       DetectorOptions
}

func newCascadeDetector(path string, opts DetectorOptions) (*cascadeDetector, error) {
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(path) {
		classifier.Close()
		return nil, fmt.Errorf("cannot load cascade from %s", path)
	}
	return &cascadeDetector{classifier: classifier, opts: opts}, nil
}

func (d *cascadeDetector) Detect(gray gocv.Mat) []image.Rectangle {
	return d.classifier.DetectMultiScaleWithParams(gray, d.opts.ScaleFactor, d.opts.MinNeighbors, 0, d.opts.MinSize, image.Point{})
}

func (d *cascadeDetector) Close() error {
	return d.classifier.Close()
}

// jpegSink writes plate crops into a directory.
type jpegSink struct {
	dir string
}

// Write saves region as plate_<timestamp>_<id>.jpg. The id keeps names unique
// when several plates are saved within one second.
func (s jpegSink) Write(region gocv.Mat, at time.Time) (string, error) {
	name := fmt.Sprintf("plate_%s_%s.jpg", at.Format("20060102_150405"), uuid.NewString()[:8])
	path := filepath.Join(s.dir, name)
	if !gocv.IMWrite(path, region) {
		return "", fmt.Errorf("failed to write image %s", path)
	}
	return path, nil
}
