package main

import (
	"fmt"
	"image"
	"log/slog"
	"strings"

	"gocv.io/x/gocv"
)

// plateAlphabet is the character whitelist handed to the OCR engine and the
// only characters a valid plate may contain.
const plateAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Reading is the OCR result chosen for a single plate region.
type Reading struct {
	// Text is the uppercased plate text with all whitespace removed.
	Text string

	// Confidence is the mean token confidence scaled to 0.0-1.0.
	Confidence float64

	// Method names the preprocessing variant that produced the reading.
	Method string
}

// NoReading is returned by Fusion when no variant/layout combination produced
// usable text.
var NoReading = Reading{Method: "None"}

// Token is one word-level output of the OCR engine. Confidence is on the
// engine's 0-100 scale; -1 means the engine does not consider it text.
type Token struct {
	Text       string
	Confidence float64
}

// Layout is the page layout assumption the OCR engine is run under.
type Layout int

const (
	// LayoutSingleLine treats the region as a single line of text.
	LayoutSingleLine Layout = iota
	// LayoutSingleWord treats the region as a single word.
	LayoutSingleWord
	// LayoutRawLine treats the region as a single raw line, bypassing
	// Tesseract-specific layout hacks.
	LayoutRawLine
)

// String returns the configuration name of the layout.
func (l Layout) String() string {
	switch l {
	case LayoutSingleLine:
		return "single_line"
	case LayoutSingleWord:
		return "single_word"
	case LayoutRawLine:
		return "raw_line"
	default:
		return "unknown"
	}
}

// ParseLayout converts a configuration name into a Layout.
func ParseLayout(name string) (Layout, error) {
	switch strings.TrimSpace(strings.ToLower(name)) {
	case "single_line", "line", "7":
		return LayoutSingleLine, nil
	case "single_word", "word", "8":
		return LayoutSingleWord, nil
	case "raw_line", "raw", "13":
		return LayoutRawLine, nil
	default:
		return 0, fmt.Errorf("unknown OCR layout %q", name)
	}
}

// TextRecognizer is the OCR engine collaborator. Implementations must
// restrict recognition to plateAlphabet.
type TextRecognizer interface {
	Recognize(img gocv.Mat, layout Layout) ([]Token, error)
}

// Variant is a named preprocessing transform applied to a plate region before
// OCR. Apply returns a new Mat that the caller must close.
type Variant struct {
	Name  string
	Apply func(src gocv.Mat) (gocv.Mat, error)
}

// DefaultVariants returns the preprocessing variants in enumeration order.
// The order matters: on equal confidence the earlier variant wins.
func DefaultVariants() []Variant {
	return []Variant{
		{Name: "Adaptive", Apply: adaptiveThreshold},
		{Name: "Otsu", Apply: otsuThreshold},
		{Name: "CLAHE", Apply: claheThreshold},
	}
}

// FusionOptions holds the subset of configuration used by Fusion.
type FusionOptions struct {
	// MinLength discards readings shorter than this many characters.
	MinLength int

	// Layouts are tried in order for every variant.
	Layouts []Layout
}

// Fusion runs every preprocessing variant under every layout and keeps the
// reading with the highest confidence.
//
// Each variant/layout combination is independent: an error or panic in one of
// them is logged, counted and skipped without affecting the others. When no
// combination yields text of at least MinLength characters, Extract returns
// NoReading.
type Fusion struct {
	engine   TextRecognizer
	variants []Variant
	opts     FusionOptions
	metrics  *SessionMetrics
	logger   *slog.Logger
}

// NewFusion creates a Fusion over the given engine and variants. metrics may be nil.
func NewFusion(engine TextRecognizer, variants []Variant, opts FusionOptions, metrics *SessionMetrics, logger *slog.Logger) *Fusion {
	if len(opts.Layouts) == 0 {
		opts.Layouts = []Layout{LayoutSingleLine, LayoutSingleWord}
	}
	return &Fusion{
		engine:   engine,
		variants: variants,
		opts:     opts,
		metrics:  metrics,
		logger:   logger,
	}
}

// Extract returns the best reading for the region, or NoReading.
func (f *Fusion) Extract(region gocv.Mat) Reading {
	if region.Empty() {
		return NoReading
	}

	best := NoReading
	found := false

	for _, variant := range f.variants {
		processed, err := f.preprocess(variant, region)
		if err != nil {
			f.recordError(variant.Name, "", err)
			continue
		}

		for _, layout := range f.opts.Layouts {
			tokens, err := f.recognize(processed, layout)
			if err != nil {
				f.recordError(variant.Name, layout.String(), err)
				continue
			}

			reading, ok := readingFromTokens(tokens, variant.Name, f.opts.MinLength)
			if !ok {
				continue
			}

			// Strictly greater keeps the earliest combination on ties.
			if !found || reading.Confidence > best.Confidence {
				best = reading
				found = true
			}
		}

		processed.Close()
	}

	return best
}

func (f *Fusion) preprocess(variant Variant, region gocv.Mat) (dst gocv.Mat, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("preprocess panic: %v", r)
		}
	}()
	return variant.Apply(region)
}

func (f *Fusion) recognize(img gocv.Mat, layout Layout) (tokens []Token, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recognize panic: %v", r)
		}
	}()
	return f.engine.Recognize(img, layout)
}

func (f *Fusion) recordError(variant, layout string, err error) {
	if f.metrics != nil {
		f.metrics.recognitionErrors.Add(1)
	}
	f.logger.Debug("Recognition attempt failed",
		"variant", variant,
		"layout", layout,
		"error", err)
}

// readingFromTokens joins the tokens with positive confidence into a plate
// candidate. It reports false when the cleaned text is shorter than minLength.
func readingFromTokens(tokens []Token, method string, minLength int) (Reading, bool) {
	var text strings.Builder
	var total float64
	var count int

	for _, token := range tokens {
		if token.Confidence <= 0 {
			continue
		}
		text.WriteString(token.Text)
		total += token.Confidence
		count++
	}

	cleaned := strings.ToUpper(strings.Join(strings.Fields(text.String()), ""))
	if cleaned == "" || len(cleaned) < minLength {
		return Reading{}, false
	}

	confidence := total / float64(count) / 100
	if confidence > 1 {
		confidence = 1
	}

	return Reading{Text: cleaned, Confidence: confidence, Method: method}, true
}

// PlateRules is the shape check applied to fused text before it is acted on.
type PlateRules struct {
	MinLength int
	MaxLength int
}

// Validate reports whether text is a well-formed plate: its length lies within
// [MinLength, MaxLength] and it consists only of uppercase ASCII letters and digits.
func (r PlateRules) Validate(text string) bool {
	if len(text) < r.MinLength || len(text) > r.MaxLength {
		return false
	}
	for i := 0; i < len(text); i++ {
		c := text[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// toGray returns a single-channel copy of src.
func toGray(src gocv.Mat) (gocv.Mat, error) {
	if src.Empty() {
		return gocv.Mat{}, fmt.Errorf("empty region")
	}

	gray := gocv.NewMat()
	switch src.Channels() {
	case 1:
		src.CopyTo(&gray)
	case 3:
		gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	case 4:
		gocv.CvtColor(src, &gray, gocv.ColorBGRAToGray)
	default:
		gray.Close()
		return gocv.Mat{}, fmt.Errorf("unsupported channel count %d", src.Channels())
	}
	return gray, nil
}

// adaptiveThreshold applies a Gaussian-weighted local threshold, which copes
// with uneven lighting across the plate.
func adaptiveThreshold(src gocv.Mat) (gocv.Mat, error) {
	gray, err := toGray(src)
	if err != nil {
		return gray, err
	}
	defer gray.Close()

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Pt(5, 5), 0, 0, gocv.BorderDefault)

	thresholded := gocv.NewMat()
	gocv.AdaptiveThreshold(blurred, &thresholded, 255, gocv.AdaptiveThresholdGaussian, gocv.ThresholdBinary, 11, 2)
	return thresholded, nil
}

// otsuThreshold applies a single global threshold chosen by Otsu's method.
func otsuThreshold(src gocv.Mat) (gocv.Mat, error) {
	gray, err := toGray(src)
	if err != nil {
		return gray, err
	}
	defer gray.Close()

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Pt(5, 5), 0, 0, gocv.BorderDefault)

	thresholded := gocv.NewMat()
	gocv.Threshold(blurred, &thresholded, 0, 255, gocv.ThresholdBinary|gocv.ThresholdOtsu)
	return thresholded, nil
}

// claheThreshold equalizes contrast locally before an Otsu threshold.
func claheThreshold(src gocv.Mat) (gocv.Mat, error) {
	gray, err := toGray(src)
	if err != nil {
		return gray, err
	}
	defer gray.Close()

	clahe := gocv.NewCLAHEWithParams(2.0, image.Pt(8, 8))
	defer clahe.Close()

	enhanced := gocv.NewMat()
	defer enhanced.Close()
	clahe.Apply(gray, &enhanced)

	thresholded := gocv.NewMat()
	gocv.Threshold(enhanced, &thresholded, 0, 255, gocv.ThresholdBinary|gocv.ThresholdOtsu)
	return thresholded, nil
}
