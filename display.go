package main

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

// Command is a discrete user input consumed once per frame.
type Command int

const (
	CommandNone Command = iota
	CommandToggleAutoSave
	CommandManualSave
	CommandToggleOverlay
	CommandQuit
)

// String returns the command name.
func (c Command) String() string {
	switch c {
	case CommandNone:
		return "none"
	case CommandToggleAutoSave:
		return "toggle_auto_save"
	case CommandManualSave:
		return "manual_save"
	case CommandToggleOverlay:
		return "toggle_overlay"
	case CommandQuit:
		return "quit"
	default:
		return "unknown"
	}
}

// commandForKey maps a key code from gocv.Window.WaitKey to a command.
// WaitKey returns -1 when no key was pressed.
func commandForKey(key int) Command {
	if key < 0 {
		return CommandNone
	}
	switch key & 0xFF {
	case 'a', 'A':
		return CommandToggleAutoSave
	case 's', 'S', ' ':
		return CommandManualSave
	case 'd', 'D':
		return CommandToggleOverlay
	case 'q', 'Q', 27:
		return CommandQuit
	default:
		return CommandNone
	}
}

// Overlay is the content of the statistics panel.
type Overlay struct {
	Stats    Statistics
	FPS      float64
	AutoSave bool
}

// Lines returns the overlay rows in display order.
func (o Overlay) Lines() []string {
	mode := "MANUAL"
	if o.AutoSave {
		mode = "AUTO"
	}
	return []string{
		"PLATE RECOGNITION",
		fmt.Sprintf("FPS: %.1f", o.FPS),
		fmt.Sprintf("Mode: %s", mode),
		fmt.Sprintf("Today: %d detections", o.Stats.Total),
		fmt.Sprintf("Unique: %d plates", o.Stats.Unique),
		fmt.Sprintf("Avg Conf: %.1f%%", o.Stats.MeanConfidence*100),
	}
}

// Display renders frames and reads user input.
type Display interface {
	DrawDetection(frame *gocv.Mat, region image.Rectangle, reading Reading, tier Tier)
	DrawOverlay(frame *gocv.Mat, overlay Overlay)
	// Show presents the frame and returns the command entered while it was shown.
	Show(frame gocv.Mat) Command
	Close() error
}

var (
	colorHighConfidence = color.RGBA{R: 0, G: 255, B: 0}
	colorLowConfidence  = color.RGBA{R: 255, G: 165, B: 0}
	colorPanel          = color.RGBA{}
	colorText           = color.RGBA{R: 255, G: 255, B: 255}
	colorTitle          = color.RGBA{R: 0, G: 255, B: 255}
	colorHint           = color.RGBA{R: 0, G: 255, B: 255}
)

// windowDisplay draws onto frames and shows them in a HighGUI window.
type windowDisplay struct {
	window *gocv.Window
}

func newWindowDisplay(title string) *windowDisplay {
	return &windowDisplay{window: gocv.NewWindow(title)}
}

func (d *windowDisplay) DrawDetection(frame *gocv.Mat, region image.Rectangle, reading Reading, tier Tier) {
	boxColor := colorHighConfidence
	if tier == TierLow {
		boxColor = colorLowConfidence
	}
	gocv.Rectangle(frame, region, boxColor, 3)

	top := region.Min.Y - 70
	if top < 0 {
		top = 0
	}
	label := image.Rect(region.Min.X, top, region.Max.X, region.Min.Y)
	gocv.Rectangle(frame, label, colorPanel, -1)
	gocv.Rectangle(frame, label, boxColor, 2)

	x := region.Min.X + 5
	gocv.PutText(frame, reading.Text, image.Pt(x, label.Max.Y-45), gocv.FontHersheySimplex, 0.7, colorText, 2)
	gocv.PutText(frame, fmt.Sprintf("%.1f%%", reading.Confidence*100), image.Pt(x, label.Max.Y-20), gocv.FontHersheySimplex, 0.5, colorHighConfidence, 1)
	gocv.PutText(frame, "Press 'S' to save", image.Pt(x, label.Max.Y-5), gocv.FontHersheySimplex, 0.4, colorHint, 1)
}

func (d *windowDisplay) DrawOverlay(frame *gocv.Mat, overlay Overlay) {
	panel := frame.Clone()
	defer panel.Close()
	gocv.Rectangle(&panel, image.Rect(10, 10, 410, 190), colorPanel, -1)
	gocv.AddWeighted(panel, 0.7, *frame, 0.3, 0, frame)

	y := 40
	for i, line := range overlay.Lines() {
		scale, c := 0.6, colorText
		if i == 0 {
			scale, c = 0.8, colorTitle
		}
		gocv.PutText(frame, line, image.Pt(20, y), gocv.FontHersheySimplex, scale, c, 2)
		if scale > 0.7 {
			y += 28
		} else {
			y += 25
		}
	}
}

func (d *windowDisplay) Show(frame gocv.Mat) Command {
	d.window.IMShow(frame)
	return commandForKey(d.window.WaitKey(1))
}

func (d *windowDisplay) Close() error {
	return d.window.Close()
}

// headlessDisplay renders nothing and never produces input. The loop then
// ends only through cancellation or the end of the stream.
type headlessDisplay struct{}

func (headlessDisplay) DrawDetection(*gocv.Mat, image.Rectangle, Reading, Tier) {}
func (headlessDisplay) DrawOverlay(*gocv.Mat, Overlay)                          {}
func (headlessDisplay) Show(gocv.Mat) Command                                   { return CommandNone }
func (headlessDisplay) Close() error                                            { return nil }
