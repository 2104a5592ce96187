package main

import "testing"

func TestCommandForKey(t *testing.T) {
	tests := []struct {
		key  int
		want Command
	}{
		{-1, CommandNone},
		{'a', CommandToggleAutoSave},
		{'A', CommandToggleAutoSave},
		{'s', CommandManualSave},
		{' ', CommandManualSave},
		{'d', CommandToggleOverlay},
		{'q', CommandQuit},
		{27, CommandQuit},
		{0x100000 | 'q', CommandQuit},
		{'x', CommandNone},
	}

	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			if got := commandForKey(tt.key); got != tt.want {
				t.Errorf("commandForKey(%d) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestOverlayLines(t *testing.T) {
	o := Overlay{
		Stats:    Statistics{Total: 12, Unique: 5, MeanConfidence: 0.873},
		FPS:      14.26,
		AutoSave: true,
	}
	want := []string{
		"PLATE RECOGNITION",
		"FPS: 14.3",
		"Mode: AUTO",
		"Today: 12 detections",
		"Unique: 5 plates",
		"Avg Conf: 87.3%",
	}

	got := o.Lines()
	if len(got) != len(want) {
		t.Fatalf("Lines() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Lines()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	o.AutoSave = false
	if got := o.Lines()[2]; got != "Mode: MANUAL" {
		t.Errorf("Lines()[2] = %q, want %q", got, "Mode: MANUAL")
	}
}
