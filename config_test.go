package main

import (
	"bytes"
	"errors"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(nil)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	want := defaultConfig()
	if cfg.FrameSkip != want.FrameSkip || cfg.DuplicateWindow != 5*time.Second || cfg.AutoSaveThreshold != 0.8 {
		t.Errorf("loadConfig() = %+v, want defaults", cfg)
	}
	if cfg.AutoSave || !cfg.ShowOverlay || !cfg.DuplicateCheck {
		t.Errorf("loadConfig() toggles = auto %v overlay %v dup %v", cfg.AutoSave, cfg.ShowOverlay, cfg.DuplicateCheck)
	}
}

func TestLoadConfigLayering(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "plates.yaml", `
frame_skip: 3
db_dsn: from-file.db
duplicate_window: 10s
layouts: [raw_line]
mqtt:
  broker: tcp://file:1883
  topic: plates/file
`)
	t.Setenv("PLATE_DB_DSN", "from-env.db")
	t.Setenv("PLATE_MQTT_PASSWORD", "secret")

	cfg, err := loadConfig([]string{"-config", path, "-frame-skip", "5", "-auto-save"})
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"flag over file", cfg.FrameSkip, 5},
		{"env over file", cfg.DBDSN, "from-env.db"},
		{"file over default", cfg.DuplicateWindow, 10 * time.Second},
		{"file layouts", strings.Join(cfg.Layouts, ","), "raw_line"},
		{"file nested", cfg.MQTT.Broker, "tcp://file:1883"},
		{"env secret", cfg.MQTT.Password, "secret"},
		{"flag bool", cfg.AutoSave, true},
		{"default kept", cfg.MinPlateArea, 3000},
		{"config path", cfg.ConfigFile, path},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestLoadConfigEnvOverriddenByFlag(t *testing.T) {
	t.Setenv("PLATE_DB_DSN", "from-env.db")

	cfg, err := loadConfig([]string{"-db", "from-flag.db"})
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.DBDSN != "from-flag.db" {
		t.Errorf("DBDSN = %q, want %q", cfg.DBDSN, "from-flag.db")
	}
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	bad := writeFile(t, dir, "bad.yaml", "frame_skip: [not an int]\n")

	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"-no-such-flag"}},
		{"missing file", []string{"-config", filepath.Join(dir, "missing.yaml")}},
		{"malformed file", []string{"-config", bad}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loadConfig(tt.args); err == nil {
				t.Error("loadConfig() error = nil, want error")
			}
		})
	}
}

func TestLoadConfigHelp(t *testing.T) {
	for _, arg := range []string{"-h", "-help"} {
		t.Run(arg, func(t *testing.T) {
			if _, err := loadConfig([]string{arg}); !errors.Is(err, flag.ErrHelp) {
				t.Errorf("loadConfig(%s) error = %v, want %v", arg, err, flag.ErrHelp)
			}
		})
	}
}

func TestListFlag(t *testing.T) {
	var values []string
	f := listFlag{&values}
	if err := f.Set(" single_line, ,raw_line "); err != nil {
		t.Fatal(err)
	}
	if got := f.String(); got != "single_line,raw_line" {
		t.Errorf("String() = %q, want %q", got, "single_line,raw_line")
	}
}

func validTestConfig(t *testing.T) Config {
	t.Helper()
	cfg := defaultConfig()
	cfg.CascadePath = writeFile(t, t.TempDir(), "cascade.xml", "<opencv_storage/>")
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing cascade", func(c *Config) { c.CascadePath = "/nonexistent/cascade.xml" }, "cascade file not found"},
		{"missing tessdata", func(c *Config) { c.TessdataPrefix = "/nonexistent/tessdata" }, "tessdata directory not found"},
		{"confidence range", func(c *Config) { c.ConfidenceThreshold = 1.5 }, "confidence threshold"},
		{"auto-save range", func(c *Config) { c.AutoSaveThreshold = -0.1 }, "auto-save threshold"},
		{"frame skip", func(c *Config) { c.FrameSkip = 0 }, "frame skip"},
		{"area bounds", func(c *Config) { c.MinPlateArea = 60000 }, "plate area bounds"},
		{"length bounds", func(c *Config) { c.MaxPlateLength = 2 }, "plate length bounds"},
		{"unknown layout", func(c *Config) { c.Layouts = []string{"column"} }, "unknown OCR layout"},
		{"no layouts", func(c *Config) { c.Layouts = nil }, "at least one OCR layout"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "log format"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
		{"store driver", func(c *Config) { c.DBDriver = "oracle" }, "unknown store driver"},
		{"mqtt qos", func(c *Config) { c.MQTT.QoS = 3 }, "MQTT QoS"},
		{"scale factor", func(c *Config) { c.CascadeScaleFactor = 1 }, "scale factor"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig(t)
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigValidateReportsAll(t *testing.T) {
	cfg := validTestConfig(t)
	cfg.FrameSkip = 0
	cfg.ConfidenceThreshold = 2
	cfg.DBDriver = "oracle"

	var joined interface{ Unwrap() []error }
	if err := cfg.Validate(); !errors.As(err, &joined) || len(joined.Unwrap()) != 3 {
		t.Errorf("Validate() error = %v, want 3 joined errors", err)
	}

	var buf bytes.Buffer
	validationFailed(&buf, cfg.Validate())
	if got := strings.Count(buf.String(), "\n  - "); got != 3 {
		t.Errorf("validationFailed() listed %d errors, want 3:\n%s", got, buf.String())
	}
}

func TestConfigOptions(t *testing.T) {
	cfg := defaultConfig()
	cfg.Layouts = []string{"single_word", "raw_line"}

	fusion := cfg.fusionOptions()
	if len(fusion.Layouts) != 2 || fusion.Layouts[0] != LayoutSingleWord || fusion.Layouts[1] != LayoutRawLine {
		t.Errorf("fusionOptions().Layouts = %v", fusion.Layouts)
	}
	if d := cfg.detectorOptions(); d.MinSize.X != 100 || d.MinSize.Y != 30 {
		t.Errorf("detectorOptions().MinSize = %v, want (100,30)", d.MinSize)
	}
	if p := cfg.processorOptions(); p.MinArea != 3000 || p.MaxArea != 50000 || !p.DuplicateCheck {
		t.Errorf("processorOptions() = %+v", p)
	}

	dirs := cfg.dataDirs()
	want := []string{"saved_plates", "exports", "database", "database"}
	if strings.Join(dirs, ",") != strings.Join(want, ",") {
		t.Errorf("dataDirs() = %v, want %v", dirs, want)
	}
}

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		name   string
		format string
		want   string
	}{
		{"json logger", "json", `"msg":"hello"`},
		{"kv logger", "kv", "msg=hello"},
		{"default to json", "invalid", `"msg":"hello"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := setupLogger(&buf, tt.format, slog.LevelInfo)
			logger.Info("hello")
			logger.Debug("hidden")
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("setupLogger() output = %q, want containing %q", buf.String(), tt.want)
			}
			if strings.Contains(buf.String(), "hidden") {
				t.Error("setupLogger() logged below its level")
			}
		})
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	cfg := defaultConfig()
	printSummary(&buf, SessionSummary{
		Stats:   Statistics{Total: 4, Unique: 2, MeanConfidence: 0.9},
		FPS:     12.5,
		Metrics: MetricsSnapshot{AutoSaved: 3, ManualSaved: 1, FramesCaptured: 100},
	}, &cfg)

	for _, want := range []string{"Plates today:    4", "3 auto, 1 manual", "Average FPS:     12.5", "Store:           database/plates.db"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("printSummary() output missing %q:\n%s", want, buf.String())
		}
	}
}
