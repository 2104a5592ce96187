package main

import (
	"errors"
	"flag"
	"fmt"
	"image"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the recognizer. Values come from defaults,
// an optional YAML file, the environment and command-line flags, in that
// order of precedence.
type Config struct {
	ConfigFile string `yaml:"-"`

	LogFormat string `yaml:"log_format"`
	LogLevel  string `yaml:"log_level"`

	Camera       string `yaml:"camera"`
	CameraWidth  int    `yaml:"camera_width"`
	CameraHeight int    `yaml:"camera_height"`
	CameraFPS    int    `yaml:"camera_fps"`
	Headless     bool   `yaml:"headless"`

	CascadePath    string   `yaml:"cascade_path"`
	TessdataPrefix string   `yaml:"tessdata_prefix"`
	Language       string   `yaml:"language"`
	Layouts        []string `yaml:"layouts"`

	MinPlateArea        int     `yaml:"min_plate_area"`
	MaxPlateArea        int     `yaml:"max_plate_area"`
	MinPlateWidth       int     `yaml:"min_plate_width"`
	MinPlateHeight      int     `yaml:"min_plate_height"`
	CascadeScaleFactor  float64 `yaml:"cascade_scale_factor"`
	CascadeMinNeighbors int     `yaml:"cascade_min_neighbors"`
	FrameSkip           int     `yaml:"frame_skip"`

	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	AutoSaveThreshold   float64 `yaml:"auto_save_threshold"`
	MinPlateLength      int     `yaml:"min_plate_length"`
	MaxPlateLength      int     `yaml:"max_plate_length"`

	DuplicateWindow       time.Duration `yaml:"duplicate_window"`
	DuplicateCheck        bool          `yaml:"duplicate_check"`
	MaxDetectionTime      time.Duration `yaml:"max_detection_time"`
	PerformanceBufferSize int           `yaml:"performance_buffer_size"`
	MetricsInterval       time.Duration `yaml:"metrics_interval"`

	AutoSave    bool `yaml:"auto_save"`
	ShowOverlay bool `yaml:"show_overlay"`

	ImageDir           string `yaml:"image_dir"`
	ExportFile         string `yaml:"export_file"`
	DBDriver           string `yaml:"db_driver"`
	DBDSN              string `yaml:"db_dsn"`
	BackupDir          string `yaml:"backup_dir"`
	MaxRecords         int    `yaml:"max_records"`
	VacuumOnStart      bool   `yaml:"vacuum_on_start"`
	BackupOnExit       bool   `yaml:"backup_on_exit"`
	SnapshotStatistics bool   `yaml:"snapshot_statistics"`

	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig configures optional publishing of saved plates.
type MQTTConfig struct {
	Broker   string        `yaml:"broker"` // e.g. tcp://localhost:1883, publishing is off when empty
	Topic    string        `yaml:"topic"`
	ClientID string        `yaml:"client_id"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	QoS      int           `yaml:"qos"`
	Timeout  time.Duration `yaml:"timeout"`
}

func defaultConfig() Config {
	return Config{
		LogFormat: "json",
		LogLevel:  "info",

		Camera:       "0",
		CameraWidth:  1280,
		CameraHeight: 720,
		CameraFPS:    30,

		CascadePath: filepath.Join("models", "haarcascade_russian_plate_number.xml"),
		Language:    "eng",
		Layouts:     []string{"single_line", "single_word"},

		MinPlateArea:        3000,
		MaxPlateArea:        50000,
		MinPlateWidth:       100,
		MinPlateHeight:      30,
		CascadeScaleFactor:  1.1,
		CascadeMinNeighbors: 5,
		FrameSkip:           1,

		ConfidenceThreshold: 0.6,
		AutoSaveThreshold:   0.8,
		MinPlateLength:      4,
		MaxPlateLength:      10,

		DuplicateWindow:       5 * time.Second,
		DuplicateCheck:        true,
		MaxDetectionTime:      time.Second,
		PerformanceBufferSize: 30,
		MetricsInterval:       30 * time.Second,

		ShowOverlay: true,

		ImageDir:     "saved_plates",
		ExportFile:   filepath.Join("exports", "detected_plates.csv"),
		DBDriver:     "sqlite",
		DBDSN:        filepath.Join("database", "plates.db"),
		BackupDir:    "database",
		MaxRecords:   10000,
		BackupOnExit: true,

		MQTT: MQTTConfig{
			Topic:   "plates/detections",
			Timeout: 2 * time.Second,
		},
	}
}

// listFlag binds a comma-separated flag to a string slice.
type listFlag struct {
	values *[]string
}

func (f listFlag) String() string {
	if f.values == nil {
		return ""
	}
	return strings.Join(*f.values, ",")
}

func (f listFlag) Set(s string) error {
	var values []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	*f.values = values
	return nil
}

// newFlagSet binds flags to cfg, using the current field values as defaults.
func newFlagSet(cfg *Config) *flag.FlagSet {
	flags := flag.NewFlagSet("plate-recognizer", flag.ContinueOnError)

	flags.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "YAML configuration file")
	flags.StringVar(&cfg.LogFormat, "logfmt", cfg.LogFormat, "Log format: json or kv")
	flags.StringVar(&cfg.LogLevel, "loglevel", cfg.LogLevel, "Log level: debug, info, warn or error")

	flags.StringVar(&cfg.Camera, "camera", cfg.Camera, "Camera index, video file, or stream URL")
	flags.IntVar(&cfg.CameraWidth, "camera-width", cfg.CameraWidth, "Capture width in pixels")
	flags.IntVar(&cfg.CameraHeight, "camera-height", cfg.CameraHeight, "Capture height in pixels")
	flags.IntVar(&cfg.CameraFPS, "camera-fps", cfg.CameraFPS, "Target capture rate")
	flags.BoolVar(&cfg.Headless, "headless", cfg.Headless, "Run without a preview window")

	flags.StringVar(&cfg.CascadePath, "cascade", cfg.CascadePath, "Haar cascade model for plate detection")
	flags.StringVar(&cfg.TessdataPrefix, "tessdata", cfg.TessdataPrefix, "Tesseract tessdata directory")
	flags.StringVar(&cfg.Language, "lang", cfg.Language, "Tesseract language codes")
	flags.Var(listFlag{&cfg.Layouts}, "layouts", "OCR layouts to try, comma-separated (single_line, single_word, raw_line)")

	flags.IntVar(&cfg.MinPlateArea, "min-area", cfg.MinPlateArea, "Minimum plate region area in pixels")
	flags.IntVar(&cfg.MaxPlateArea, "max-area", cfg.MaxPlateArea, "Maximum plate region area in pixels")
	flags.IntVar(&cfg.MinPlateWidth, "min-width", cfg.MinPlateWidth, "Minimum plate region width for the detector")
	flags.IntVar(&cfg.MinPlateHeight, "min-height", cfg.MinPlateHeight, "Minimum plate region height for the detector")
	flags.Float64Var(&cfg.CascadeScaleFactor, "scale-factor", cfg.CascadeScaleFactor, "Cascade scale factor")
	flags.IntVar(&cfg.CascadeMinNeighbors, "min-neighbors", cfg.CascadeMinNeighbors, "Cascade minimum neighbours")
	flags.IntVar(&cfg.FrameSkip, "frame-skip", cfg.FrameSkip, "Run detection on every Nth frame")

	flags.Float64Var(&cfg.ConfidenceThreshold, "confidence", cfg.ConfidenceThreshold, "Confidence at which a reading is shown as accepted")
	flags.Float64Var(&cfg.AutoSaveThreshold, "auto-save-confidence", cfg.AutoSaveThreshold, "Minimum confidence for auto-save")
	flags.IntVar(&cfg.MinPlateLength, "min-length", cfg.MinPlateLength, "Minimum plate length")
	flags.IntVar(&cfg.MaxPlateLength, "max-length", cfg.MaxPlateLength, "Maximum plate length")

	flags.DurationVar(&cfg.DuplicateWindow, "duplicate-window", cfg.DuplicateWindow, "Time during which a saved plate is not saved again")
	flags.BoolVar(&cfg.DuplicateCheck, "duplicate-check", cfg.DuplicateCheck, "Suppress duplicate plates")
	flags.DurationVar(&cfg.MaxDetectionTime, "max-detection-time", cfg.MaxDetectionTime, "Soft per-frame processing budget")
	flags.IntVar(&cfg.PerformanceBufferSize, "perf-buffer", cfg.PerformanceBufferSize, "Number of frames averaged for FPS")
	flags.DurationVar(&cfg.MetricsInterval, "metrics-interval", cfg.MetricsInterval, "Interval between metrics reports, 0 disables")

	flags.BoolVar(&cfg.AutoSave, "auto-save", cfg.AutoSave, "Start with auto-save enabled")
	flags.BoolVar(&cfg.ShowOverlay, "overlay", cfg.ShowOverlay, "Start with the statistics overlay shown")

	flags.StringVar(&cfg.ImageDir, "image-dir", cfg.ImageDir, "Directory for saved plate images")
	flags.StringVar(&cfg.ExportFile, "export", cfg.ExportFile, "CSV export file")
	flags.StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "Store driver: sqlite or postgres")
	flags.StringVar(&cfg.DBDSN, "db", cfg.DBDSN, "Store file path (sqlite) or connection string (postgres)")
	flags.StringVar(&cfg.BackupDir, "backup-dir", cfg.BackupDir, "Directory for store backups")
	flags.IntVar(&cfg.MaxRecords, "max-records", cfg.MaxRecords, "Records kept at startup, 0 keeps all")
	flags.BoolVar(&cfg.VacuumOnStart, "vacuum", cfg.VacuumOnStart, "Vacuum the store at startup")
	flags.BoolVar(&cfg.BackupOnExit, "backup", cfg.BackupOnExit, "Back up the store on exit")
	flags.BoolVar(&cfg.SnapshotStatistics, "snapshot-stats", cfg.SnapshotStatistics, "Write today's statistics to the statistics table on exit")

	flags.StringVar(&cfg.MQTT.Broker, "mqtt-broker", cfg.MQTT.Broker, "MQTT broker URL, empty disables publishing")
	flags.StringVar(&cfg.MQTT.Topic, "mqtt-topic", cfg.MQTT.Topic, "MQTT topic for saved plates")
	flags.IntVar(&cfg.MQTT.QoS, "mqtt-qos", cfg.MQTT.QoS, "MQTT quality of service (0-2)")

	return flags
}

// loadConfig builds the configuration from args. The flags are parsed twice:
// once to find -config, then again over the file and environment values so
// that explicit flags win.
func loadConfig(args []string) (*Config, error) {
	probe := defaultConfig()
	if err := newFlagSet(&probe).Parse(args); err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if probe.ConfigFile != "" {
		if err := cfg.loadFile(probe.ConfigFile); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg.applyEnv(os.LookupEnv)

	if err := newFlagSet(&cfg).Parse(args); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	c.ConfigFile = path
	return nil
}

// applyEnv overrides connection settings and secrets from the environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set("PLATE_DB_DRIVER", &c.DBDriver)
	set("PLATE_DB_DSN", &c.DBDSN)
	set("PLATE_MQTT_BROKER", &c.MQTT.Broker)
	set("PLATE_MQTT_USERNAME", &c.MQTT.Username)
	set("PLATE_MQTT_PASSWORD", &c.MQTT.Password)
	set("TESSDATA_PREFIX", &c.TessdataPrefix)
}

// Validate checks the configuration and returns every problem joined into
// one error, or nil.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.CascadePath == "" {
		add("cascade model path is required")
	} else if _, err := os.Stat(c.CascadePath); err != nil {
		add("cascade file not found at: %s", c.CascadePath)
	}
	if c.TessdataPrefix != "" {
		if info, err := os.Stat(c.TessdataPrefix); err != nil || !info.IsDir() {
			add("tessdata directory not found at: %s", c.TessdataPrefix)
		}
	}
	if c.Language == "" {
		add("OCR language is required")
	}
	if len(c.Layouts) == 0 {
		add("at least one OCR layout is required")
	}
	for _, name := range c.Layouts {
		if _, err := ParseLayout(name); err != nil {
			errs = append(errs, err)
		}
	}

	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		add("confidence threshold must be between 0.0 and 1.0")
	}
	if c.AutoSaveThreshold < 0 || c.AutoSaveThreshold > 1 {
		add("auto-save threshold must be between 0.0 and 1.0")
	}
	if c.FrameSkip < 1 {
		add("frame skip must be at least 1")
	}
	if c.MinPlateArea < 0 || c.MaxPlateArea <= 0 || c.MinPlateArea > c.MaxPlateArea {
		add("plate area bounds must satisfy 0 <= min <= max and max > 0")
	}
	if c.MinPlateWidth < 0 || c.MinPlateHeight < 0 {
		add("minimum plate size must not be negative")
	}
	if c.MinPlateLength < 1 || c.MaxPlateLength < c.MinPlateLength {
		add("plate length bounds must satisfy 1 <= min <= max")
	}
	if c.CascadeScaleFactor <= 1 {
		add("cascade scale factor must be greater than 1")
	}
	if c.CascadeMinNeighbors < 0 {
		add("cascade minimum neighbours must not be negative")
	}
	if c.DuplicateWindow < 0 {
		add("duplicate window must not be negative")
	}
	if c.PerformanceBufferSize < 1 {
		add("performance buffer size must be at least 1")
	}

	if c.LogFormat != "json" && c.LogFormat != "kv" {
		add("log format must be 'json' or 'kv'")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	if _, ok := dialects[c.DBDriver]; !ok {
		add("unknown store driver %q", c.DBDriver)
	}
	if c.DBDSN == "" {
		add("store location is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		add("MQTT QoS must be 0, 1 or 2")
	}
	if c.MQTT.Broker != "" && c.MQTT.Topic == "" {
		add("MQTT topic is required when a broker is set")
	}

	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

func (c *Config) layouts() []Layout {
	layouts := make([]Layout, 0, len(c.Layouts))
	for _, name := range c.Layouts {
		if layout, err := ParseLayout(name); err == nil {
			layouts = append(layouts, layout)
		}
	}
	return layouts
}

func (c *Config) fusionOptions() FusionOptions {
	return FusionOptions{MinLength: c.MinPlateLength, Layouts: c.layouts()}
}

func (c *Config) plateRules() PlateRules {
	return PlateRules{MinLength: c.MinPlateLength, MaxLength: c.MaxPlateLength}
}

func (c *Config) processorOptions() ProcessorOptions {
	return ProcessorOptions{
		MinArea:             c.MinPlateArea,
		MaxArea:             c.MaxPlateArea,
		ConfidenceThreshold: c.ConfidenceThreshold,
		AutoSaveThreshold:   c.AutoSaveThreshold,
		FrameSkip:           c.FrameSkip,
		AutoSave:            c.AutoSave,
		ShowOverlay:         c.ShowOverlay,
		DuplicateCheck:      c.DuplicateCheck,
		MaxDetectionTime:    c.MaxDetectionTime,
		MetricsInterval:     c.MetricsInterval,
	}
}

func (c *Config) storeOptions() StoreOptions {
	return StoreOptions{Driver: c.DBDriver, DSN: c.DBDSN}
}

func (c *Config) cameraOptions() CameraOptions {
	return CameraOptions{Device: c.Camera, Width: c.CameraWidth, Height: c.CameraHeight, FPS: c.CameraFPS}
}

func (c *Config) detectorOptions() DetectorOptions {
	return DetectorOptions{
		ScaleFactor:  c.CascadeScaleFactor,
		MinNeighbors: c.CascadeMinNeighbors,
		MinSize:      image.Pt(c.MinPlateWidth, c.MinPlateHeight),
	}
}

func (c *Config) publisherOptions() PublisherOptions {
	return PublisherOptions{
		Broker:   c.MQTT.Broker,
		Topic:    c.MQTT.Topic,
		ClientID: c.MQTT.ClientID,
		Username: c.MQTT.Username,
		Password: c.MQTT.Password,
		QoS:      byte(c.MQTT.QoS),
		Timeout:  c.MQTT.Timeout,
	}
}

// dataDirs returns the directories that must exist before the loop starts.
func (c *Config) dataDirs() []string {
	dirs := []string{c.ImageDir, filepath.Dir(c.ExportFile)}
	if c.DBDriver == "sqlite" {
		dirs = append(dirs, filepath.Dir(c.DBDSN))
	}
	if c.BackupOnExit && c.BackupDir != "" {
		dirs = append(dirs, c.BackupDir)
	}
	return dirs
}

// logAttrs describes the effective configuration for the startup log.
// Credentials are left out.
func (c *Config) logAttrs() []any {
	return []any{
		"camera", c.Camera,
		"cascade", c.CascadePath,
		"language", c.Language,
		"layouts", c.Layouts,
		"db_driver", c.DBDriver,
		"export", c.ExportFile,
		"image_dir", c.ImageDir,
		"confidence_threshold", c.ConfidenceThreshold,
		"auto_save_threshold", c.AutoSaveThreshold,
		"duplicate_window", c.DuplicateWindow,
		"frame_skip", c.FrameSkip,
		"auto_save", c.AutoSave,
		"mqtt_broker", c.MQTT.Broker,
		"headless", c.Headless,
	}
}
