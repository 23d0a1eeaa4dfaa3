package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dj-oyu/zone-occupancy/internal/logger"
	"github.com/dj-oyu/zone-occupancy/internal/zone"
)

// Duration is a time.Duration that reads "100ms"-style strings from JSON.
type Duration time.Duration

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	*d = Duration(n)
	return nil
}

// Config defines the runtime configuration for the occupancy server.
type Config struct {
	Addr        string `json:"addr"`
	MetricsAddr string `json:"metrics_addr"`
	UploadDir   string `json:"upload_dir"`
	RecordPath  string `json:"record_path"`
	// MaxUploadBytes bounds the multipart body of /upload_video.
	MaxUploadBytes int64 `json:"max_upload_bytes"`

	CameraDevice    string `json:"camera_device"`
	CameraFormat    string `json:"camera_format"` // v4l2, avfoundation, dshow
	CameraFrameRate int    `json:"camera_frame_rate"`
	FFmpegPath      string `json:"ffmpeg_path"`

	DetectorKind      string   `json:"detector_kind"` // http or tcp
	DetectorURL       string   `json:"detector_url"`  // http URL or host:port
	DetectorTimeout   Duration `json:"detector_timeout"`
	DetectorInputSize int      `json:"detector_input_size"`
	ClassNamesFile    string   `json:"class_names_file"`

	Zone          zone.Polygon `json:"zone"`
	Anchor        string       `json:"anchor"`
	MinConfidence float64      `json:"min_confidence"`

	JPEGQuality    int      `json:"jpeg_quality"`
	RetryInterval  Duration `json:"retry_interval"`
	StatusInterval Duration `json:"status_interval"`

	STUNServers      []string `json:"stun_servers"`
	MaxWebRTCClients int      `json:"max_webrtc_clients"`

	LogLevel string `json:"log_level"`
	LogColor bool   `json:"log_color"`
}

// DefaultConfig returns a config aligned with the Flask backend behavior:
// full-frame zone, port 5000, 100ms retry after a failed camera read.
func DefaultConfig() Config {
	return Config{
		Addr:              ":5000",
		MetricsAddr:       ":9090",
		UploadDir:         filepath.Clean("./uploads"),
		RecordPath:        filepath.Clean("./recordings"),
		MaxUploadBytes:    1 << 30,
		CameraDevice:      "/dev/video0",
		CameraFormat:      "v4l2",
		CameraFrameRate:   15,
		FFmpegPath:        "ffmpeg",
		DetectorKind:      "http",
		DetectorURL:       "http://localhost:8000/predict",
		DetectorTimeout:   Duration(5 * time.Second),
		DetectorInputSize: 640,
		Zone:              append(zone.Polygon(nil), zone.FullFrame...),
		Anchor:            zone.AnchorBottomCenter.String(),
		JPEGQuality:       80,
		RetryInterval:     Duration(100 * time.Millisecond),
		StatusInterval:    Duration(2 * time.Second),
		STUNServers:       []string{"stun:stun.l.google.com:19302"},
		MaxWebRTCClients:  10,
		LogLevel:          "info",
		LogColor:          true,
	}
}

// LoadFile overlays the JSON file at path onto cfg. Fields missing from the
// file keep their current values.
func LoadFile(path string, cfg *Config) error {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 << 20
	if fileInfo.Size() > maxFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config JSON: %w", err)
	}
	return nil
}

type polygonFlag struct{ p *zone.Polygon }

func (f polygonFlag) String() string {
	if f.p == nil {
		return ""
	}
	return f.p.String()
}

func (f polygonFlag) Set(s string) error {
	poly, err := zone.ParsePolygon(s)
	if err != nil {
		return err
	}
	*f.p = poly
	return nil
}

type listFlag struct{ l *[]string }

func (f listFlag) String() string {
	if f.l == nil {
		return ""
	}
	return strings.Join(*f.l, ",")
}

func (f listFlag) Set(s string) error {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*f.l = out
	return nil
}

// RegisterFlags binds every field to a command-line flag on fs, using the
// current values as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Addr, "http", c.Addr, "HTTP server address")
	fs.StringVar(&c.MetricsAddr, "metrics", c.MetricsAddr, "Metrics server address (empty disables)")
	fs.StringVar(&c.UploadDir, "upload-dir", c.UploadDir, "Directory for uploaded videos")
	fs.StringVar(&c.RecordPath, "record-path", c.RecordPath, "Recording output path")
	fs.Int64Var(&c.MaxUploadBytes, "max-upload-bytes", c.MaxUploadBytes, "Maximum upload size in bytes")

	fs.StringVar(&c.CameraDevice, "camera", c.CameraDevice, "Camera device passed to ffmpeg")
	fs.StringVar(&c.CameraFormat, "camera-format", c.CameraFormat, "ffmpeg input format for the camera (v4l2, avfoundation, dshow)")
	fs.IntVar(&c.CameraFrameRate, "camera-fps", c.CameraFrameRate, "Camera capture frame rate")
	fs.StringVar(&c.FFmpegPath, "ffmpeg", c.FFmpegPath, "ffmpeg binary")

	fs.StringVar(&c.DetectorKind, "detector", c.DetectorKind, "Detector transport (http, tcp)")
	fs.StringVar(&c.DetectorURL, "detector-url", c.DetectorURL, "Detector endpoint (URL for http, host:port for tcp)")
	fs.DurationVar((*time.Duration)(&c.DetectorTimeout), "detector-timeout", time.Duration(c.DetectorTimeout), "Per-frame detector timeout")
	fs.IntVar(&c.DetectorInputSize, "detector-size", c.DetectorInputSize, "Longest side of the image sent to the detector (0 keeps original)")
	fs.StringVar(&c.ClassNamesFile, "class-names", c.ClassNamesFile, "Class names file, one label per line (default COCO-80)")

	fs.Var(polygonFlag{&c.Zone}, "zone", `Zone polygon in normalized coordinates, "x,y;x,y;x,y"`)
	fs.StringVar(&c.Anchor, "anchor", c.Anchor, "Detection anchor tested against the zone (bottom_center, center)")
	fs.Float64Var(&c.MinConfidence, "min-confidence", c.MinConfidence, "Drop detections below this confidence")

	fs.IntVar(&c.JPEGQuality, "jpeg-quality", c.JPEGQuality, "JPEG quality of the annotated stream")
	fs.DurationVar((*time.Duration)(&c.RetryInterval), "retry-interval", time.Duration(c.RetryInterval), "Pause after a failed camera read")
	fs.DurationVar((*time.Duration)(&c.StatusInterval), "status-interval", time.Duration(c.StatusInterval), "Keepalive interval of event streams")

	fs.Var(listFlag{&c.STUNServers}, "stun", "STUN server URLs (comma-separated)")
	fs.IntVar(&c.MaxWebRTCClients, "max-clients", c.MaxWebRTCClients, "Maximum WebRTC clients")

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error, silent)")
	fs.BoolVar(&c.LogColor, "log-color", c.LogColor, "Enable colored log output")
}

// ZoneAnchor parses the configured anchor.
func (c *Config) ZoneAnchor() (zone.Anchor, error) {
	return zone.ParseAnchor(c.Anchor)
}

// Level parses the configured log level.
func (c *Config) Level() (logger.LogLevel, error) {
	return logger.ParseLevel(c.LogLevel)
}

// Validate checks that the configuration values are usable. A bad zone is
// rejected here so no frame is ever evaluated against it.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Zone.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("zone: %w", err))
	}
	if _, err := c.ZoneAnchor(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.Addr == "" {
		errs = append(errs, errors.New("http address must not be empty"))
	}
	switch c.DetectorKind {
	case "http", "tcp":
	default:
		errs = append(errs, fmt.Errorf("detector must be http or tcp, got %q", c.DetectorKind))
	}
	if c.DetectorURL == "" {
		errs = append(errs, errors.New("detector url must not be empty"))
	}
	if c.DetectorTimeout <= 0 {
		errs = append(errs, fmt.Errorf("detector timeout must be positive, got %s", time.Duration(c.DetectorTimeout)))
	}
	if c.DetectorInputSize < 0 {
		errs = append(errs, fmt.Errorf("detector input size must be non-negative, got %d", c.DetectorInputSize))
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("min confidence must be between 0 and 1, got %g", c.MinConfidence))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg quality must be between 1 and 100, got %d", c.JPEGQuality))
	}
	if c.RetryInterval <= 0 {
		errs = append(errs, fmt.Errorf("retry interval must be positive, got %s", time.Duration(c.RetryInterval)))
	}
	if c.StatusInterval <= 0 {
		errs = append(errs, fmt.Errorf("status interval must be positive, got %s", time.Duration(c.StatusInterval)))
	}
	if c.CameraFrameRate < 0 {
		errs = append(errs, fmt.Errorf("camera fps must be non-negative, got %d", c.CameraFrameRate))
	}
	if c.MaxWebRTCClients < 0 {
		errs = append(errs, fmt.Errorf("max clients must be non-negative, got %d", c.MaxWebRTCClients))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("max upload bytes must be positive, got %d", c.MaxUploadBytes))
	}

	return errors.Join(errs...)
}

// Parse builds the configuration for a binary: defaults, then the JSON file
// named by -config if any, then the flags, which win over the file. The
// positional arguments left after the flags are returned as well.
func Parse(name string, args []string) (Config, []string, error) {
	cfg := DefaultConfig()

	var configPath string
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "JSON config file")
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return Config{}, nil, err
	}
	if configPath == "" {
		return cfg, fs.Args(), nil
	}

	cfg = DefaultConfig()
	if err := LoadFile(configPath, &cfg); err != nil {
		return Config{}, nil, err
	}
	fs = flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&configPath, "config", configPath, "JSON config file")
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return Config{}, nil, err
	}
	return cfg, fs.Args(), nil
}
