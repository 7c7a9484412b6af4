package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultConfigPath = "~/.config/reimage/config.json"
	defaultTimeout    = 120
	defaultWorkers    = 2
)

// Config holds user-editable settings for the segmentation front end.
type Config struct {
	Engine   Engine   `json:"engine"`
	Viewport Viewport `json:"viewport"`
	Brush    Brush    `json:"brush"`
	Overlay  Overlay  `json:"overlay"`
	Imaging  Imaging  `json:"imaging"`
	Logging  Logging  `json:"logging"`
	Paths    Paths    `json:"paths"`
	Server   Server   `json:"server"`
	Pipeline Pipeline `json:"pipeline"`
}

// Engine locates and bounds the external segmentation process.
type Engine struct {
	Path           string `json:"path"`            // binary name or absolute path
	TimeoutSeconds int    `json:"timeout_seconds"` // hard kill after this long
	WorkDir        string `json:"work_dir"`        // where interchange files are written
	KeepFiles      bool   `json:"keep_files"`      // leave buffers on disk after a run
}

// Timeout returns the engine deadline as a duration.
func (e Engine) Timeout() time.Duration {
	if e.TimeoutSeconds <= 0 {
		return defaultTimeout * time.Second
	}
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// Viewport describes the display surface used to fit images.
type Viewport struct {
	ScreenWidth  int     `json:"screen_width"`
	ScreenHeight int     `json:"screen_height"`
	FitFraction  float64 `json:"fit_fraction"`
}

// Brush sets stroke defaults.
type Brush struct {
	DefaultRadius int    `json:"default_radius"`
	MaxRadius     int    `json:"max_radius"`
	DefaultMode   string `json:"default_mode"` // scribbles or mask
}

// Overlay controls how results are composited for preview.
type Overlay struct {
	Alpha float64 `json:"alpha"`
	Color [3]int  `json:"color"`
}

// RGBA returns the overlay tint as an opaque colour.
func (o Overlay) RGBA() color.RGBA {
	return color.RGBA{R: uint8(o.Color[0]), G: uint8(o.Color[1]), B: uint8(o.Color[2]), A: 255}
}

// Imaging selects the decode/encode backend.
type Imaging struct {
	Backend string `json:"backend"` // go, magick
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`
}

// Paths configures persistent locations.
type Paths struct {
	DatabasePath string `json:"database_path"`
	OutputDir    string `json:"output_dir"`
}

// Server holds listen addresses.
type Server struct {
	Addr     string `json:"addr"`
	GRPCAddr string `json:"grpc_addr"`
}

// Pipeline sizes the invocation worker pool.
type Pipeline struct {
	Workers int `json:"workers"`
	Queue   int `json:"queue"`
}

// Load reads configuration from disk, falling back to sensible defaults.
// A .env file in the working directory is applied to the environment first.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	configPath := os.Getenv("REIMAGE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads one config file. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		cfg.applyEnv()
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("REIMAGE_ENGINE"); v != "" {
		c.Engine.Path = v
	}
	if v := os.Getenv("REIMAGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate rejects settings the rest of the program cannot work with.
func (c *Config) Validate() error {
	if c.Brush.MaxRadius < 1 {
		return fmt.Errorf("brush.max_radius must be >= 1, got %d", c.Brush.MaxRadius)
	}
	if c.Brush.DefaultRadius < 1 || c.Brush.DefaultRadius > c.Brush.MaxRadius {
		return fmt.Errorf("brush.default_radius must be in 1..%d, got %d", c.Brush.MaxRadius, c.Brush.DefaultRadius)
	}
	if c.Viewport.FitFraction <= 0 || c.Viewport.FitFraction > 1 {
		return fmt.Errorf("viewport.fit_fraction must be in (0,1], got %v", c.Viewport.FitFraction)
	}
	if c.Overlay.Alpha < 0 || c.Overlay.Alpha > 1 {
		return fmt.Errorf("overlay.alpha must be in [0,1], got %v", c.Overlay.Alpha)
	}
	for _, v := range c.Overlay.Color {
		if v < 0 || v > 255 {
			return fmt.Errorf("overlay.color components must be in 0..255, got %v", c.Overlay.Color)
		}
	}
	switch c.Imaging.Backend {
	case "go", "magick":
	default:
		return fmt.Errorf("imaging.backend must be go or magick, got %q", c.Imaging.Backend)
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Engine: Engine{
			Path:           "segment",
			TimeoutSeconds: defaultTimeout,
			WorkDir:        filepath.Join(os.TempDir(), "reimage"),
		},
		Viewport: Viewport{
			ScreenWidth:  1366,
			ScreenHeight: 768,
			FitFraction:  0.9,
		},
		Brush: Brush{
			DefaultRadius: 3,
			MaxRadius:     20,
			DefaultMode:   "scribbles",
		},
		Overlay: Overlay{
			Alpha: 0.55,
			Color: [3]int{255, 0, 0},
		},
		Imaging: Imaging{Backend: "go"},
		Logging: Logging{
			Level:  "info",
			Format: "text",
			LogDir: "./logs",
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "reimage.db"),
			OutputDir:    "./output",
		},
		Server: Server{
			Addr:     ":8080",
			GRPCAddr: ":9090",
		},
		Pipeline: Pipeline{
			Workers: defaultWorkers,
			Queue:   8,
		},
	}
}

// Path returns the config file location Load would read.
func Path() (string, error) {
	p := os.Getenv("REIMAGE_CONFIG")
	if p == "" {
		p = defaultConfigPath
	}
	return expandUser(p)
}

// Save writes cfg as indented JSON, creating parent directories.
func Save(cfg *Config, path string) error {
	expanded, err := expandUser(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(expanded, append(b, '\n'), 0o644)
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
