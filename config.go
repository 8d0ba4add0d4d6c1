package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"dualcam/camera"
)

type Config struct {
	OutputDir    string            `json:"output_dir" yaml:"output_dir"`         // recordings root, one directory per day below it
	StorageCapGB int               `json:"storage_cap_gb" yaml:"storage_cap_gb"` // 0 disables cleanup
	Devices      []camera.Identity `json:"devices" yaml:"devices"`               // order is the toggle order

	PreviewFPS    int `json:"preview_fps" yaml:"preview_fps"`
	PreviewWidth  int `json:"preview_width" yaml:"preview_width"`
	PreviewHeight int `json:"preview_height" yaml:"preview_height"`
	MJPEGQuality  int `json:"mjpeg_quality" yaml:"mjpeg_quality"` // 2-31, lower = higher quality

	RecordFPS    int    `json:"record_fps" yaml:"record_fps"`
	RecordWidth  int    `json:"record_width" yaml:"record_width"`
	RecordHeight int    `json:"record_height" yaml:"record_height"`
	Encoder      string `json:"encoder" yaml:"encoder"`   // empty = detect
	Rotation     int    `json:"rotation" yaml:"rotation"` // CSI cameras only

	ChunkLengthS       int    `json:"chunk_length_s" yaml:"chunk_length_s"` // seconds
	RemuxFPS           int    `json:"remux_fps" yaml:"remux_fps"`
	RawExtension       string `json:"raw_extension" yaml:"raw_extension"`
	ContainerExtension string `json:"container_extension" yaml:"container_extension"`
	FFmpegPath         string `json:"ffmpeg_path" yaml:"ffmpeg_path"`

	OpenMaxRetries   int `json:"open_max_retries" yaml:"open_max_retries"`
	OpenRetryDelayMS int `json:"open_retry_delay_ms" yaml:"open_retry_delay_ms"`

	PreviewEnabled bool `json:"preview_enabled" yaml:"preview_enabled"`
	Verbose        bool `json:"verbose" yaml:"verbose"`
}

func DefaultConfig() *Config {
	// Use XDG state directory for videos
	videoDir, err := xdg.StateFile("dualcam/videos")
	if err != nil {
		// Fallback if XDG fails
		homeDir, _ := os.UserHomeDir()
		videoDir = filepath.Join(homeDir, ".local/state/dualcam/videos")
	}

	devices := make([]camera.Identity, len(DefaultDevices))
	copy(devices, DefaultDevices)

	return &Config{
		OutputDir:          videoDir,
		StorageCapGB:       DefaultStorageCapGB,
		Devices:            devices,
		PreviewFPS:         DefaultPreviewFPS,
		PreviewWidth:       DefaultPreviewWidth,
		PreviewHeight:      DefaultPreviewHeight,
		MJPEGQuality:       DefaultMJPEGQuality,
		RecordFPS:          DefaultRecordFPS,
		RecordWidth:        DefaultRecordWidth,
		RecordHeight:       DefaultRecordHeight,
		ChunkLengthS:       DefaultChunkLengthS,
		RemuxFPS:           DefaultRemuxFPS,
		RawExtension:       ExtensionH264,
		ContainerExtension: ExtensionMP4,
		FFmpegPath:         DefaultFFmpegPath,
		OpenMaxRetries:     DefaultOpenMaxRetries,
		OpenRetryDelayMS:   DefaultOpenRetryDelayMS,
		PreviewEnabled:     true,
	}
}

// LoadOrCreateConfig reads the config at configPath, writing a default one
// first if there is none. Files ending in .yaml or .yml are YAML, anything
// else is JSON. Environment overrides are applied on top but never saved.
func LoadOrCreateConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}

		// decode over the defaults so missing fields keep them
		if err := unmarshalConfig(configPath, data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		config.fillZeroValues()
	} else {
		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}

		data, err := marshalConfig(configPath, config)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal config: %w", err)
		}
		if err := os.WriteFile(configPath, data, 0644); err != nil {
			return nil, fmt.Errorf("failed to write config: %w", err)
		}

		fmt.Printf("Created default config at %s\n", configPath)
	}

	if err := config.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return config, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func unmarshalConfig(path string, data []byte, config *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, config)
	}
	return json.Unmarshal(data, config)
}

func marshalConfig(path string, config *Config) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(config)
	}
	return json.MarshalIndent(config, "", "  ")
}

// fillZeroValues sets defaults for fields where zero is never meaningful
func (c *Config) fillZeroValues() {
	d := DefaultConfig()
	if c.OutputDir == "" {
		c.OutputDir = d.OutputDir
	}
	if c.PreviewFPS == 0 {
		c.PreviewFPS = d.PreviewFPS
	}
	if c.PreviewWidth == 0 {
		c.PreviewWidth = d.PreviewWidth
	}
	if c.PreviewHeight == 0 {
		c.PreviewHeight = d.PreviewHeight
	}
	if c.MJPEGQuality == 0 {
		c.MJPEGQuality = d.MJPEGQuality
	}
	if c.RecordFPS == 0 {
		c.RecordFPS = d.RecordFPS
	}
	if c.RecordWidth == 0 {
		c.RecordWidth = d.RecordWidth
	}
	if c.RecordHeight == 0 {
		c.RecordHeight = d.RecordHeight
	}
	if c.ChunkLengthS == 0 {
		c.ChunkLengthS = d.ChunkLengthS
	}
	if c.RemuxFPS == 0 {
		c.RemuxFPS = d.RemuxFPS
	}
	if c.RawExtension == "" {
		c.RawExtension = d.RawExtension
	}
	if c.ContainerExtension == "" {
		c.ContainerExtension = d.ContainerExtension
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = d.FFmpegPath
	}
}

// ApplyEnv overrides config fields from DUALCAM_* environment variables
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("DUALCAM_OUTPUT_DIR"); v != "" {
		c.OutputDir = v
	}
	if v := getenv("DUALCAM_DEVICES"); v != "" {
		devices, err := ParseDevices(v)
		if err != nil {
			return fmt.Errorf("DUALCAM_DEVICES: %w", err)
		}
		c.Devices = devices
	}
	if v := getenv("DUALCAM_CHUNK_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DUALCAM_CHUNK_SECONDS: %w", err)
		}
		c.ChunkLengthS = n
	}
	if v := getenv("DUALCAM_VERBOSE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DUALCAM_VERBOSE: %w", err)
		}
		c.Verbose = b
	}
	return nil
}

// ParseDevices parses "label=id,label=id" keeping the given order
func ParseDevices(s string) ([]camera.Identity, error) {
	var devices []camera.Identity
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		label, id, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("expected label=id, got %q", pair)
		}
		devices = append(devices, camera.Identity{
			Label: strings.TrimSpace(label),
			ID:    strings.TrimSpace(id),
		})
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("no devices in %q", s)
	}
	return devices, nil
}

// Validate rejects configs the daemon cannot run with
func (c *Config) Validate() error {
	if len(c.Devices) == 0 {
		return fmt.Errorf("no devices configured")
	}
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.Label == "" {
			return fmt.Errorf("device %d has no label", i)
		}
		if d.ID == "" {
			return fmt.Errorf("device %q has no id", d.Label)
		}
		if seen[d.Label] {
			return fmt.Errorf("duplicate device label %q", d.Label)
		}
		seen[d.Label] = true
	}

	if c.OutputDir == "" {
		return fmt.Errorf("output_dir is empty")
	}
	if c.StorageCapGB < 0 {
		return fmt.Errorf("storage_cap_gb must not be negative")
	}
	if c.ChunkLengthS <= 0 {
		return fmt.Errorf("chunk_length_s must be positive, got %d", c.ChunkLengthS)
	}
	if c.PreviewFPS <= 0 || c.RecordFPS <= 0 || c.RemuxFPS <= 0 {
		return fmt.Errorf("frame rates must be positive")
	}
	if c.MJPEGQuality < 2 || c.MJPEGQuality > 31 {
		return fmt.Errorf("mjpeg_quality must be within 2-31, got %d", c.MJPEGQuality)
	}
	if c.OpenMaxRetries < 0 || c.OpenRetryDelayMS < 0 {
		return fmt.Errorf("open retry settings must not be negative")
	}

	for _, ext := range []string{c.RawExtension, c.ContainerExtension} {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
			return fmt.Errorf("invalid file extension %q", ext)
		}
	}
	if strings.EqualFold(c.RawExtension, c.ContainerExtension) {
		return fmt.Errorf("raw and container extensions are both %q", c.RawExtension)
	}
	return nil
}

// SessionConfig converts the config into per-camera session settings
func (c *Config) SessionConfig() camera.SessionConfig {
	cfg := camera.DefaultSessionConfig()
	cfg.ChunkDuration = time.Duration(c.ChunkLengthS) * time.Second
	cfg.RawExt = c.RawExtension
	cfg.Reconnect = camera.ReconnectConfig{
		MaxRetries: c.OpenMaxRetries,
		RetryDelay: time.Duration(c.OpenRetryDelayMS) * time.Millisecond,
	}
	cfg.Remux.FrameRate = c.RemuxFPS
	cfg.Remux.ContainerExt = c.ContainerExtension
	return cfg
}

// DeviceConfig converts the config into ffmpeg capture settings
func (c *Config) DeviceConfig() camera.FFmpegDeviceConfig {
	return camera.FFmpegDeviceConfig{
		FFmpegPath:    c.FFmpegPath,
		Width:         c.RecordWidth,
		Height:        c.RecordHeight,
		RecordFPS:     c.RecordFPS,
		PreviewWidth:  c.PreviewWidth,
		PreviewHeight: c.PreviewHeight,
		PreviewFPS:    c.PreviewFPS,
		MJPEGQuality:  c.MJPEGQuality,
		Encoder:       c.Encoder,
		Rotation:      c.Rotation,
	}
}

// ManagerConfig wires the ffmpeg device and converter into a camera manager config
func (c *Config) ManagerConfig(logger camera.Logger) camera.ManagerConfig {
	devices := make([]camera.Identity, len(c.Devices))
	copy(devices, c.Devices)

	return camera.ManagerConfig{
		Devices:   devices,
		OutputDir: c.OutputDir,
		Session:   c.SessionConfig(),
		Opener:    camera.NewFFmpegOpener(c.DeviceConfig(), logger),
		Converter: camera.FFmpegConverter{Path: c.FFmpegPath},
	}
}
