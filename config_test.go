package main

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/adrg/xdg"

	"dualcam/camera"
)

// isolateEnv points XDG at a temp dir and clears DUALCAM_* overrides
func isolateEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("XDG_STATE_HOME", filepath.Join(home, "state"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "config"))
	for _, k := range []string{"DUALCAM_OUTPUT_DIR", "DUALCAM_DEVICES", "DUALCAM_CHUNK_SECONDS", "DUALCAM_VERBOSE"} {
		t.Setenv(k, "")
	}
	xdg.Reload()
	t.Cleanup(xdg.Reload)
	return home
}

func TestLoadOrCreateConfig_CreatesDefault(t *testing.T) {
	home := isolateEnv(t)
	path := filepath.Join(home, "dualcam", "config.json")

	config, err := LoadOrCreateConfig(path)
	if err != nil {
		t.Fatalf("LoadOrCreateConfig failed: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Expected default config to be written: %v", err)
	}
	if !strings.HasPrefix(config.OutputDir, filepath.Join(home, "state")) {
		t.Errorf("Expected output dir under the XDG state home, got %s", config.OutputDir)
	}
	if !reflect.DeepEqual(config.Devices, DefaultDevices) {
		t.Errorf("Expected default devices, got %v", config.Devices)
	}

	// a second load reads the file it just wrote
	again, err := LoadOrCreateConfig(path)
	if err != nil {
		t.Fatalf("Reloading config failed: %v", err)
	}
	if !reflect.DeepEqual(config, again) {
		t.Errorf("Reloaded config differs:\n%+v\n%+v", config, again)
	}
}

func TestLoadOrCreateConfig_Formats(t *testing.T) {
	testCases := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "json",
			file: "config.json",
			content: `{
  "output_dir": "/srv/videos",
  "devices": [{"label": "front", "id": "/dev/video4"}, {"label": "cabin", "id": "csi:0"}],
  "chunk_length_s": 30
}`,
		},
		{
			name: "yaml",
			file: "config.yaml",
			content: `output_dir: /srv/videos
devices:
  - label: front
    id: /dev/video4
  - label: cabin
    id: csi:0
chunk_length_s: 30
`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			home := isolateEnv(t)
			path := filepath.Join(home, tc.file)
			if err := os.WriteFile(path, []byte(tc.content), 0644); err != nil {
				t.Fatalf("Failed to write config: %v", err)
			}

			config, err := LoadOrCreateConfig(path)
			if err != nil {
				t.Fatalf("LoadOrCreateConfig failed: %v", err)
			}

			wantDevices := []camera.Identity{{Label: "front", ID: "/dev/video4"}, {Label: "cabin", ID: "csi:0"}}
			if !reflect.DeepEqual(config.Devices, wantDevices) {
				t.Errorf("Expected devices %v, got %v", wantDevices, config.Devices)
			}
			if config.OutputDir != "/srv/videos" || config.ChunkLengthS != 30 {
				t.Errorf("Expected file values to be used, got %s / %d", config.OutputDir, config.ChunkLengthS)
			}

			// missing fields keep their defaults
			if config.RecordFPS != DefaultRecordFPS || config.ContainerExtension != ExtensionMP4 {
				t.Errorf("Expected defaults for missing fields, got %d / %s", config.RecordFPS, config.ContainerExtension)
			}
			if !config.PreviewEnabled {
				t.Error("Expected preview to stay enabled when the file omits it")
			}
		})
	}
}

func TestLoadOrCreateConfig_Errors(t *testing.T) {
	testCases := []struct {
		name    string
		file    string
		content string
		env     map[string]string
	}{
		{"malformed json", "config.json", `{"devices": [`, nil},
		{"malformed yaml", "config.yml", "devices: [\n", nil},
		{"invalid values", "config.json", `{"chunk_length_s": -1}`, nil},
		{"bad env override", "config.json", `{}`, map[string]string{"DUALCAM_CHUNK_SECONDS": "soon"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			home := isolateEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			path := filepath.Join(home, tc.file)
			if err := os.WriteFile(path, []byte(tc.content), 0644); err != nil {
				t.Fatalf("Failed to write config: %v", err)
			}

			if _, err := LoadOrCreateConfig(path); err == nil {
				t.Error("Expected LoadOrCreateConfig to fail")
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"DUALCAM_OUTPUT_DIR":    "/mnt/usb/videos",
		"DUALCAM_DEVICES":       "wide=/dev/video2, narrow=/dev/video0",
		"DUALCAM_CHUNK_SECONDS": "120",
		"DUALCAM_VERBOSE":       "true",
	}
	config := &Config{}
	if err := config.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}

	if config.OutputDir != "/mnt/usb/videos" {
		t.Errorf("Expected output dir override, got %s", config.OutputDir)
	}
	want := []camera.Identity{{Label: "wide", ID: "/dev/video2"}, {Label: "narrow", ID: "/dev/video0"}}
	if !reflect.DeepEqual(config.Devices, want) {
		t.Errorf("Expected devices %v, got %v", want, config.Devices)
	}
	if config.ChunkLengthS != 120 {
		t.Errorf("Expected chunk length 120, got %d", config.ChunkLengthS)
	}
	if !config.Verbose {
		t.Error("Expected verbose override")
	}
}

func TestParseDevices(t *testing.T) {
	testCases := []struct {
		input   string
		want    []camera.Identity
		wantErr bool
	}{
		{"narrow=/dev/video0", []camera.Identity{{Label: "narrow", ID: "/dev/video0"}}, false},
		{"a=1,b=2,", []camera.Identity{{Label: "a", ID: "1"}, {Label: "b", ID: "2"}}, false},
		{"narrow", nil, true},
		{",,", nil, true},
	}

	for _, tc := range testCases {
		got, err := ParseDevices(tc.input)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseDevices(%q) error = %v, wantErr %v", tc.input, err, tc.wantErr)
			continue
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("ParseDevices(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(c *Config)
	}{
		{"no devices", func(c *Config) { c.Devices = nil }},
		{"empty label", func(c *Config) { c.Devices = []camera.Identity{{ID: "/dev/video0"}} }},
		{"empty id", func(c *Config) { c.Devices = []camera.Identity{{Label: "narrow"}} }},
		{"duplicate label", func(c *Config) {
			c.Devices = []camera.Identity{{Label: "a", ID: "1"}, {Label: "a", ID: "2"}}
		}},
		{"zero chunk length", func(c *Config) { c.ChunkLengthS = 0 }},
		{"zero fps", func(c *Config) { c.RecordFPS = 0 }},
		{"bad mjpeg quality", func(c *Config) { c.MJPEGQuality = 40 }},
		{"negative retries", func(c *Config) { c.OpenMaxRetries = -1 }},
		{"same extensions", func(c *Config) { c.ContainerExtension = ExtensionH264 }},
		{"extension without dot", func(c *Config) { c.RawExtension = "h264" }},
	}

	isolateEnv(t)
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("Expected default config to be valid: %v", err)
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			config := DefaultConfig()
			tc.modify(config)
			if err := config.Validate(); err == nil {
				t.Error("Expected Validate to fail")
			}
		})
	}
}

func TestConfig_SessionConfig(t *testing.T) {
	isolateEnv(t)
	config := DefaultConfig()
	config.ChunkLengthS = 45
	config.OpenMaxRetries = 3
	config.OpenRetryDelayMS = 250
	config.RemuxFPS = 25
	config.ContainerExtension = ".mkv"

	sc := config.SessionConfig()
	if sc.ChunkDuration != 45*time.Second {
		t.Errorf("Expected 45s chunks, got %s", sc.ChunkDuration)
	}
	if sc.Reconnect.MaxRetries != 3 || sc.Reconnect.RetryDelay != 250*time.Millisecond {
		t.Errorf("Unexpected reconnect settings: %+v", sc.Reconnect)
	}
	if sc.Remux.FrameRate != 25 || sc.Remux.ContainerExt != ".mkv" {
		t.Errorf("Unexpected remux settings: %+v", sc.Remux)
	}
	if sc.RawExt != ExtensionH264 {
		t.Errorf("Expected raw extension %s, got %s", ExtensionH264, sc.RawExt)
	}

	mc := config.ManagerConfig(nil)
	if mc.Opener == nil || mc.Converter == nil {
		t.Error("Expected manager config to carry an opener and a converter")
	}
	if !reflect.DeepEqual(mc.Devices, config.Devices) || mc.OutputDir != config.OutputDir {
		t.Errorf("Manager config does not match: %+v", mc)
	}
}
