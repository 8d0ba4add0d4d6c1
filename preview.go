package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dualcam/camera"
)

const (
	PreviewFilename      = "latest.jpg"
	PreviewWriteInterval = 1 * time.Second
)

type previewSource interface {
	Preview(opts camera.PreviewOptions) []byte
}

// PreviewWriter mirrors the active camera's latest frame into a JPEG file
// so local tools can show it without talking to the daemon.
type PreviewWriter struct {
	source   previewSource
	path     string
	opts     camera.PreviewOptions
	interval time.Duration
	logger   *Logger
	last     []byte
}

func NewPreviewWriter(source previewSource, config *Config, logger *Logger) *PreviewWriter {
	return &PreviewWriter{
		source:   source,
		path:     filepath.Join(config.OutputDir, PreviewFilename),
		opts:     camera.PreviewOptions{Enabled: config.PreviewEnabled},
		interval: PreviewWriteInterval,
		logger:   logger,
	}
}

// Run writes the preview file every interval until ctx is done
func (pw *PreviewWriter) Run(ctx context.Context) {
	if !pw.opts.Enabled {
		pw.logger.Printf("Preview disabled")
		return
	}

	ticker := time.NewTicker(pw.interval)
	defer ticker.Stop()

	var lastErr time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := pw.WriteOnce(); err != nil && time.Since(lastErr) > camera.ErrorLogThrottle {
				pw.logger.Printf("[WARN] Failed to write preview: %v", err)
				lastErr = time.Now()
			}
		}
	}
}

// WriteOnce writes the current frame if it changed since the last write
func (pw *PreviewWriter) WriteOnce() (bool, error) {
	frame := pw.source.Preview(pw.opts)
	if len(frame) == 0 || bytes.Equal(frame, pw.last) {
		return false, nil
	}

	// write then rename so readers never see half a JPEG
	tmp := pw.path + ".tmp"
	if err := os.WriteFile(tmp, frame, 0644); err != nil {
		return false, fmt.Errorf("failed to write preview: %w", err)
	}
	if err := os.Rename(tmp, pw.path); err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("failed to replace preview: %w", err)
	}

	pw.last = frame
	return true, nil
}
