package main

import (
	"strings"
	"time"

	"dualcam/camera"
)

// =============================================================================
// Storage and Data Conversions
// =============================================================================

const (
	// Byte conversions
	BytesPerKB = 1024
	BytesPerMB = 1024 * 1024
	BytesPerGB = 1024 * 1024 * 1024
)

// =============================================================================
// Default Configuration Values
// =============================================================================

const (
	DefaultStorageCapGB = 10

	// Preview stream (scaled MJPEG)
	DefaultPreviewFPS    = 15
	DefaultPreviewWidth  = 640
	DefaultPreviewHeight = 360

	// Recording stream (H.264)
	DefaultRecordFPS    = 30
	DefaultRecordWidth  = 1920
	DefaultRecordHeight = 1080
	DefaultMJPEGQuality = 8 // 2-31 scale, lower is better, 8=good balance

	DefaultChunkLengthS = 60 // seconds per chunk file
	DefaultRemuxFPS     = camera.DefaultRemuxFPS

	// Hardware open retries
	DefaultOpenMaxRetries   = 10
	DefaultOpenRetryDelayMS = 1000

	DefaultFFmpegPath = "ffmpeg"
)

// DefaultDevices is the two-camera rig the daemon was built for
var DefaultDevices = []camera.Identity{
	{Label: "narrow", ID: "/dev/video0"},
	{Label: "wide", ID: "/dev/video2"},
}

// =============================================================================
// Timing
// =============================================================================

const (
	StorageCheckInterval = 30 * time.Second // storage cap enforcement period
	StorageStatsCacheTTL = 5 * time.Second
	StatusLogInterval    = 5 * time.Minute
)

// =============================================================================
// File Extensions and Formats
// =============================================================================

const (
	ExtensionH264 = camera.ExtensionH264
	ExtensionMP4  = camera.ExtensionMP4
)

// =============================================================================
// Helper Functions
// =============================================================================

// HasExtension checks if filename has the given extension
func HasExtension(filename, ext string) bool {
	return ext != "" && strings.HasSuffix(filename, ext)
}

// IsChunkFile checks if file is a recording chunk, raw or converted
func IsChunkFile(filename, rawExt, containerExt string) bool {
	return HasExtension(filename, rawExt) || HasExtension(filename, containerExt)
}
