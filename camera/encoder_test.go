package camera

import (
	"path/filepath"
	"testing"
)

func TestDetectH264Encoder_MissingFFmpeg(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "ffmpeg")
	if got := detectH264Encoder(missing, discardLogger{}); got != "libx264" {
		t.Errorf("Expected libx264 fallback, got %s", got)
	}
}

func TestIsEncoderUsable_Software(t *testing.T) {
	// software encoders are trusted without a test encode
	for _, enc := range []string{"libx264", "libopenh264"} {
		if !isEncoderUsable("/nonexistent/ffmpeg", enc, discardLogger{}) {
			t.Errorf("Expected %s to be usable", enc)
		}
	}
	if isEncoderUsable("/nonexistent/ffmpeg", "h264_v4l2m2m", discardLogger{}) {
		t.Error("Expected hardware encoder check to fail without ffmpeg")
	}
}
