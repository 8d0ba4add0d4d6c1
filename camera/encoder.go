package camera

import (
	"os/exec"
	"strings"
)

// detectH264Encoder checks which H.264 encoders ffmpeg offers and returns the best usable one.
// Priority: h264_v4l2m2m (Pi hardware) > h264_vaapi (generic hardware) > libopenh264 > libx264
func detectH264Encoder(ffmpeg string, logger Logger) string {
	output, err := exec.Command(ffmpeg, "-hide_banner", "-encoders").CombinedOutput()
	if err != nil {
		logger.Debugf("Failed to query FFmpeg encoders: %v", err)
		return "libx264"
	}

	encoders := string(output)
	preferred := []string{
		"h264_v4l2m2m",
		"h264_vaapi",
		"libopenh264",
		"libx264",
	}

	for _, encoder := range preferred {
		if strings.Contains(encoders, encoder) && isEncoderUsable(ffmpeg, encoder, logger) {
			return encoder
		}
	}

	logger.Printf("[WARN] No suitable H.264 encoder found, defaulting to libx264")
	return "libx264"
}

// isEncoderUsable runs a tiny test encode for hardware encoders, which are
// often listed even when the hardware is missing
func isEncoderUsable(ffmpeg, encoder string, logger Logger) bool {
	if encoder != "h264_v4l2m2m" && encoder != "h264_vaapi" {
		return true
	}

	testCmd := exec.Command(ffmpeg,
		"-hide_banner",
		"-loglevel", "error",
		"-f", "lavfi",
		"-i", "color=c=black:s=640x480:d=0.1",
		"-c:v", encoder,
		"-f", "null",
		"-",
	)
	if err := testCmd.Run(); err != nil {
		logger.Debugf("Encoder %s not usable: %v", encoder, err)
		return false
	}
	return true
}
