package camera

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// CSI cameras are addressed as "csi:<index>" in Identity.ID
const csiPrefix = "csi:"

const rpicamBinary = "rpicam-vid"

// isCSI reports whether the hardware id names a Pi CSI camera
func isCSI(id string) bool {
	return strings.HasPrefix(id, csiPrefix)
}

// isLibcameraAvailable checks if rpicam-vid is installed
func isLibcameraAvailable(logger Logger) bool {
	_, err := exec.LookPath(rpicamBinary)
	if err != nil {
		logger.Debugf("%s not found: %v", rpicamBinary, err)
		return false
	}
	return true
}

// ListCSICameras returns the raw `rpicam-vid --list-cameras` output, or ""
// when libcamera is missing or sees no camera
func ListCSICameras(logger Logger) string {
	logger = orDiscard(logger)
	if !isLibcameraAvailable(logger) {
		return ""
	}

	output, err := exec.Command(rpicamBinary, "--list-cameras").CombinedOutput()
	if err != nil {
		logger.Debugf("rpicam camera enumeration failed: %v", err)
		return ""
	}

	out := string(output)
	if !strings.Contains(strings.ToLower(out), "available cameras") {
		return ""
	}
	return out
}

// rpicamCommand builds an endless H.264 capture written to stdout.
// ffmpeg picks the stream up on stdin and fans it out.
func rpicamCommand(cfg FFmpegDeviceConfig, id Identity) (*exec.Cmd, error) {
	index := strings.TrimPrefix(id.ID, csiPrefix)
	if _, err := strconv.Atoi(index); err != nil {
		return nil, fmt.Errorf("invalid CSI camera id %q", id.ID)
	}

	args := []string{
		"--camera", index,
		"-t", "0", // run until killed
		"--nopreview",
		"--width", strconv.Itoa(cfg.Width),
		"--height", strconv.Itoa(cfg.Height),
		"--framerate", strconv.Itoa(cfg.RecordFPS),
		"--codec", "h264",
		"--inline", // SPS/PPS before every I-frame so each chunk decodes on its own
		"--flush",
		"-o", "-",
	}
	if cfg.Rotation != 0 {
		args = append(args, "--rotation", strconv.Itoa(cfg.Rotation))
	}

	return exec.Command(rpicamBinary, args...), nil
}
