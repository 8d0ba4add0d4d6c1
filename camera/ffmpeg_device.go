package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// FFmpeg stderr capture
	FFmpegStderrBufferKB = 4

	// An ffmpeg that survives this long after start has opened the camera
	ffmpegStartupGrace = 500 * time.Millisecond

	readBufferKB = 64
)

// FFmpegDeviceConfig configures the ffmpeg backed V4L2 camera pipeline
type FFmpegDeviceConfig struct {
	FFmpegPath    string
	Width         int // capture and recording resolution
	Height        int
	RecordFPS     int
	PreviewWidth  int
	PreviewHeight int
	PreviewFPS    int
	MJPEGQuality  int    // 2-31, lower is better
	Encoder       string // H.264 encoder, detected when empty
	Rotation      int    // CSI cameras only, 0 or 180
}

// NewFFmpegOpener returns an Opener that runs one ffmpeg per camera with two
// outputs: a scaled MJPEG preview on stdout and an H.264 Annex-B recording
// stream on fd 3. Identity.ID is the capture device, e.g. /dev/video0, or
// csi:N for a Pi CSI camera, in which case rpicam-vid feeds ffmpeg's stdin.
func NewFFmpegOpener(cfg FFmpegDeviceConfig, logger Logger) Opener {
	logger = orDiscard(logger)
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.MJPEGQuality == 0 {
		cfg.MJPEGQuality = 8
	}

	var detectOnce sync.Once
	return func(ctx context.Context, id Identity) (Device, error) {
		if _, err := exec.LookPath(cfg.FFmpegPath); err != nil {
			return nil, fmt.Errorf("ffmpeg not available: %w", err)
		}
		if isCSI(id.ID) {
			if !isLibcameraAvailable(logger) {
				return nil, fmt.Errorf("camera '%s': %s not available", id.Label, rpicamBinary)
			}
		} else if runtime.GOOS == "linux" {
			if _, err := os.Stat(id.ID); err != nil {
				return nil, fmt.Errorf("capture device %s: %w", id.ID, err)
			}
		}

		detectOnce.Do(func() {
			if cfg.Encoder == "" {
				cfg.Encoder = detectH264Encoder(cfg.FFmpegPath, logger)
			}
			logger.Printf("Using video encoder: %s", cfg.Encoder)
		})

		return startFFmpegDevice(ctx, cfg, id, logger)
	}
}

type ffmpegDevice struct {
	id      Identity
	logger  Logger
	cmd     *exec.Cmd
	source  *exec.Cmd // rpicam-vid for CSI cameras, nil otherwise
	preview *Queue
	record  *Queue

	mjpeg  *os.File
	h264   *os.File
	stderr *stderrTail

	exited    chan struct{}
	readers   sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func startFFmpegDevice(ctx context.Context, cfg FFmpegDeviceConfig, id Identity, logger Logger) (*ffmpegDevice, error) {
	// plain pipes rather than StdoutPipe: Wait must not close what the readers still use
	mjpegRead, mjpegWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create preview pipe: %w", err)
	}
	h264Read, h264Write, err := os.Pipe()
	if err != nil {
		mjpegRead.Close()
		mjpegWrite.Close()
		return nil, fmt.Errorf("failed to create recording pipe: %w", err)
	}

	stderr := &stderrTail{max: FFmpegStderrBufferKB * BytesPerKB}

	cmd := exec.Command(cfg.FFmpegPath, ffmpegArgs(cfg, id)...)
	cmd.Stdout = mjpegWrite
	cmd.ExtraFiles = []*os.File{h264Write} // fd 3 in the child
	cmd.Stderr = stderr

	var source *exec.Cmd
	if isCSI(id.ID) {
		source, err = startRpicam(cfg, id, cmd, stderr)
		if err != nil {
			mjpegRead.Close()
			mjpegWrite.Close()
			h264Read.Close()
			h264Write.Close()
			return nil, err
		}
	}

	startErr := cmd.Start()
	mjpegWrite.Close()
	h264Write.Close()
	if source != nil {
		// the child holds its own copy of the pipe now
		cmd.Stdin.(*os.File).Close()
	}
	if startErr != nil {
		if source != nil {
			_ = source.Process.Kill()
			_ = source.Wait()
		}
		mjpegRead.Close()
		h264Read.Close()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", startErr)
	}

	d := &ffmpegDevice{
		id:      id,
		logger:  logger,
		cmd:     cmd,
		source:  source,
		preview: NewQueue(PreviewQueueSize),
		record:  NewQueue(RecordingQueueSize),
		mjpeg:   mjpegRead,
		h264:    h264Read,
		stderr:  stderr,
		exited:  make(chan struct{}),
	}

	d.readers.Add(2)
	go d.readPreview()
	go d.readRecording()
	go func() {
		_ = cmd.Wait()
		close(d.exited)
	}()

	select {
	case <-d.exited:
		d.Close()
		return nil, fmt.Errorf("ffmpeg exited during startup: %s", stderr.String())
	case <-ctx.Done():
		d.Close()
		return nil, ctx.Err()
	case <-time.After(ffmpegStartupGrace):
	}

	return d, nil
}

// startRpicam starts rpicam-vid with its stdout wired to ffmpeg's stdin
func startRpicam(cfg FFmpegDeviceConfig, id Identity, ffmpeg *exec.Cmd, stderr *stderrTail) (*exec.Cmd, error) {
	source, err := rpicamCommand(cfg, id)
	if err != nil {
		return nil, err
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create capture pipe: %w", err)
	}
	source.Stdout = w
	source.Stderr = stderr
	ffmpeg.Stdin = r

	err = source.Start()
	w.Close()
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to start %s: %w", rpicamBinary, err)
	}
	return source, nil
}

// ffmpegArgs builds one capture with a preview and a recording output
func ffmpegArgs(cfg FFmpegDeviceConfig, id Identity) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
	}

	recordCodec := []string{"-c:v", cfg.Encoder, "-pix_fmt", "yuv420p"}
	if isCSI(id.ID) {
		// already H.264 from the ISP encoder, copy it through untouched
		args = append(args,
			"-f", "h264",
			"-framerate", strconv.Itoa(cfg.RecordFPS),
			"-i", "pipe:0",
		)
		recordCodec = []string{"-c:v", "copy"}
	} else {
		inputFormat, inputDevice := captureInput(id.ID)
		args = append(args, "-f", inputFormat)
		if inputFormat == "v4l2" {
			args = append(args,
				"-input_format", "mjpeg",
				"-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
			)
		}
		args = append(args,
			"-framerate", strconv.Itoa(cfg.RecordFPS),
			"-rtbufsize", "5M",
			"-thread_queue_size", "16",
			"-i", inputDevice,
		)
	}

	// preview: small MJPEG, one JPEG per frame
	args = append(args,
		"-map", "0:v",
		"-vf", fmt.Sprintf("scale=%d:%d", cfg.PreviewWidth, cfg.PreviewHeight),
		"-r", strconv.Itoa(cfg.PreviewFPS),
		"-c:v", "mjpeg",
		"-q:v", strconv.Itoa(cfg.MJPEGQuality),
		"-f", "mjpeg",
		"pipe:1",
	)

	// recording: raw H.264 bitstream
	args = append(args, "-map", "0:v", "-r", strconv.Itoa(cfg.RecordFPS))
	args = append(args, recordCodec...)
	args = append(args, "-f", "h264", "pipe:3")
	return args
}

// captureInput returns the ffmpeg input format and device based on OS
func captureInput(device string) (string, string) {
	switch runtime.GOOS {
	case "darwin":
		if device == "" {
			device = "0"
		}
		return "avfoundation", device
	default:
		if device == "" {
			device = "/dev/video0"
		}
		return "v4l2", device
	}
}

func (d *ffmpegDevice) Preview() PacketSource   { return d.preview }
func (d *ffmpegDevice) Recording() PacketSource { return d.record }

// Close kills ffmpeg and waits for both readers
func (d *ffmpegDevice) Close() error {
	d.closeOnce.Do(func() {
		if d.cmd.Process != nil {
			if err := d.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				d.closeErr = err
			}
		}
		<-d.exited
		if d.source != nil {
			if err := d.source.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) && d.closeErr == nil {
				d.closeErr = err
			}
			_ = d.source.Wait()
		}
		d.mjpeg.Close()
		d.h264.Close()
		d.readers.Wait()

		if tail := d.stderr.String(); tail != "" {
			d.logger.Debugf("Camera '%s': ffmpeg output: %s", d.id.Label, tail)
		}
	})
	return d.closeErr
}

func (d *ffmpegDevice) readPreview() {
	defer d.readers.Done()

	splitter := newJPEGSplitter()
	buf := make([]byte, readBufferKB*BytesPerKB)
	for {
		n, err := d.mjpeg.Read(buf)
		if n > 0 {
			now := time.Now()
			for _, frame := range splitter.Feed(buf[:n]) {
				d.preview.Push(Packet{Data: frame, Timestamp: now})
			}
		}
		if err != nil {
			return
		}
	}
}

func (d *ffmpegDevice) readRecording() {
	defer d.readers.Done()

	buf := make([]byte, readBufferKB*BytesPerKB)
	for {
		n, err := d.h264.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			d.record.Push(Packet{Data: data, Timestamp: time.Now()})
		}
		if err != nil {
			return
		}
	}
}

// stderrTail keeps the last max bytes ffmpeg wrote to stderr
type stderrTail struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *stderrTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
