package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	"golang.org/x/exp/mmap"
)

// ErrEmptyChunk means a chunk was closed before any bitstream was written
var ErrEmptyChunk = errors.New("camera: chunk is empty")

const (
	DefaultRemuxFPS        = 30
	DefaultRemuxBacklog    = 128
	DefaultRemuxJobTimeout = 2 * time.Minute

	ExtensionH264 = ".h264"
	ExtensionMP4  = ".mp4"

	// Bytes scanned for an Annex-B start code before converting
	startCodeProbeBytes = 64
)

// Converter repackages a raw bitstream file into a container without re-encoding
type Converter interface {
	Convert(ctx context.Context, input, output string, fps int) error
}

// FFmpegConverter remuxes with `ffmpeg -r <fps> -i <raw> -c copy <out>`
type FFmpegConverter struct {
	Path string // ffmpeg binary, "ffmpeg" from PATH if empty
}

// Convert runs ffmpeg synchronously and reports its stderr on failure
func (f FFmpegConverter) Convert(ctx context.Context, input, output string, fps int) error {
	bin := f.Path
	if bin == "" {
		bin = "ffmpeg"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return fmt.Errorf("ffmpeg not available: %w", err)
	}

	// rebuilt with the context so a hung remux is killed at the job timeout
	cmd := exec.CommandContext(ctx, bin, remuxArgs(input, output, fps)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg remux failed: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// remuxArgs returns the ffmpeg arguments (without the binary) that copy the
// raw stream into a container, stamping the nominal frame rate on the input
func remuxArgs(input, output string, fps int) []string {
	compiled := ffmpeg.Input(input, ffmpeg.KwArgs{"r": strconv.Itoa(fps)}).
		Output(output, ffmpeg.KwArgs{"c": "copy"}).
		GlobalArgs("-loglevel", "error").
		OverWriteOutput().
		Compile()
	return compiled.Args[1:]
}

// RemuxConfig configures the per-session remux worker
type RemuxConfig struct {
	FrameRate    int           // nominal frame rate written into the container
	ContainerExt string        // extension of converted files, e.g. ".mp4"
	Backlog      int           // max jobs submitted but not yet settled
	JobTimeout   time.Duration // upper bound on a single conversion
}

// DefaultRemuxConfig returns the default remux settings
func DefaultRemuxConfig() RemuxConfig {
	return RemuxConfig{
		FrameRate:    DefaultRemuxFPS,
		ContainerExt: ExtensionMP4,
		Backlog:      DefaultRemuxBacklog,
		JobTimeout:   DefaultRemuxJobTimeout,
	}
}

// RemuxJob is one closed raw chunk, tagged with the recording session it belongs to
type RemuxJob struct {
	Session string
	Path    string
}

// RemuxResult is the completion record for a job
type RemuxResult struct {
	Session string
	Source  string // raw chunk path as submitted
	Output  string // converted path, empty on failure
	Err     error
}

// Final returns the path that holds the chunk after the job finished
func (r RemuxResult) Final() string {
	if r.Err != nil || r.Output == "" {
		return r.Source
	}
	return r.Output
}

// Remuxer converts closed chunks on its own goroutine so the drain loop
// never waits on ffmpeg. Jobs go in through Submit, completion records
// come out of Results. A job counts as pending until its result has been
// applied by the consumer and Settle has been called.
type Remuxer struct {
	conv   Converter
	cfg    RemuxConfig
	logger Logger

	jobs    chan RemuxJob
	results chan RemuxResult
	settled chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	pending int
	started bool
	closed  bool
}

// NewRemuxer creates a stopped remuxer; call Start to launch the worker
func NewRemuxer(conv Converter, cfg RemuxConfig, logger Logger) *Remuxer {
	if cfg.Backlog < 1 {
		cfg.Backlog = DefaultRemuxBacklog
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = DefaultRemuxFPS
	}
	if cfg.ContainerExt == "" {
		cfg.ContainerExt = ExtensionMP4
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultRemuxJobTimeout
	}
	return &Remuxer{
		conv:    conv,
		cfg:     cfg,
		logger:  orDiscard(logger),
		jobs:    make(chan RemuxJob, cfg.Backlog),
		results: make(chan RemuxResult, cfg.Backlog),
		settled: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start launches the worker goroutine
func (r *Remuxer) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	go r.run()
}

// Submit enqueues a job without blocking. It returns false when the
// remuxer is stopped or the backlog is full; the chunk then stays raw.
func (r *Remuxer) Submit(job RemuxJob) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || !r.started {
		r.logger.Printf("[WARN] Remuxer not running, leaving %s raw", filepath.Base(job.Path))
		return false
	}
	if r.pending >= r.cfg.Backlog {
		r.logger.Printf("[WARN] Remux backlog full (%d), leaving %s raw", r.pending, filepath.Base(job.Path))
		return false
	}

	// pending bounds both channels, so this send cannot block
	r.pending++
	r.jobs <- job
	return true
}

// Results delivers one completion record per submitted job
func (r *Remuxer) Results() <-chan RemuxResult {
	return r.results
}

// Settle marks one result as applied by its consumer
func (r *Remuxer) Settle() {
	r.mu.Lock()
	if r.pending > 0 {
		r.pending--
	}
	r.mu.Unlock()

	select {
	case r.settled <- struct{}{}:
	default:
	}
}

// Settled fires after a Settle call, so a waiter can re-check Pending
func (r *Remuxer) Settled() <-chan struct{} {
	return r.settled
}

// Pending returns the number of submitted jobs whose result is not yet settled
func (r *Remuxer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// Stop closes the job queue and waits up to timeout for the worker to
// finish what is already queued. It reports whether the worker exited.
func (r *Remuxer) Stop(timeout time.Duration) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return true
	}
	r.closed = true
	close(r.jobs)
	started := r.started
	r.mu.Unlock()

	if !started {
		return true
	}

	select {
	case <-r.done:
		return true
	case <-time.After(timeout):
		r.logger.Printf("[WARN] Remux worker did not stop within %s", timeout)
		return false
	}
}

func (r *Remuxer) run() {
	defer close(r.done)
	for job := range r.jobs {
		r.results <- r.process(job)
	}
}

// process never panics or returns early without a result
func (r *Remuxer) process(job RemuxJob) (res RemuxResult) {
	res = RemuxResult{Session: job.Session, Source: job.Path}

	defer func() {
		if p := recover(); p != nil {
			res.Output = ""
			res.Err = fmt.Errorf("remux panicked: %v", p)
			r.logger.Printf("[WARN] Remux of %s panicked: %v", filepath.Base(job.Path), p)
		}
	}()

	if err := r.probe(job.Path); err != nil {
		res.Err = err
		r.logger.Printf("[WARN] Skipping remux of %s: %v", filepath.Base(job.Path), err)
		return res
	}

	output := ContainerPath(job.Path, r.cfg.ContainerExt)

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	if err := r.conv.Convert(ctx, job.Path, output, r.cfg.FrameRate); err != nil {
		// a half-written container must not sit next to the raw fallback
		if rmErr := os.Remove(output); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			r.logger.Printf("[WARN] Failed to remove partial %s: %v", filepath.Base(output), rmErr)
		}
		res.Err = err
		r.logger.Printf("[WARN] Remux failed, keeping %s: %v", filepath.Base(job.Path), err)
		return res
	}

	if err := os.Remove(job.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logger.Printf("[WARN] Converted %s but could not delete raw chunk: %v", filepath.Base(job.Path), err)
	}

	res.Output = output
	r.logger.Debugf("Remuxed %s -> %s in %s", filepath.Base(job.Path), filepath.Base(output), time.Since(start).Round(time.Millisecond))
	return res
}

// probe maps the raw chunk and checks there is something to convert
func (r *Remuxer) probe(path string) error {
	m, err := mmap.Open(path)
	if err != nil {
		return fmt.Errorf("failed to map chunk: %w", err)
	}
	defer m.Close()

	if m.Len() == 0 {
		return ErrEmptyChunk
	}

	n := m.Len()
	if n > startCodeProbeBytes {
		n = startCodeProbeBytes
	}
	head := make([]byte, n)
	if _, err := m.ReadAt(head, 0); err != nil && err != io.EOF {
		return fmt.Errorf("failed to read chunk: %w", err)
	}
	if !hasStartCode(head) {
		r.logger.Debugf("Chunk %s has no Annex-B start code in its first %d bytes", filepath.Base(path), n)
	}
	return nil
}

// hasStartCode looks for 00 00 01 (which also covers 00 00 00 01)
func hasStartCode(b []byte) bool {
	for i := 0; i+2 < len(b); i++ {
		if b[i] == 0 && b[i+1] == 0 && b[i+2] == 1 {
			return true
		}
	}
	return false
}

// ContainerPath swaps the extension of a raw chunk path
func ContainerPath(raw, ext string) string {
	return strings.TrimSuffix(raw, filepath.Ext(raw)) + ext
}
