package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultChunkDuration = 60 * time.Second
	DefaultPollInterval  = 500 * time.Microsecond
	DefaultStopTimeout   = 5 * time.Second
	DefaultDrainTimeout  = 2 * time.Minute

	// Don't log the same write error more than once per interval
	ErrorLogThrottle = 5 * time.Second

	chunkTimestampLayout = "20060102_150405"
)

// ErrNotConnected is returned by StartRecording when the session has no
// running drain loop, either because Start failed or because it was stopped
var ErrNotConnected = errors.New("camera: session is not connected")

// SessionConfig holds the timing and file settings of a Device Session
type SessionConfig struct {
	ChunkDuration time.Duration // roll over to a new file after this long
	PollInterval  time.Duration // pause between drain loop iterations
	StopTimeout   time.Duration // bound on joining the drain loop and remux worker
	DrainTimeout  time.Duration // bound on StopRecording waiting for remux
	RawExt        string        // extension of chunks while open or unconverted
	Reconnect     ReconnectConfig
	Remux         RemuxConfig
}

// DefaultSessionConfig returns the default session settings
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ChunkDuration: DefaultChunkDuration,
		PollInterval:  DefaultPollInterval,
		StopTimeout:   DefaultStopTimeout,
		DrainTimeout:  DefaultDrainTimeout,
		RawExt:        ExtensionH264,
		Reconnect:     DefaultReconnectConfig(),
		Remux:         DefaultRemuxConfig(),
	}
}

func (c SessionConfig) withDefaults() SessionConfig {
	d := DefaultSessionConfig()
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = d.ChunkDuration
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	if c.RawExt == "" {
		c.RawExt = d.RawExt
	}
	return c
}

// Session owns one camera: it drains both hardware queues, caches the
// latest preview frame and writes the recording stream into rolling
// chunk files that are handed to a private Remuxer once closed.
type Session struct {
	identity  Identity
	cfg       SessionConfig
	logger    Logger
	connector *Connector
	remux     *Remuxer
	now       func() time.Time

	// set by Start, read only by the drain loop afterwards
	preview PacketSource
	record  PacketSource

	stopCh   chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}

	// everything below is shared with caller goroutines and guarded by mu
	mu            sync.Mutex
	latestFrame   []byte
	recording     bool
	sessionID     string
	chunkFile     *os.File
	chunkPath     string
	chunkStarted  time.Time
	outDir        string
	chunks        []string
	lastWriteErr  time.Time
	started       bool
	running       bool // drain loop is consuming packets
	tracking      bool // chunks belong to a recording that StopRecording has not returned yet
	bytesRecorded int64
}

// NewSession creates a session for one camera. conv is used by its
// private remux worker.
func NewSession(id Identity, open Opener, conv Converter, cfg SessionConfig, logger Logger) *Session {
	cfg = cfg.withDefaults()
	logger = orDiscard(logger)
	return &Session{
		identity:  id,
		cfg:       cfg,
		logger:    logger,
		connector: NewConnector(open, cfg.Reconnect, logger),
		remux:     NewRemuxer(conv, cfg.Remux, logger),
		now:       time.Now,
		stopCh:    make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
}

// Identity returns the camera this session drives
func (s *Session) Identity() Identity {
	return s.identity
}

// State returns the hardware connection state
func (s *Session) State() ConnState {
	return s.connector.State()
}

// Start opens the hardware, retrying transient failures, then launches the
// remux worker and the drain loop. A session is single-shot: Start must
// not be called again, even after Stop.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("camera '%s': session already started", s.identity.Label)
	}
	s.started = true
	s.mu.Unlock()

	// Stop must be able to abort a pending retry loop
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	dev, err := s.connector.Connect(ctx, s.identity)
	cancel()
	if err != nil {
		close(s.loopDone)
		return err
	}

	s.preview = dev.Preview()
	s.record = dev.Recording()
	s.remux.Start()

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	go s.run(dev)

	s.logger.Printf("Camera '%s' (%s): drain loop started", s.identity.Label, s.identity.ID)
	return nil
}

// Stop signals the drain loop, waits for it up to StopTimeout, and shuts
// the remux worker down. An active recording is left as it is.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	// a session that never started has no loop to join; it cannot start later either
	s.mu.Lock()
	s.running = false
	if !s.started {
		s.started = true
		close(s.loopDone)
	}
	s.mu.Unlock()

	select {
	case <-s.loopDone:
	case <-time.After(s.cfg.StopTimeout):
		s.logger.Printf("[WARN] Camera '%s': drain loop did not stop within %s", s.identity.Label, s.cfg.StopTimeout)
	}

	s.remux.Stop(s.cfg.StopTimeout)
	s.logger.Printf("Camera '%s': stopped", s.identity.Label)
}

// LatestFrame returns a copy of the last preview packet, or nil before the first one
func (s *Session) LatestFrame() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latestFrame == nil {
		return nil
	}
	frame := make([]byte, len(s.latestFrame))
	copy(frame, s.latestFrame)
	return frame
}

// IsRecording reports whether recording packets are being persisted
func (s *Session) IsRecording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// CurrentChunk returns the path of the open chunk, or "" when not recording
func (s *Session) CurrentChunk() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunkPath
}

// TrackedChunks returns every file the running recording may still hand
// back from StopRecording: each chunk in its list, under both the raw and
// the container extension, since a finished remux may not be applied yet.
func (s *Session) TrackedChunks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.tracking {
		return nil
	}
	paths := make([]string, 0, 2*len(s.chunks))
	for _, p := range s.chunks {
		paths = append(paths,
			ContainerPath(p, s.cfg.RawExt),
			ContainerPath(p, s.remux.cfg.ContainerExt),
		)
	}
	return paths
}

// StartRecording begins a new recording session in dir and returns the
// first chunk path. If a recording is already running its open chunk is
// closed and queued for remux, but it is no longer tracked: the chunk
// list only ever describes the newest recording session.
func (s *Session) StartRecording(dir string) (string, error) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return "", fmt.Errorf("camera '%s': %w (state %s)", s.identity.Label, ErrNotConnected, s.connector.State())
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create recording directory: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Stop may have run while the directory was being created
	if !s.running {
		return "", fmt.Errorf("camera '%s': %w", s.identity.Label, ErrNotConnected)
	}

	if s.chunkFile != nil {
		s.logger.Printf("[WARN] Camera '%s': recording restarted, previous session %s is no longer tracked", s.identity.Label, s.sessionID)
		s.closeChunkLocked()
	}

	s.sessionID = uuid.NewString()
	s.chunks = nil
	s.tracking = true
	s.outDir = dir
	s.bytesRecorded = 0

	path, err := s.openChunkLocked()
	if err != nil {
		s.recording = false
		return "", err
	}
	s.recording = true

	s.logger.Printf("Camera '%s': recording started (session %s): %s", s.identity.Label, s.sessionID, filepath.Base(path))
	return path, nil
}

// StopRecording closes the open chunk, waits for every chunk still being
// remuxed, and returns the chunk list of the recording session. Each entry
// carries the extension that matches what is on disk.
func (s *Session) StopRecording() []string {
	s.mu.Lock()
	s.recording = false
	if s.chunkFile != nil {
		s.closeChunkLocked()
	}
	s.mu.Unlock()

	s.waitForRemux()

	s.mu.Lock()
	defer s.mu.Unlock()

	chunks := make([]string, len(s.chunks))
	copy(chunks, s.chunks)
	s.tracking = false
	s.logger.Printf("Camera '%s': recording stopped, %d chunk(s), %d bytes", s.identity.Label, len(chunks), s.bytesRecorded)
	return chunks
}

// waitForRemux applies completion records until nothing is pending or
// DrainTimeout expires. The drain loop may be consuming results at the
// same time; Settled wakes this loop when it does.
func (s *Session) waitForRemux() {
	deadline := time.NewTimer(s.cfg.DrainTimeout)
	defer deadline.Stop()

	for s.remux.Pending() > 0 {
		select {
		case res := <-s.remux.Results():
			s.applyRemux(res)
		case <-s.remux.Settled():
		case <-deadline.C:
			s.logger.Printf("[WARN] Camera '%s': %d remux job(s) still running after %s", s.identity.Label, s.remux.Pending(), s.cfg.DrainTimeout)
			return
		}
	}
}

// applyRemux rewrites the chunk list entry for a finished job. Results of
// an abandoned recording session only changed files on disk.
func (s *Session) applyRemux(res RemuxResult) {
	s.mu.Lock()
	if res.Err == nil && res.Session == s.sessionID {
		for i, p := range s.chunks {
			if p == res.Source {
				s.chunks[i] = res.Output
				break
			}
		}
	}
	s.mu.Unlock()

	s.remux.Settle()
}

// run is the drain loop. It owns the device and releases it on every exit path.
func (s *Session) run(dev Device) {
	defer close(s.loopDone)
	defer func() {
		if err := dev.Close(); err != nil {
			s.logger.Printf("[WARN] Camera '%s': failed to close device: %v", s.identity.Label, err)
		}
		s.connector.Disconnect()
	}()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.drainOnce()
		s.applyPendingResults()

		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// drainOnce runs one drain loop iteration: take at most one preview packet,
// roll the chunk over if it is due, then empty the recording queue.
func (s *Session) drainOnce() {
	if pkt, ok := s.preview.TryGet(); ok {
		frame := make([]byte, len(pkt.Data))
		copy(frame, pkt.Data)
		s.mu.Lock()
		s.latestFrame = frame
		s.mu.Unlock()
	}

	// Holding the lock for rollover and writes keeps every packet of this
	// iteration in a single chunk file.
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.recording && s.chunkFile != nil && s.now().Sub(s.chunkStarted) >= s.cfg.ChunkDuration {
		s.rolloverLocked()
	}

	// The hardware stalls once its queue fills, so drain until empty
	// whether or not anything is being recorded.
	for {
		pkt, ok := s.record.TryGet()
		if !ok {
			return
		}
		if !s.recording || s.chunkFile == nil {
			continue
		}
		n, err := s.chunkFile.Write(pkt.Data)
		s.bytesRecorded += int64(n)
		if err != nil {
			if now := s.now(); now.Sub(s.lastWriteErr) > ErrorLogThrottle {
				s.logger.Printf("Camera '%s': chunk write error: %v", s.identity.Label, err)
				s.lastWriteErr = now
			}
		}
	}
}

// applyPendingResults applies whatever completion records are ready without waiting
func (s *Session) applyPendingResults() {
	for {
		select {
		case res := <-s.remux.Results():
			s.applyRemux(res)
		default:
			return
		}
	}
}

// rolloverLocked closes the current chunk, queues it and opens the next one
func (s *Session) rolloverLocked() {
	prev := s.chunkPath
	s.closeChunkLocked()

	path, err := s.openChunkLocked()
	if err != nil {
		// nowhere to write, so recording ends here
		s.logger.Printf("Camera '%s': failed to open next chunk, recording stopped: %v", s.identity.Label, err)
		s.recording = false
		return
	}
	s.logger.Debugf("Camera '%s': rolled over %s -> %s", s.identity.Label, filepath.Base(prev), filepath.Base(path))
}

// openChunkLocked creates a fresh chunk file in the session's output directory
func (s *Session) openChunkLocked() (string, error) {
	now := s.now()
	base := fmt.Sprintf("%s_%s", s.identity.Label, now.Format(chunkTimestampLayout))

	var (
		f    *os.File
		path string
		err  error
	)
	for i := 0; ; i++ {
		name := base + s.cfg.RawExt
		if i > 0 {
			name = fmt.Sprintf("%s-%d%s", base, i, s.cfg.RawExt)
		}
		path = filepath.Join(s.outDir, name)
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) || i >= 100 {
			return "", fmt.Errorf("failed to create chunk file: %w", err)
		}
	}

	s.chunkFile = f
	s.chunkPath = path
	s.chunkStarted = now
	s.chunks = append(s.chunks, path)
	return path, nil
}

// closeChunkLocked closes the open chunk and submits it for remux
func (s *Session) closeChunkLocked() {
	path := s.chunkPath
	if err := s.chunkFile.Close(); err != nil {
		s.logger.Printf("[WARN] Camera '%s': failed to close %s: %v", s.identity.Label, filepath.Base(path), err)
	}
	s.chunkFile = nil
	s.chunkPath = ""
	s.chunkStarted = time.Time{}

	s.remux.Submit(RemuxJob{Session: s.sessionID, Path: path})
}
