package camera

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"
)

// ErrStopped is returned by operations that need a running session after StopAll
var ErrStopped = errors.New("camera: sessions are stopped")

// ErrUnknownLabel marks a label that was never registered
var ErrUnknownLabel = errors.New("camera: unknown label")

// DateDirLayout names the per-day recording directory
const DateDirLayout = "2006-01-02"

// PreviewOptions are the per-request preview settings of a consumer
type PreviewOptions struct {
	Enabled bool
}

// ManagerConfig describes the cameras and how their sessions are built
type ManagerConfig struct {
	Devices   []Identity // registration order, also the toggle order
	OutputDir string     // recordings root; a date directory is created below it
	Session   SessionConfig
	Opener    Opener
	Converter Converter
}

// Manager owns one Session per camera and routes preview and recording
// calls to the active one.
type Manager struct {
	cfg    ManagerConfig
	logger Logger
	labels []string
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session // label -> session, nil after StopAll
	active   string
}

// NewManager validates the device list and creates a manager with no
// sessions yet; call StartAll to create and start them.
func NewManager(cfg ManagerConfig, logger Logger) (*Manager, error) {
	if len(cfg.Devices) == 0 {
		return nil, fmt.Errorf("no cameras configured")
	}
	if cfg.Opener == nil {
		return nil, fmt.Errorf("no device opener configured")
	}
	if cfg.Converter == nil {
		cfg.Converter = FFmpegConverter{}
	}

	labels := make([]string, 0, len(cfg.Devices))
	seen := make(map[string]bool, len(cfg.Devices))
	for _, d := range cfg.Devices {
		if d.Label == "" {
			return nil, fmt.Errorf("camera %q has no label", d.ID)
		}
		if seen[d.Label] {
			return nil, fmt.Errorf("duplicate camera label %q", d.Label)
		}
		seen[d.Label] = true
		labels = append(labels, d.Label)
	}

	return &Manager{
		cfg:    cfg,
		logger: orDiscard(logger),
		labels: labels,
		now:    time.Now,
		active: labels[0],
	}, nil
}

// StartAll creates a fresh Session for every camera and starts them
// concurrently. Old sessions are never resumed. Sessions that fail to
// open stay registered; their errors are joined into the result.
func (m *Manager) StartAll(ctx context.Context) error {
	m.StopAll()

	sessions := make(map[string]*Session, len(m.cfg.Devices))
	for _, id := range m.cfg.Devices {
		sessions[id.Label] = NewSession(id, m.cfg.Opener, m.cfg.Converter, m.cfg.Session, m.logger)
		m.logger.Printf("Initialized camera: %s (%s)", id.Label, id.ID)
	}

	m.mu.Lock()
	m.sessions = sessions
	m.mu.Unlock()

	var (
		wg   sync.WaitGroup
		errs = make([]error, len(m.cfg.Devices))
	)
	for i, id := range m.cfg.Devices {
		wg.Add(1)
		go func(i int, s *Session) {
			defer wg.Done()
			if err := s.Start(ctx); err != nil {
				m.logger.Printf("Camera '%s' failed to start: %v", s.Identity().Label, err)
				errs[i] = err
			}
		}(i, sessions[id.Label])
	}
	wg.Wait()

	return errors.Join(errs...)
}

// StopAll stops every session concurrently and drops them. In-memory
// recording state is lost; files already on disk stay.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = nil
	m.mu.Unlock()

	if sessions == nil {
		return
	}

	var wg sync.WaitGroup
	for label, s := range sessions {
		m.logger.Printf("Stopping camera: %s", label)
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
}

// Labels returns the camera labels in registration order
func (m *Manager) Labels() []string {
	labels := make([]string, len(m.labels))
	copy(labels, m.labels)
	return labels
}

// Active returns the label that preview and recording calls are routed to
func (m *Manager) Active() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Toggle advances to the next camera in registration order, wrapping around
func (m *Manager) Toggle() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := 0
	for i, l := range m.labels {
		if l == m.active {
			idx = i
			break
		}
	}
	m.active = m.labels[(idx+1)%len(m.labels)]
	return m.active
}

// Select makes label the active camera. Unknown labels are ignored.
func (m *Manager) Select(label string) {
	if err := m.selectLabel(label); err != nil {
		m.logger.Debugf("Ignoring selection: %v", err)
	}
}

func (m *Manager) selectLabel(label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, l := range m.labels {
		if l == label {
			m.active = label
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownLabel, label)
}

// activeSession returns the session for the active label, nil after StopAll
func (m *Manager) activeSession() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.sessions == nil {
		return nil
	}
	return m.sessions[m.active]
}

// Session returns the session registered under label
func (m *Manager) Session(label string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[label]
	return s, ok
}

// LatestFrame returns the active camera's last preview frame
func (m *Manager) LatestFrame() []byte {
	s := m.activeSession()
	if s == nil {
		return nil
	}
	return s.LatestFrame()
}

// Preview is LatestFrame gated by the consumer's options
func (m *Manager) Preview(opts PreviewOptions) []byte {
	if !opts.Enabled {
		return nil
	}
	return m.LatestFrame()
}

// IsRecording reports whether the active camera is recording
func (m *Manager) IsRecording() bool {
	s := m.activeSession()
	if s == nil {
		return false
	}
	return s.IsRecording()
}

// StartRecording starts recording on the active camera into today's directory
func (m *Manager) StartRecording() (string, error) {
	s := m.activeSession()
	if s == nil {
		return "", ErrStopped
	}
	return s.StartRecording(m.RecordingDir())
}

// StopRecording stops the active camera's recording and returns its chunks
func (m *Manager) StopRecording() []string {
	s := m.activeSession()
	if s == nil {
		return nil
	}
	return s.StopRecording()
}

// RecordingDir returns the date-stamped directory for recordings started now
func (m *Manager) RecordingDir() string {
	return filepath.Join(m.cfg.OutputDir, m.now().Format(DateDirLayout))
}

// OpenChunks returns the chunk files currently being written, across all cameras
func (m *Manager) OpenChunks() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var open []string
	for _, l := range m.labels {
		s, ok := m.sessions[l]
		if !ok {
			continue
		}
		if p := s.CurrentChunk(); p != "" {
			open = append(open, p)
		}
	}
	return open
}

// TrackedChunks returns the files of every running recording across all
// cameras, including closed chunks that are queued or already remuxed
func (m *Manager) TrackedChunks() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var tracked []string
	for _, l := range m.labels {
		if s, ok := m.sessions[l]; ok {
			tracked = append(tracked, s.TrackedChunks()...)
		}
	}
	return tracked
}
