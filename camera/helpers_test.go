package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeDevice hands out two queues that tests fill by hand
type fakeDevice struct {
	preview *Queue
	record  *Queue
	closed  atomic.Int32
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		preview: NewQueue(PreviewQueueSize),
		record:  NewQueue(RecordingQueueSize),
	}
}

func (d *fakeDevice) Preview() PacketSource   { return d.preview }
func (d *fakeDevice) Recording() PacketSource { return d.record }
func (d *fakeDevice) Close() error {
	d.closed.Add(1)
	return nil
}

func openerFor(dev *fakeDevice) Opener {
	return func(context.Context, Identity) (Device, error) {
		return dev, nil
	}
}

var errConvert = errors.New("fake: conversion failed")

// fakeConverter copies the raw chunk into the output file, or fails
type fakeConverter struct {
	mu    sync.Mutex
	fail  bool
	calls []string
	block chan struct{} // if set, Convert waits until it is closed
	panic bool
}

func (c *fakeConverter) Convert(ctx context.Context, input, output string, fps int) error {
	c.mu.Lock()
	c.calls = append(c.calls, input)
	fail, block, doPanic := c.fail, c.block, c.panic
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if doPanic {
		panic("fake converter exploded")
	}

	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	if fail {
		// leave a partial file behind like a crashed ffmpeg would
		_ = os.WriteFile(output, data[:len(data)/2], 0644)
		return errConvert
	}
	return os.WriteFile(output, data, 0644)
}

func (c *fakeConverter) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

// manualClock only moves when the test says so
type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func newManualClock() *manualClock {
	return &manualClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.Local)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testSessionConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.ChunkDuration = 10 * time.Second
	cfg.StopTimeout = time.Second
	cfg.DrainTimeout = 5 * time.Second
	cfg.Reconnect = ReconnectConfig{MaxRetries: 2, RetryDelay: time.Millisecond}
	return cfg
}

// newSteppedSession builds a session whose drain loop is driven by the
// test through drainOnce, with a running remux worker and a manual clock.
func newSteppedSession(t *testing.T, conv Converter) (*Session, *fakeDevice, *manualClock) {
	t.Helper()

	dev := newFakeDevice()
	clock := newManualClock()
	s := NewSession(Identity{ID: "fake0", Label: "narrow"}, openerFor(dev), conv, testSessionConfig(), nil)
	s.now = clock.Now
	s.preview = dev.Preview()
	s.record = dev.Recording()
	s.remux.Start()
	s.running = true
	t.Cleanup(func() { s.remux.Stop(time.Second) })

	return s, dev, clock
}

func push(q *Queue, payloads ...string) {
	for _, p := range payloads {
		q.Push(Packet{Data: []byte(p), Timestamp: time.Now()})
	}
}

// eventually polls cond until it holds or the deadline passes
func eventually(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

// recordingLogger keeps every Printf line
type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Printf(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, v...))
}

func (l *recordingLogger) Debugf(string, ...interface{}) {}
func (l *recordingLogger) Fatalf(format string, v ...interface{}) {
	panic(fmt.Sprintf(format, v...))
}

// count returns how many lines contain substr
func (l *recordingLogger) count(substr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}
