package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRetriesExhausted is returned once every open attempt has failed
var ErrRetriesExhausted = errors.New("camera: max open retries exceeded")

// ConnState is the state of the hardware connection for one session
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ReconnectConfig controls how opening the hardware is retried.
// The delay between attempts is fixed.
type ReconnectConfig struct {
	MaxRetries int           // retries after the first attempt (default: 10)
	RetryDelay time.Duration // wait between attempts (default: 1 second)
}

// DefaultReconnectConfig returns the default retry policy
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries: 10,
		RetryDelay: 1 * time.Second,
	}
}

// Connector opens a device with a bounded number of attempts and tracks
// Disconnected -> Connecting -> Connected | Failed.
type Connector struct {
	cfg    ReconnectConfig
	open   Opener
	logger Logger

	mu       sync.Mutex
	state    ConnState
	attempts int
	lastErr  error

	// wait is swapped out in tests to avoid real sleeps
	wait func(ctx context.Context, d time.Duration) error
}

// NewConnector creates a connector in the Disconnected state
func NewConnector(open Opener, cfg ReconnectConfig, logger Logger) *Connector {
	return &Connector{
		cfg:    cfg,
		open:   open,
		logger: orDiscard(logger),
		state:  StateDisconnected,
		wait:   sleepContext,
	}
}

// Connect runs the open loop. It returns the device on success, ctx.Err()
// if cancelled, or an error wrapping ErrRetriesExhausted and the last
// open failure once MaxRetries retries have failed.
func (c *Connector) Connect(ctx context.Context, id Identity) (Device, error) {
	c.mu.Lock()
	c.state = StateConnecting
	c.attempts = 0
	c.lastErr = nil
	c.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			c.setState(StateDisconnected)
			return nil, err
		}

		dev, err := c.open(ctx, id)
		c.mu.Lock()
		c.attempts++
		attempts := c.attempts
		if err == nil {
			c.state = StateConnected
			c.mu.Unlock()
			c.logger.Printf("Camera '%s' (%s): connected after %d attempt(s)", id.Label, id.ID, attempts)
			return dev, nil
		}
		c.lastErr = err
		c.mu.Unlock()

		if attempts > c.cfg.MaxRetries {
			c.setState(StateFailed)
			return nil, fmt.Errorf("camera '%s': %w (%d attempts): %v", id.Label, ErrRetriesExhausted, attempts, err)
		}

		c.logger.Printf("Camera '%s': open failed (attempt %d/%d): %v", id.Label, attempts, c.cfg.MaxRetries+1, err)

		if err := c.wait(ctx, c.cfg.RetryDelay); err != nil {
			c.setState(StateDisconnected)
			return nil, err
		}
	}
}

// Disconnect marks the connection as released
func (c *Connector) Disconnect() {
	c.setState(StateDisconnected)
}

// State returns the current connection state
func (c *Connector) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns how many opens were tried by the last Connect
func (c *Connector) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// LastError returns the most recent open failure, if any
func (c *Connector) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Connector) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
