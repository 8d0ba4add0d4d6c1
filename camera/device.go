package camera

import "context"

// Identity pairs the hardware handle id (serial, device path) with the
// human readable label used to select the camera, e.g. "narrow" or "wide".
type Identity struct {
	ID    string `json:"id" yaml:"id"`
	Label string `json:"label" yaml:"label"`
}

// Device is an opened camera whose pipeline is already configured.
// It hands out the two encoded output streams and must be closed exactly once.
type Device interface {
	Preview() PacketSource
	Recording() PacketSource
	Close() error
}

// Opener opens the hardware for one camera. Failures are treated as
// transient and retried by the reconnect machine.
type Opener func(ctx context.Context, id Identity) (Device, error)
