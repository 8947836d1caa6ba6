package audio

import (
	"errors"
	"fmt"
)

// Device is an audio endpoint as seen by the backend. Devices are discovered
// on demand and never persisted.
type Device struct {
	Index          int    `json:"index"`
	Name           string `json:"name"`
	InputChannels  int    `json:"input_channels"`
	OutputChannels int    `json:"output_channels"`
	DefaultRate    int    `json:"default_rate"`
	IsLoopback     bool   `json:"is_loopback"`
}

// CaptureChannels returns the channel count to open a capture stream with.
// Loopback devices may only advertise output channels.
func (d Device) CaptureChannels() int {
	ch := d.InputChannels
	if d.IsLoopback && ch == 0 {
		ch = d.OutputChannels
		if ch == 0 {
			ch = 2
		}
	}
	if ch < 1 {
		ch = 1
	}
	return ch
}

var (
	// ErrDeviceNotFound is returned when no device has the requested index.
	ErrDeviceNotFound = errors.New("audio device not found")

	// ErrOverflow reports that captured audio was dropped because the reader
	// fell behind. The stream stays usable.
	ErrOverflow = errors.New("capture buffer overflow")

	// ErrReadTimeout reports that no audio arrived within one read window.
	ErrReadTimeout = errors.New("capture read timed out")

	// ErrStreamClosed is returned by Read after Close.
	ErrStreamClosed = errors.New("capture stream closed")

	// ErrTerminated is returned once the audio subsystem has been released.
	ErrTerminated = errors.New("audio subsystem terminated")
)

// DeviceError describes an enumeration or open failure for one device.
type DeviceError struct {
	Op    string
	Index int
	Name  string
	Err   error
}

func (e *DeviceError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("audio device %d (%s): %s: %v", e.Index, e.Name, e.Op, e.Err)
	}
	return fmt.Sprintf("audio device %d: %s: %v", e.Index, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// IsTransient reports whether a read error should be retried on the next
// chunk rather than treated as a broken stream.
func IsTransient(err error) bool {
	return errors.Is(err, ErrOverflow) || errors.Is(err, ErrReadTimeout)
}
