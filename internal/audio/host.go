package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Host owns the process-scoped audio subsystem handle. The handle is acquired
// lazily on first use and released exactly once by Terminate.
type Host struct {
	backend BackendType
	factory subsystemFactory

	mu         sync.Mutex
	sub        Subsystem
	terminated bool
}

// NewHost creates a host for the named backend ("auto", "malgo", "null",
// "simulated"). Nothing is opened until the subsystem is first needed.
func NewHost(backend string) (*Host, error) {
	typ, f, err := factoryFor(backend)
	if err != nil {
		return nil, err
	}
	return &Host{backend: typ, factory: f}, nil
}

// NewHostWithSubsystem wraps an already constructed subsystem. Used with the
// simulated backend.
func NewHostWithSubsystem(sub Subsystem) *Host {
	return NewHostFunc(BackendType(sub.Name()), func() (Subsystem, error) { return sub, nil })
}

// NewHostFunc creates a host whose subsystem is built by open on first use.
func NewHostFunc(backend BackendType, open func() (Subsystem, error)) *Host {
	return &Host{backend: backend, factory: open}
}

// Backend returns the resolved backend type.
func (h *Host) Backend() BackendType {
	return h.backend
}

// Subsystem returns the live handle, initialising it on first call.
func (h *Host) Subsystem() (Subsystem, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.terminated {
		return nil, ErrTerminated
	}
	if h.sub != nil {
		return h.sub, nil
	}

	sub, err := h.factory()
	if err != nil {
		return nil, fmt.Errorf("failed to initialise %s audio backend: %w", h.backend, err)
	}
	slog.Debug("Audio subsystem initialised", "backend", h.backend)
	h.sub = sub
	return sub, nil
}

// Devices enumerates all devices.
func (h *Host) Devices() ([]Device, error) {
	sub, err := h.Subsystem()
	if err != nil {
		return nil, err
	}
	return sub.Devices()
}

// Device returns the device with the given index.
func (h *Host) Device(index int) (Device, error) {
	devices, err := h.Devices()
	if err != nil {
		return Device{}, &DeviceError{Op: "lookup", Index: index, Err: err}
	}
	for _, d := range devices {
		if d.Index == index {
			return d, nil
		}
	}
	return Device{}, &DeviceError{Op: "lookup", Index: index, Err: ErrDeviceNotFound}
}

// Terminate releases the subsystem handle. Safe to call repeatedly.
func (h *Host) Terminate() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.terminated {
		return nil
	}
	h.terminated = true

	if h.sub == nil {
		return nil
	}
	err := h.sub.Close()
	h.sub = nil
	slog.Debug("Audio subsystem released", "backend", h.backend)
	return err
}
