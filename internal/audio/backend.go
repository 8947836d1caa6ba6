package audio

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// BackendType represents the type of audio backend
type BackendType string

const (
	BackendTypeMalgo     BackendType = "malgo"
	BackendTypeNull      BackendType = "null"
	BackendTypeSimulated BackendType = "simulated"
	BackendTypeAuto      BackendType = "auto"
)

// StreamParams describes how a capture stream is opened.
type StreamParams struct {
	Channels      int
	SampleRate    int
	FramesPerRead int
}

// Defaults holds the device indexes the host considers default. A negative
// index means the host has no such default.
type Defaults struct {
	Output      int
	HostInput   int
	SystemInput int
}

// Subsystem is the process-wide audio handle a backend provides.
type Subsystem interface {
	// Devices enumerates every device the backend can see.
	Devices() ([]Device, error)

	// Defaults reports the default output and input devices.
	Defaults() (Defaults, error)

	// OpenCapture opens a blocking capture stream on dev.
	OpenCapture(dev Device, params StreamParams) (CaptureStream, error)

	// Close releases the handle.
	Close() error

	// Name returns the backend name.
	Name() string
}

// CaptureStream yields interleaved signed 16-bit samples.
type CaptureStream interface {
	// Read blocks for at most about one chunk duration and copies the next
	// available samples into buf. Transient conditions are reported as
	// ErrOverflow or ErrReadTimeout.
	Read(buf []int16) (int, error)
	Close() error
}

type subsystemFactory func() (Subsystem, error)

var backends = map[BackendType]subsystemFactory{
	BackendTypeNull:      newNullSubsystem,
	BackendTypeSimulated: newDemoSubsystem,
}

// registerBackend makes a backend available to NewHost. Called from init
// functions of build-tag gated backends.
func registerBackend(typ BackendType, f subsystemFactory) {
	backends[typ] = f
}

// AvailableBackends lists the backends compiled into this binary.
func AvailableBackends() []string {
	names := make([]string, 0, len(backends))
	for typ := range backends {
		names = append(names, string(typ))
	}
	sort.Strings(names)
	return names
}

// determineBackend resolves "auto" and empty values to a concrete backend.
func determineBackend(name string) BackendType {
	typ := BackendType(strings.ToLower(strings.TrimSpace(name)))
	if typ == "" || typ == BackendTypeAuto {
		if _, ok := backends[BackendTypeMalgo]; ok {
			return BackendTypeMalgo
		}
		slog.Warn("No native audio backend compiled in, falling back to null backend")
		return BackendTypeNull
	}
	return typ
}

func factoryFor(name string) (BackendType, subsystemFactory, error) {
	typ := determineBackend(name)
	f, ok := backends[typ]
	if !ok {
		return typ, nil, fmt.Errorf("audio backend %q is not available (have: %s)",
			typ, strings.Join(AvailableBackends(), ", "))
	}
	return typ, f, nil
}
