//go:build cgo && !noaudio

package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
)

// rawFormat needs to match the int16 samples produced by Read.
var rawFormat = malgo.FormatS16

// streamQueueChunks bounds how many device callbacks may be buffered before
// the oldest audio is dropped and an overflow is reported.
const streamQueueChunks = 64

func init() {
	registerBackend(BackendTypeMalgo, newMalgoSubsystem)
}

// malgoSubsystem is a Subsystem which offloads the work to the malgo
// (miniaudio) library. Playback devices are exposed as loopback devices on
// WASAPI; PulseAudio/PipeWire monitor sources are flagged as loopback too.
type malgoSubsystem struct {
	malgoCtx *malgo.AllocatedContext

	mu      sync.Mutex
	devices []Device
	ids     map[int]malgo.DeviceID
	kinds   map[int]malgo.DeviceType
	dflt    Defaults
}

func newMalgoSubsystem() (Subsystem, error) {
	malgoCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("malgo", "message", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, err
	}
	return &malgoSubsystem{malgoCtx: malgoCtx}, nil
}

func (m *malgoSubsystem) Name() string { return string(BackendTypeMalgo) }

func (m *malgoSubsystem) Close() error {
	if err := m.malgoCtx.Uninit(); err != nil {
		return err
	}
	m.malgoCtx.Free()
	return nil
}

// nativeFormat picks the channel count and rate a device reports first.
func nativeFormat(info malgo.DeviceInfo, fallbackChannels int) (int, int) {
	channels, rate := fallbackChannels, 48000
	if info.FormatCount > 0 {
		f := info.Formats[0]
		if f.Channels > 0 {
			channels = int(f.Channels)
		}
		if f.SampleRate > 0 {
			rate = int(f.SampleRate)
		}
	}
	return channels, rate
}

func (m *malgoSubsystem) enumerate() error {
	devices := []Device{}
	ids := make(map[int]malgo.DeviceID)
	kinds := make(map[int]malgo.DeviceType)
	dflt := Defaults{Output: -1, HostInput: -1, SystemInput: -1}
	loopbackPlayback := runtime.GOOS == "windows"

	add := func(typ malgo.DeviceType) error {
		infos, err := m.malgoCtx.Devices(typ)
		if err != nil {
			return err
		}
		for _, dev := range infos {
			full, err := m.malgoCtx.DeviceInfo(typ, dev.ID, malgo.Shared)
			if err != nil {
				slog.Warn("Unable to get audio device info", "name", dev.Name(), "error", err)
				continue
			}
			idx := len(devices)
			d := Device{Index: idx, Name: full.Name()}
			switch typ {
			case malgo.Capture:
				d.InputChannels, d.DefaultRate = nativeFormat(full, 1)
				d.IsLoopback = strings.HasPrefix(d.Name, "Monitor of ")
				if full.IsDefault == 1 {
					dflt.HostInput = idx
				}
				if dflt.SystemInput < 0 && !d.IsLoopback && d.InputChannels > 0 {
					dflt.SystemInput = idx
				}
				kinds[idx] = malgo.Capture
			case malgo.Playback:
				d.OutputChannels, d.DefaultRate = nativeFormat(full, 2)
				if full.IsDefault == 1 {
					dflt.Output = idx
				}
				kinds[idx] = malgo.Playback
			}
			devices = append(devices, d)
			ids[idx] = full.ID

			if typ == malgo.Playback && loopbackPlayback {
				lidx := len(devices)
				devices = append(devices, Device{
					Index:          lidx,
					Name:           d.Name + " [Loopback]",
					InputChannels:  d.OutputChannels,
					OutputChannels: d.OutputChannels,
					DefaultRate:    d.DefaultRate,
					IsLoopback:     true,
				})
				ids[lidx] = full.ID
				kinds[lidx] = malgo.Loopback
			}
		}
		return nil
	}

	if err := add(malgo.Playback); err != nil {
		return fmt.Errorf("failed to list playback devices: %w", err)
	}
	if err := add(malgo.Capture); err != nil {
		return fmt.Errorf("failed to list capture devices: %w", err)
	}

	m.devices, m.ids, m.kinds, m.dflt = devices, ids, kinds, dflt
	return nil
}

func (m *malgoSubsystem) Devices() ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enumerate(); err != nil {
		return nil, err
	}
	out := make([]Device, len(m.devices))
	copy(out, m.devices)
	return out, nil
}

func (m *malgoSubsystem) Defaults() (Defaults, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.devices == nil {
		if err := m.enumerate(); err != nil {
			return Defaults{}, err
		}
	}
	return m.dflt, nil
}

func (m *malgoSubsystem) OpenCapture(dev Device, params StreamParams) (CaptureStream, error) {
	m.mu.Lock()
	if m.devices == nil {
		if err := m.enumerate(); err != nil {
			m.mu.Unlock()
			return nil, &DeviceError{Op: "open", Index: dev.Index, Name: dev.Name, Err: err}
		}
	}
	id, okID := m.ids[dev.Index]
	kind := m.kinds[dev.Index]
	m.mu.Unlock()

	if !okID {
		return nil, &DeviceError{Op: "open", Index: dev.Index, Name: dev.Name, Err: ErrDeviceNotFound}
	}
	if kind == malgo.Playback {
		return nil, &DeviceError{Op: "open", Index: dev.Index, Name: dev.Name,
			Err: fmt.Errorf("playback device cannot be captured")}
	}

	// Sanity check.
	if size := malgo.SampleSizeInBytes(rawFormat); size != 2 {
		return nil, fmt.Errorf("malgo raw format has wrong sample size (got %d, want 2)", size)
	}

	st := &malgoStream{
		queue:   make(chan []int16, streamQueueChunks),
		done:    make(chan struct{}),
		timeout: 2 * time.Duration(params.FramesPerRead) * time.Second / time.Duration(params.SampleRate),
	}

	deviceConfig := malgo.DefaultDeviceConfig(kind)
	deviceConfig.Capture.DeviceID = id.Pointer()
	deviceConfig.Capture.Format = rawFormat
	deviceConfig.Capture.Channels = uint32(params.Channels)
	deviceConfig.SampleRate = uint32(params.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(params.FramesPerRead)
	deviceConfig.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			st.push(input)
		},
	}

	device, err := malgo.InitDevice(m.malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, &DeviceError{Op: "open", Index: dev.Index, Name: dev.Name, Err: err}
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, &DeviceError{Op: "start", Index: dev.Index, Name: dev.Name, Err: err}
	}
	st.device = device
	return st, nil
}

// malgoStream adapts malgo's callback delivery to blocking reads.
type malgoStream struct {
	device   *malgo.Device
	queue    chan []int16
	pending  []int16
	overflow atomic.Bool
	timeout  time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

// push runs on the audio thread and must never block.
func (st *malgoStream) push(input []byte) {
	select {
	case <-st.done:
		return
	default:
	}

	samples := make([]int16, len(input)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(input[i*2:]))
	}
	select {
	case st.queue <- samples:
	default:
		st.overflow.Store(true)
	}
}

func (st *malgoStream) Read(buf []int16) (int, error) {
	if st.overflow.Swap(false) {
		return 0, ErrOverflow
	}
	if len(st.pending) > 0 {
		n := copy(buf, st.pending)
		st.pending = st.pending[n:]
		return n, nil
	}

	t := time.NewTimer(st.timeout)
	defer t.Stop()
	select {
	case samples := <-st.queue:
		n := copy(buf, samples)
		st.pending = samples[n:]
		return n, nil
	case <-t.C:
		return 0, ErrReadTimeout
	case <-st.done:
		return 0, ErrStreamClosed
	}
}

func (st *malgoStream) Close() error {
	var err error
	st.closeOnce.Do(func() {
		close(st.done)
		if st.device != nil {
			err = st.device.Stop()
			st.device.Uninit()
		}
	})
	return err
}
