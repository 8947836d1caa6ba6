package audio

import (
	"math"
	"sync"
	"time"
)

// SimulatedDevice scripts the behaviour of one device for the simulated
// backend.
type SimulatedDevice struct {
	Device

	// Samples is a finite interleaved script. Once exhausted, reads time out.
	Samples []int16

	// Tone generates an endless sine at this frequency when Samples is nil.
	Tone float64

	// Realtime paces reads at the chunk duration instead of returning
	// immediately.
	Realtime bool

	// FailOpen makes OpenCapture fail.
	FailOpen bool

	// ReadErrors makes the first N reads fail with ErrOverflow.
	ReadErrors int

	// Stall makes every read block until Release or Close.
	Stall bool
}

// Simulated is an in-memory Subsystem with scripted devices. It backs the
// "simulated" backend and the capture tests.
type Simulated struct {
	mu       sync.Mutex
	devices  []*SimulatedDevice
	defaults Defaults
	opens    map[int]int
	drained  map[int]chan struct{}
	release  chan struct{}
	released bool
	closed   bool
}

// NewSimulated builds a simulated subsystem.
func NewSimulated(defaults Defaults, devices ...*SimulatedDevice) *Simulated {
	s := &Simulated{
		devices:  devices,
		defaults: defaults,
		opens:    make(map[int]int),
		drained:  make(map[int]chan struct{}),
		release:  make(chan struct{}),
	}
	for _, d := range devices {
		s.drained[d.Index] = make(chan struct{})
	}
	return s
}

func newDemoSubsystem() (Subsystem, error) {
	return NewSimulated(
		Defaults{Output: 0, HostInput: 2, SystemInput: 2},
		&SimulatedDevice{Device: Device{Index: 0, Name: "Speakers (Simulated Audio)", OutputChannels: 2, DefaultRate: 48000}},
		&SimulatedDevice{
			Device:   Device{Index: 1, Name: "Speakers (Simulated Audio) [Loopback]", InputChannels: 2, DefaultRate: 48000, IsLoopback: true},
			Tone:     440,
			Realtime: true,
		},
		&SimulatedDevice{
			Device:   Device{Index: 2, Name: "Microphone (Simulated Audio)", InputChannels: 1, DefaultRate: 44100},
			Tone:     220,
			Realtime: true,
		},
	), nil
}

func (s *Simulated) Name() string { return string(BackendTypeSimulated) }

func (s *Simulated) Devices() ([]Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrTerminated
	}
	out := make([]Device, len(s.devices))
	for i, d := range s.devices {
		out[i] = d.Device
	}
	return out, nil
}

func (s *Simulated) Defaults() (Defaults, error) {
	return s.defaults, nil
}

func (s *Simulated) OpenCapture(dev Device, params StreamParams) (CaptureStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrTerminated
	}
	var script *SimulatedDevice
	for _, d := range s.devices {
		if d.Index == dev.Index {
			script = d
			break
		}
	}
	if script == nil {
		return nil, &DeviceError{Op: "open", Index: dev.Index, Name: dev.Name, Err: ErrDeviceNotFound}
	}
	s.opens[dev.Index]++
	if script.FailOpen {
		return nil, &DeviceError{Op: "open", Index: dev.Index, Name: dev.Name, Err: ErrStreamClosed}
	}

	return &simStream{
		sim:        s,
		index:      dev.Index,
		script:     script,
		params:     params,
		readErrors: script.ReadErrors,
		drained:    s.drained[dev.Index],
		release:    s.release,
		done:       make(chan struct{}),
	}, nil
}

func (s *Simulated) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Opens reports how many times a stream was opened on the device.
func (s *Simulated) Opens(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens[index]
}

// Closed reports whether Close was called.
func (s *Simulated) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Drained is closed once the device's finite script has been fully read by
// the current stream. Closing a drained stream arms a fresh channel for the
// next one, so every recording session can wait on its own drain.
func (s *Simulated) Drained(index int) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drained[index]
}

// rearm replaces the drained channel of index if ch was the current one and
// has been closed.
func (s *Simulated) rearm(index int, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drained[index] != ch {
		return
	}
	select {
	case <-ch:
		s.drained[index] = make(chan struct{})
	default:
	}
}

// markDrained closes ch unless it is already closed. Streams sharing a
// device share the channel.
func (s *Simulated) markDrained(ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// Release unblocks stalled streams.
func (s *Simulated) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.released {
		s.released = true
		close(s.release)
	}
}

type simStream struct {
	sim        *Simulated
	index      int
	script     *SimulatedDevice
	params     StreamParams
	pos        int
	phase      float64
	readErrors int

	drained   chan struct{}
	release   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (st *simStream) chunkDuration() time.Duration {
	if st.params.SampleRate <= 0 {
		return 30 * time.Millisecond
	}
	return time.Duration(st.params.FramesPerRead) * time.Second / time.Duration(st.params.SampleRate)
}

func (st *simStream) wait(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-st.done:
		return false
	}
}

func (st *simStream) Read(buf []int16) (int, error) {
	select {
	case <-st.done:
		return 0, ErrStreamClosed
	default:
	}

	if st.script.Stall {
		select {
		case <-st.release:
		case <-st.done:
			return 0, ErrStreamClosed
		}
	}

	if st.readErrors > 0 {
		st.readErrors--
		return 0, ErrOverflow
	}

	channels := st.params.Channels
	if channels < 1 {
		channels = 1
	}
	want := st.params.FramesPerRead * channels
	if want > len(buf) {
		want = len(buf) - len(buf)%channels
	}

	if st.script.Samples == nil {
		n := st.tone(buf[:want], channels)
		if st.script.Realtime && !st.wait(st.chunkDuration()) {
			return 0, ErrStreamClosed
		}
		return n, nil
	}

	remaining := len(st.script.Samples) - st.pos
	if remaining <= 0 {
		st.sim.markDrained(st.drained)
		if !st.wait(st.chunkDuration()) {
			return 0, ErrStreamClosed
		}
		return 0, ErrReadTimeout
	}
	if want > remaining {
		want = remaining
	}
	n := copy(buf, st.script.Samples[st.pos:st.pos+want])
	st.pos += n
	if st.pos >= len(st.script.Samples) {
		st.sim.markDrained(st.drained)
	}
	if st.script.Realtime && !st.wait(st.chunkDuration()) {
		return 0, ErrStreamClosed
	}
	return n, nil
}

func (st *simStream) tone(buf []int16, channels int) int {
	step := 2 * math.Pi * st.script.Tone / float64(st.params.SampleRate)
	for i := 0; i+channels <= len(buf); i += channels {
		v := int16(math.Sin(st.phase) * 8000)
		for c := 0; c < channels; c++ {
			buf[i+c] = v
		}
		st.phase += step
		if st.phase > 2*math.Pi {
			st.phase -= 2 * math.Pi
		}
	}
	return len(buf) - len(buf)%channels
}

func (st *simStream) Close() error {
	st.closeOnce.Do(func() {
		close(st.done)
		st.sim.rearm(st.index, st.drained)
	})
	return nil
}
