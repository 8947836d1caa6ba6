// Package session orchestrates a dual-stream call recording: device
// resolution, the two capture workers, the stop-time join, mixing and
// encoding.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/callscribe/internal/audio"
	"github.com/audiolibrelab/callscribe/internal/capture"
	"github.com/audiolibrelab/callscribe/internal/encode"
	"github.com/audiolibrelab/callscribe/internal/mix"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type state int32

const (
	stateIdle state = iota
	stateStarting
	stateRecording
	stateStopping
	stateTerminated
)

// settlePoll is how often Terminate rechecks a start or stop in progress.
const settlePoll = 5 * time.Millisecond

// Options configures a Recorder. Zero values get defaults in New.
type Options struct {
	Host          *audio.Host
	Encoder       encode.Encoder
	TargetRate    int
	Chunk         time.Duration
	FlushInterval time.Duration
	JoinTimeout   time.Duration
	TempDir       string
	OutputDir     string
	Format        string

	NewID func() string
	Now   func() time.Time
}

// Result describes a delivered recording.
type Result struct {
	ID           string    `json:"id"`
	Path         string    `json:"path"`
	DurationSecs float64   `json:"duration_secs"`
	Frames       int       `json:"frames"`
	StartedAt    time.Time `json:"started_at"`
}

// Status is a snapshot of the recorder.
type Status struct {
	Recording    bool          `json:"recording"`
	SessionID    string        `json:"session_id,omitempty"`
	StartedAt    time.Time     `json:"started_at,omitempty"`
	Elapsed      time.Duration `json:"elapsed,omitempty"`
	SystemDevice string        `json:"system_device,omitempty"`
	MicDevice    string        `json:"mic_device,omitempty"`
}

type active struct {
	id        string
	startedAt time.Time
	cancel    context.CancelFunc
	group     *errgroup.Group
	system    *capture.Sink
	mic       *capture.Sink
	sysDev    *audio.Device
	micDev    *audio.Device
}

// Recorder owns the session state. At most one recording runs at a time.
type Recorder struct {
	opts Options

	state atomic.Int32

	mu     sync.Mutex
	active *active

	terminateOnce sync.Once
}

// New creates a recorder.
func New(opts Options) (*Recorder, error) {
	if opts.Host == nil {
		return nil, fmt.Errorf("audio host is required")
	}
	if opts.Encoder == nil {
		return nil, fmt.Errorf("encoder is required")
	}
	if opts.OutputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if opts.TargetRate <= 0 {
		opts.TargetRate = 16000
	}
	if opts.Chunk <= 0 {
		opts.Chunk = capture.DefaultChunk
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 5 * time.Second
	}
	if opts.TempDir == "" {
		opts.TempDir = opts.OutputDir
	}
	if opts.Format == "" {
		opts.Format = "mp3"
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Recorder{opts: opts}, nil
}

// IsRecording reports whether a recording is in progress. It turns false as
// soon as Stop begins.
func (r *Recorder) IsRecording() bool {
	return state(r.state.Load()) == stateRecording
}

// CurrentSessionID returns the id of the running recording.
func (r *Recorder) CurrentSessionID() (string, bool) {
	if !r.IsRecording() {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return "", false
	}
	return r.active.id, true
}

// Status returns a snapshot of the recorder.
func (r *Recorder) Status() Status {
	if !r.IsRecording() {
		return Status{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.active
	if a == nil {
		return Status{}
	}
	st := Status{
		Recording: true,
		SessionID: a.id,
		StartedAt: a.startedAt,
		Elapsed:   r.opts.Now().Sub(a.startedAt),
	}
	if a.sysDev != nil {
		st.SystemDevice = a.sysDev.Name
	}
	if a.micDev != nil {
		st.MicDevice = a.micDev.Name
	}
	return st
}

// ListDevices enumerates all audio devices.
func (r *Recorder) ListDevices() ([]audio.Device, error) {
	return r.opts.Host.Devices()
}

// Start begins a recording. Explicit indexes take precedence over the
// default loopback and microphone. It fails immediately if a recording is
// running or being stopped.
func (r *Recorder) Start(loopbackIndex, micIndex *int) (string, error) {
	if !r.state.CompareAndSwap(int32(stateIdle), int32(stateStarting)) {
		if state(r.state.Load()) == stateTerminated {
			return "", fmt.Errorf("recorder shut down: %w", audio.ErrTerminated)
		}
		return "", &StateError{Op: "start", Err: ErrAlreadyRecording}
	}

	a, err := r.begin(loopbackIndex, micIndex)
	if err != nil {
		r.state.Store(int32(stateIdle))
		return "", err
	}

	r.mu.Lock()
	r.active = a
	r.mu.Unlock()
	r.state.Store(int32(stateRecording))

	slog.Info("Recording started", "session_id", a.id,
		"system_device", deviceName(a.sysDev), "mic_device", deviceName(a.micDev))
	return a.id, nil
}

func (r *Recorder) begin(loopbackIndex, micIndex *int) (*active, error) {
	sub, err := r.opts.Host.Subsystem()
	if err != nil {
		if errors.Is(err, audio.ErrTerminated) {
			return nil, err
		}
		slog.Error("Audio subsystem unavailable, no device can be resolved", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrNoDevice, err)
	}

	sysDev := r.resolve(sub, capture.RoleSystem, loopbackIndex, audio.FindLoopback)
	micDev := r.resolve(sub, capture.RoleMicrophone, micIndex, audio.FindMic)
	if sysDev == nil && micDev == nil {
		return nil, ErrNoDevice
	}

	if err := os.MkdirAll(r.opts.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	id := r.opts.NewID()
	a := &active{id: id, startedAt: r.opts.Now(), sysDev: sysDev, micDev: micDev}

	a.system, err = capture.CreateSink(r.systemPath(id), r.opts.TargetRate, r.opts.FlushInterval)
	if err != nil {
		return nil, err
	}
	a.mic, err = capture.CreateSink(r.micPath(id), r.opts.TargetRate, r.opts.FlushInterval)
	if err != nil {
		a.system.Close()
		os.Remove(a.system.Path())
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	a.cancel = cancel
	a.group = g

	r.spawn(gctx, g, sub, capture.RoleSystem, sysDev, a.system)
	r.spawn(gctx, g, sub, capture.RoleMicrophone, micDev, a.mic)
	return a, nil
}

// resolve picks the device for one role. An override that cannot be found
// degrades to a silent channel.
func (r *Recorder) resolve(sub audio.Subsystem, role capture.Role, override *int, locate func(audio.Subsystem) (audio.Device, bool)) *audio.Device {
	if override != nil {
		dev, err := r.opts.Host.Device(*override)
		if err != nil {
			slog.Warn("Requested device unavailable, channel will be silent", "role", role, "error", err)
			return nil
		}
		return &dev
	}
	dev, ok := locate(sub)
	if !ok {
		slog.Warn("No device found, channel will be silent", "role", role)
		return nil
	}
	return &dev
}

// spawn starts a capture worker, or closes the sink right away when the
// role has no device so it stays empty.
func (r *Recorder) spawn(ctx context.Context, g *errgroup.Group, sub audio.Subsystem, role capture.Role, dev *audio.Device, sink *capture.Sink) {
	if dev == nil {
		sink.Close()
		return
	}
	w := capture.NewWorker(capture.WorkerConfig{
		Role:       role,
		Device:     *dev,
		Opener:     sub,
		Sink:       sink,
		TargetRate: r.opts.TargetRate,
		Chunk:      r.opts.Chunk,
	})
	g.Go(func() error { return w.Run(ctx) })
}

// Stop ends the recording, mixes both channels and delivers the encoded
// file. The wait for the capture workers is bounded by the join timeout only:
// cancelling ctx does not cut the join or the encode short, so a caller that
// goes away mid-stop never loses the call. The recorder is idle again when
// Stop returns, whatever the outcome.
func (r *Recorder) Stop(ctx context.Context) (Result, error) {
	if !r.state.CompareAndSwap(int32(stateRecording), int32(stateStopping)) {
		return Result{}, &StateError{Op: "stop", Err: ErrNotRecording}
	}

	r.mu.Lock()
	a := r.active
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.active = nil
		r.mu.Unlock()
		r.state.Store(int32(stateIdle))
	}()

	ctx = context.WithoutCancel(ctx)
	a.cancel()
	r.join(a)

	// Force-close sinks a stuck worker may still hold.
	for _, s := range []*capture.Sink{a.system, a.mic} {
		if err := s.Close(); err != nil {
			slog.Warn("Failed to close sink", "file", s.Path(), "error", err)
		}
	}

	stereoPath := r.stereoPath(a.id)
	res, err := mix.New(a.system.SampleRate()).MixFiles(a.system.Path(), a.mic.Path(), stereoPath)
	if err != nil {
		r.cleanup(a.system.Path(), a.mic.Path(), stereoPath)
		slog.Error("Mixing failed", "session_id", a.id, "error", err)
		return Result{}, &MixingError{SessionID: a.id, Err: err}
	}

	outPath := filepath.Join(r.opts.OutputDir, a.id+"."+r.opts.Format)
	if err := r.opts.Encoder.Encode(ctx, stereoPath, outPath); err != nil {
		r.cleanup(a.system.Path(), a.mic.Path())
		slog.Error("Encoding failed, stereo intermediate kept", "session_id", a.id, "file", stereoPath, "error", err)
		return Result{}, err
	}
	r.cleanup(a.system.Path(), a.mic.Path(), stereoPath)

	result := Result{
		ID:           a.id,
		Path:         outPath,
		DurationSecs: res.Seconds(),
		Frames:       res.Frames,
		StartedAt:    a.startedAt,
	}
	slog.Info("Recording stopped", "session_id", a.id, "file", outPath, "duration_secs", result.DurationSecs)
	return result, nil
}

// join waits for both workers, giving up after the join timeout.
func (r *Recorder) join(a *active) {
	done := make(chan error, 1)
	go func() { done <- a.group.Wait() }()

	timer := time.NewTimer(r.opts.JoinTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			slog.Warn("Capture worker returned an error", "session_id", a.id, "error", err)
		}
	case <-timer.C:
		slog.Warn("Capture workers did not finish in time, continuing without them",
			"session_id", a.id, "timeout", r.opts.JoinTimeout)
	}
}

// Terminate stops any recording and releases the audio subsystem. It never
// fails and only acts once. A start or stop in progress is allowed to finish
// first; afterwards Start fails with audio.ErrTerminated.
func (r *Recorder) Terminate() {
	r.terminateOnce.Do(func() {
		for !r.state.CompareAndSwap(int32(stateIdle), int32(stateTerminated)) {
			if state(r.state.Load()) == stateRecording {
				if _, err := r.Stop(context.Background()); err != nil && !errors.Is(err, ErrNotRecording) {
					slog.Warn("Stopping recording during shutdown failed", "error", err)
				}
				continue
			}
			time.Sleep(settlePoll)
		}

		if err := r.opts.Host.Terminate(); err != nil {
			slog.Warn("Failed to release audio subsystem", "error", err)
		}
		slog.Debug("Recorder terminated")
	})
}

func (r *Recorder) systemPath(id string) string {
	return filepath.Join(r.opts.TempDir, id+"_system.pcm")
}

func (r *Recorder) micPath(id string) string {
	return filepath.Join(r.opts.TempDir, id+"_mic.pcm")
}

func (r *Recorder) stereoPath(id string) string {
	return filepath.Join(r.opts.TempDir, id+"_stereo.wav")
}

func (r *Recorder) cleanup(paths ...string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Debug("Failed to remove intermediate", "file", p, "error", err)
		}
	}
}

func deviceName(d *audio.Device) string {
	if d == nil {
		return "<none>"
	}
	return d.Name
}
