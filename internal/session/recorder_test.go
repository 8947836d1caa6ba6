package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/audiolibrelab/callscribe/internal/audio"
	"github.com/audiolibrelab/callscribe/internal/encode"
	"github.com/audiolibrelab/callscribe/internal/mix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEncoder copies the stereo WAV into place, or fails on demand.
type fakeEncoder struct {
	mu    sync.Mutex
	fail  bool
	calls []string
	last  mix.StereoResult
}

func (f *fakeEncoder) Name() string { return "fake" }

func (f *fakeEncoder) Encode(ctx context.Context, wavPath, outPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, outPath)
	if f.fail {
		return &encode.EncodingError{Encoder: f.Name(), Output: outPath, Err: errors.New("codec exploded")}
	}
	res, err := mix.ReadStereoWAV(wavPath)
	if err != nil {
		return err
	}
	f.last = res
	return encode.WAVCopy{}.Encode(ctx, wavPath, outPath)
}

type fixture struct {
	sim *audio.Simulated
	rec *Recorder
	enc *fakeEncoder
	out string
	tmp string
}

func newFixture(t *testing.T, defaults audio.Defaults, devices ...*audio.SimulatedDevice) *fixture {
	t.Helper()
	sim := audio.NewSimulated(defaults, devices...)
	t.Cleanup(sim.Release)

	f := &fixture{
		sim: sim,
		enc: &fakeEncoder{},
		out: filepath.Join(t.TempDir(), "recordings"),
		tmp: filepath.Join(t.TempDir(), "tmp"),
	}
	n := 0
	rec, err := New(Options{
		Host:        audio.NewHostWithSubsystem(sim),
		Encoder:     f.enc,
		TargetRate:  16000,
		JoinTimeout: 2 * time.Second,
		TempDir:     f.tmp,
		OutputDir:   f.out,
		Format:      "wav",
		NewID: func() string {
			n++
			return fmt.Sprintf("sess-%d", n)
		},
	})
	require.NoError(t, err)
	f.rec = rec
	t.Cleanup(rec.Terminate)
	return f
}

func (f *fixture) waitDrained(t *testing.T, indexes ...int) {
	t.Helper()
	for _, idx := range indexes {
		select {
		case <-f.sim.Drained(idx):
		case <-time.After(5 * time.Second):
			t.Fatalf("device %d script not drained", idx)
		}
	}
}

func constant(n int, v int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// Loopback: 48 kHz stereo. Mic: 16 kHz mono.
func loopbackDev(samples []int16) *audio.SimulatedDevice {
	return &audio.SimulatedDevice{
		Device:  audio.Device{Index: 1, Name: "Speakers [Loopback]", InputChannels: 2, DefaultRate: 48000, IsLoopback: true},
		Samples: samples,
	}
}

func micDev(samples []int16) *audio.SimulatedDevice {
	return &audio.SimulatedDevice{
		Device:  audio.Device{Index: 2, Name: "Microphone", InputChannels: 1, DefaultRate: 16000},
		Samples: samples,
	}
}

var testDefaults = audio.Defaults{Output: -1, HostInput: 2, SystemInput: -1}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestRecorder_FrameCountMatchesLongerInput(t *testing.T) {
	// 10 chunks of 1440 frames at 48 kHz -> 4800 samples at 16 kHz.
	// 15 chunks of 480 samples at 16 kHz -> 7200 samples.
	f := newFixture(t, testDefaults,
		loopbackDev(constant(1440*10*2, 300)),
		micDev(constant(480*15, -200)),
	)

	id, err := f.rec.Start(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", id)
	assert.True(t, f.rec.IsRecording())

	f.waitDrained(t, 1, 2)
	res, err := f.rec.Stop(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "sess-1", res.ID)
	assert.Equal(t, 7200, res.Frames)
	assert.InDelta(t, 0.45, res.DurationSecs, 1e-9)
	assert.Equal(t, filepath.Join(f.out, "sess-1.wav"), res.Path)
	assert.FileExists(t, res.Path)
	assert.False(t, f.rec.IsRecording())

	stereo := f.enc.last
	require.Equal(t, 7200, stereo.Frames)
	for i := 0; i < 4800; i++ {
		require.Equal(t, int16(300), stereo.Samples[i*2], "left frame %d", i)
	}
	for i := 4800; i < 7200; i++ {
		require.Zero(t, stereo.Samples[i*2], "left padding frame %d", i)
	}
	for i := 0; i < 7200; i++ {
		require.Equal(t, int16(-200), stereo.Samples[i*2+1], "right frame %d", i)
	}

	assert.Empty(t, listDir(t, f.tmp), "intermediates are removed after encoding")
}

func TestRecorder_StartWhileRecording(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, testDefaults, loopbackDev(constant(2880, 1)), micDev(constant(480, 1)))
	f.rec.opts.Now = func() time.Time { return now }

	id, err := f.rec.Start(nil, nil)
	require.NoError(t, err)
	before := f.rec.Status()

	now = now.Add(time.Minute)
	_, err = f.rec.Start(nil, nil)
	require.ErrorIs(t, err, ErrAlreadyRecording)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "start", stateErr.Op)

	cur, ok := f.rec.CurrentSessionID()
	require.True(t, ok)
	assert.Equal(t, id, cur)
	after := f.rec.Status()
	assert.Equal(t, before.SessionID, after.SessionID)
	assert.Equal(t, before.StartedAt, after.StartedAt)

	f.waitDrained(t, 1, 2)
	_, err = f.rec.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.sim.Opens(1), "second start must not open devices")
}

func TestRecorder_StopWhileIdle(t *testing.T) {
	f := newFixture(t, testDefaults, micDev(constant(480, 1)))

	_, err := f.rec.Stop(context.Background())
	assert.ErrorIs(t, err, ErrNotRecording)
	assert.False(t, f.rec.IsRecording())
	_, ok := f.rec.CurrentSessionID()
	assert.False(t, ok)
}

func TestRecorder_OpenFailureGivesSilentSide(t *testing.T) {
	mic := micDev(nil)
	mic.FailOpen = true
	f := newFixture(t, testDefaults, loopbackDev(constant(1440*3*2, 50)), mic)

	_, err := f.rec.Start(nil, nil)
	require.NoError(t, err)
	f.waitDrained(t, 1)

	res, err := f.rec.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1440, res.Frames)
	for i := 0; i < res.Frames; i++ {
		require.Equal(t, int16(50), f.enc.last.Samples[i*2])
		require.Zero(t, f.enc.last.Samples[i*2+1])
	}
	assert.Equal(t, 1, f.sim.Opens(2))
}

func TestRecorder_UnresolvedDeviceGivesSilentSide(t *testing.T) {
	// No loopback device at all: only the microphone is captured.
	f := newFixture(t, testDefaults, micDev(constant(960, 7)))

	_, err := f.rec.Start(nil, nil)
	require.NoError(t, err)
	f.waitDrained(t, 2)

	res, err := f.rec.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 960, res.Frames)
	for i := 0; i < res.Frames; i++ {
		require.Zero(t, f.enc.last.Samples[i*2])
		require.Equal(t, int16(7), f.enc.last.Samples[i*2+1])
	}
}

func TestRecorder_OverridesTakePrecedence(t *testing.T) {
	other := &audio.SimulatedDevice{
		Device:  audio.Device{Index: 3, Name: "Headset", InputChannels: 1, DefaultRate: 16000},
		Samples: constant(480, 9),
	}
	f := newFixture(t, testDefaults, loopbackDev(constant(2880, 1)), micDev(constant(480, 1)), other)

	mic := 3
	_, err := f.rec.Start(nil, &mic)
	require.NoError(t, err)
	f.waitDrained(t, 1, 3)
	_, err = f.rec.Stop(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, f.sim.Opens(3))
	assert.Zero(t, f.sim.Opens(2))
	assert.Equal(t, int16(9), f.enc.last.Samples[1])
}

func TestRecorder_NoDevice(t *testing.T) {
	f := newFixture(t, audio.Defaults{Output: -1, HostInput: -1, SystemInput: -1})

	_, err := f.rec.Start(nil, nil)
	require.ErrorIs(t, err, ErrNoDevice)
	assert.False(t, f.rec.IsRecording())
	assert.Empty(t, listDir(t, f.tmp))

	_, err = f.rec.Stop(context.Background())
	assert.ErrorIs(t, err, ErrNotRecording)
}

func TestRecorder_BothEmptyIsMixingError(t *testing.T) {
	loop := loopbackDev(nil)
	loop.FailOpen = true
	mic := micDev(nil)
	mic.FailOpen = true
	f := newFixture(t, testDefaults, loop, mic)

	_, err := f.rec.Start(nil, nil)
	require.NoError(t, err)

	_, err = f.rec.Stop(context.Background())
	var mixErr *MixingError
	require.ErrorAs(t, err, &mixErr)
	assert.ErrorIs(t, err, mix.ErrEmptyInput)
	assert.Equal(t, "sess-1", mixErr.SessionID)
	assert.False(t, f.rec.IsRecording())
	assert.Empty(t, f.enc.calls)
	assert.Empty(t, listDir(t, f.out))
	assert.Empty(t, listDir(t, f.tmp))

	// Back to idle: a new session can start.
	_, err = f.rec.Start(nil, nil)
	require.NoError(t, err)
}

func TestRecorder_EncodingErrorLeavesNoDeliveredFile(t *testing.T) {
	f := newFixture(t, testDefaults, micDev(constant(480, 3)))
	f.enc.fail = true

	_, err := f.rec.Start(nil, nil)
	require.NoError(t, err)
	f.waitDrained(t, 2)

	_, err = f.rec.Stop(context.Background())
	var encErr *encode.EncodingError
	require.ErrorAs(t, err, &encErr)
	assert.False(t, f.rec.IsRecording())
	assert.Empty(t, listDir(t, f.out))
	assert.Equal(t, []string{"sess-1_stereo.wav"}, listDir(t, f.tmp))
}

func TestRecorder_StopIsBoundedByJoinTimeout(t *testing.T) {
	mic := micDev(nil)
	mic.Stall = true
	f := newFixture(t, testDefaults, loopbackDev(constant(2880, 11)), mic)
	f.rec.opts.JoinTimeout = 100 * time.Millisecond

	_, err := f.rec.Start(nil, nil)
	require.NoError(t, err)
	f.waitDrained(t, 1)

	begin := time.Now()
	res, err := f.rec.Stop(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(begin), 2*time.Second)
	assert.Equal(t, 480, res.Frames)
	assert.False(t, f.rec.IsRecording())
}

func TestRecorder_TerminateDuringRecording(t *testing.T) {
	f := newFixture(t, testDefaults, loopbackDev(constant(2880, 1)), micDev(constant(480, 1)))

	_, err := f.rec.Start(nil, nil)
	require.NoError(t, err)
	f.waitDrained(t, 1, 2)

	assert.NotPanics(t, f.rec.Terminate)
	assert.False(t, f.rec.IsRecording())
	assert.True(t, f.sim.Closed())
	assert.Len(t, f.enc.calls, 1, "the running recording is finalized")

	assert.NotPanics(t, f.rec.Terminate)
	assert.Len(t, f.enc.calls, 1)

	_, err = f.rec.Start(nil, nil)
	assert.ErrorIs(t, err, audio.ErrTerminated)
}

func TestRecorder_ConcurrentStartOnlyOneWins(t *testing.T) {
	f := newFixture(t, testDefaults, loopbackDev(constant(2880, 1)), micDev(constant(480, 1)))

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.rec.Start(nil, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyRecording)
	}
	assert.Equal(t, 1, ok)
	f.waitDrained(t, 1, 2)
	_, err := f.rec.Stop(context.Background())
	require.NoError(t, err)
}

func TestRecorder_BackToBackSessions(t *testing.T) {
	f := newFixture(t, testDefaults, loopbackDev(constant(2880, 1)), micDev(constant(480, 1)))

	for i := 1; i <= 2; i++ {
		id, err := f.rec.Start(nil, nil)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("sess-%d", i), id)
		f.waitDrained(t, 1, 2)

		res, err := f.rec.Stop(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 480, res.Frames)
	}
	assert.Equal(t, 2, f.sim.Opens(1))
	assert.Equal(t, 2, f.sim.Opens(2))
	assert.ElementsMatch(t, []string{"sess-1.wav", "sess-2.wav"}, listDir(t, f.out))
}

func TestRecorder_StopWithCancelledContextStillDelivers(t *testing.T) {
	f := newFixture(t, testDefaults, micDev(constant(480, 5)))

	_, err := f.rec.Start(nil, nil)
	require.NoError(t, err)
	f.waitDrained(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.rec.Stop(ctx)
	require.NoError(t, err)
	assert.FileExists(t, res.Path)
	assert.Len(t, f.enc.calls, 1)
	assert.False(t, f.rec.IsRecording())
}

func TestRecorder_SubsystemFailureIsNoDevice(t *testing.T) {
	host := audio.NewHostFunc(audio.BackendTypeMalgo, func() (audio.Subsystem, error) {
		return nil, errors.New("no audio server")
	})
	rec, err := New(Options{Host: host, Encoder: &fakeEncoder{}, OutputDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(rec.Terminate)

	_, err = rec.Start(nil, nil)
	require.ErrorIs(t, err, ErrNoDevice)
	assert.Contains(t, err.Error(), "no audio server")
	assert.False(t, rec.IsRecording())
}

func TestRecorder_TerminateWaitsForStopInProgress(t *testing.T) {
	mic := micDev(nil)
	mic.Stall = true
	f := newFixture(t, testDefaults, loopbackDev(constant(2880, 1)), mic)
	f.rec.opts.JoinTimeout = 300 * time.Millisecond

	_, err := f.rec.Start(nil, nil)
	require.NoError(t, err)
	f.waitDrained(t, 1)

	stopErr := make(chan error, 1)
	began := time.Now()
	go func() {
		_, err := f.rec.Stop(context.Background())
		stopErr <- err
	}()
	require.Eventually(t, func() bool { return !f.rec.IsRecording() }, 2*time.Second, time.Millisecond)

	f.rec.Terminate()
	assert.GreaterOrEqual(t, time.Since(began), 250*time.Millisecond, "terminate returned before the stop finished")
	assert.True(t, f.sim.Closed())
	require.NoError(t, <-stopErr)
	assert.Len(t, f.enc.calls, 1)

	_, err = f.rec.Start(nil, nil)
	assert.ErrorIs(t, err, audio.ErrTerminated)
}

func TestRecorder_TerminateRacingStart(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t, testDefaults, loopbackDev(constant(2880, 1)), micDev(constant(480, 1)))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.rec.Start(nil, nil)
		}()
		go func() {
			defer wg.Done()
			f.rec.Terminate()
		}()
		wg.Wait()

		require.False(t, f.rec.IsRecording(), "a recording survived terminate")
		require.True(t, f.sim.Closed())
		_, err := f.rec.Start(nil, nil)
		require.ErrorIs(t, err, audio.ErrTerminated)
	}
}
