package mix

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrEmptyInput is returned when both streams carry no audio.
var ErrEmptyInput = errors.New("both input streams are empty")

// MonoStream is one normalised channel of a call.
type MonoStream struct {
	Role       string
	SampleRate int
	Samples    []int16
}

// Len returns the number of samples.
func (m MonoStream) Len() int { return len(m.Samples) }

// StereoResult holds interleaved L/R frames: left is the system audio,
// right is the microphone.
type StereoResult struct {
	Samples    []int16
	SampleRate int
	Frames     int
}

// Duration returns the playing time of the result.
func (r StereoResult) Duration() time.Duration {
	if r.SampleRate <= 0 {
		return 0
	}
	return time.Duration(r.Frames) * time.Second / time.Duration(r.SampleRate)
}

// Seconds returns the duration in seconds.
func (r StereoResult) Seconds() float64 {
	if r.SampleRate <= 0 {
		return 0
	}
	return float64(r.Frames) / float64(r.SampleRate)
}

type Mixer struct {
	sampleRate int
}

// New creates a mixer. sampleRate is used for inputs that carry no rate.
func New(sampleRate int) *Mixer {
	return &Mixer{sampleRate: sampleRate}
}

// Mix interleaves system (left) and mic (right). The shorter stream is
// padded with silence so one failed device never truncates the other.
func (m *Mixer) Mix(system, mic MonoStream) (StereoResult, error) {
	if system.Len() == 0 && mic.Len() == 0 {
		return StereoResult{}, ErrEmptyInput
	}

	rate := system.SampleRate
	if system.Len() == 0 {
		rate = mic.SampleRate
	} else if mic.Len() > 0 && mic.SampleRate != system.SampleRate {
		slog.Warn("Mixing streams with different sample rates, using system rate",
			"system_rate", system.SampleRate, "mic_rate", mic.SampleRate)
	}
	if rate <= 0 {
		rate = m.sampleRate
	}

	frames := max(system.Len(), mic.Len())
	out := make([]int16, frames*2)
	copyChannel(out, system.Samples, 0)
	copyChannel(out, mic.Samples, 1)

	slog.Debug("Mixed streams", "frames", frames, "sample_rate", rate,
		"system_samples", system.Len(), "mic_samples", mic.Len())
	return StereoResult{Samples: out, SampleRate: rate, Frames: frames}, nil
}

// MixFiles loads two mono intermediates, mixes them, and writes the stereo
// WAV to outPath.
func (m *Mixer) MixFiles(systemPath, micPath, outPath string) (StereoResult, error) {
	system, err := LoadMono(systemPath, "system", m.sampleRate)
	if err != nil {
		return StereoResult{}, fmt.Errorf("failed to load system stream: %w", err)
	}
	mic, err := LoadMono(micPath, "microphone", m.sampleRate)
	if err != nil {
		return StereoResult{}, fmt.Errorf("failed to load microphone stream: %w", err)
	}

	res, err := m.Mix(system, mic)
	if err != nil {
		return StereoResult{}, err
	}
	if err := WriteWAV(outPath, res); err != nil {
		return StereoResult{}, err
	}
	slog.Info("Stereo mix written", "file", outPath, "frames", res.Frames, "duration", res.Duration())
	return res, nil
}

// copyChannel writes src into every other slot of dst starting at offset.
// Slots past len(src) keep their zero value.
func copyChannel(dst, src []int16, offset int) {
	for i, s := range src {
		dst[i*2+offset] = s
	}
}
