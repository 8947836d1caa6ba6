// Package capture runs the per-device capture loops that feed the mono
// sinks of a recording session.
package capture

import (
	"context"
	"log/slog"
	"time"

	"github.com/audiolibrelab/callscribe/internal/audio"
)

// Role identifies which side of the call a stream carries.
type Role string

const (
	RoleSystem     Role = "system"
	RoleMicrophone Role = "microphone"
)

// DefaultChunk is the capture read size.
const DefaultChunk = 30 * time.Millisecond

// Opener opens capture streams. audio.Subsystem satisfies it.
type Opener interface {
	OpenCapture(dev audio.Device, params audio.StreamParams) (audio.CaptureStream, error)
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Role       Role
	Device     audio.Device
	Opener     Opener
	Sink       *Sink
	TargetRate int
	Chunk      time.Duration
}

// Stats summarises one capture run.
type Stats struct {
	Chunks        int
	DroppedChunks int
	Samples       int64
}

// Worker captures one device into one sink until its context is cancelled.
type Worker struct {
	cfg   WorkerConfig
	stats Stats
}

// NewWorker creates a worker.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.Chunk <= 0 {
		cfg.Chunk = DefaultChunk
	}
	return &Worker{cfg: cfg}
}

// Stats returns counters for the last run. Only valid after Run returned.
func (w *Worker) Stats() Stats { return w.stats }

// framesPerRead is the chunk length in frames at the device's native rate.
func (w *Worker) framesPerRead() int {
	frames := int(int64(w.cfg.Device.DefaultRate) * int64(w.cfg.Chunk) / int64(time.Second))
	if frames < 1 {
		frames = 1
	}
	return frames
}

// Run is the capture loop. It never fails the session: an open failure
// leaves the sink empty and per-chunk read errors are skipped. The sink is
// closed on every exit path.
func (w *Worker) Run(ctx context.Context) error {
	defer w.cfg.Sink.Close()

	dev := w.cfg.Device
	nativeRate := dev.DefaultRate
	if nativeRate <= 0 {
		nativeRate = w.cfg.TargetRate
	}
	channels := dev.CaptureChannels()
	params := audio.StreamParams{
		Channels:      channels,
		SampleRate:    nativeRate,
		FramesPerRead: w.framesPerRead(),
	}

	stream, err := w.cfg.Opener.OpenCapture(dev, params)
	if err != nil {
		slog.Error("Failed to open capture stream, channel will be silent",
			"role", w.cfg.Role, "device", dev.Name, "index", dev.Index, "error", err)
		return nil
	}
	defer func() {
		if err := stream.Close(); err != nil {
			slog.Debug("Failed to close capture stream", "role", w.cfg.Role, "device", dev.Name, "error", err)
		}
	}()

	slog.Info("Capture started", "role", w.cfg.Role, "device", dev.Name,
		"channels", channels, "native_rate", nativeRate, "target_rate", w.cfg.TargetRate,
		"frames_per_read", params.FramesPerRead)

	buf := make([]int16, params.FramesPerRead*channels)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Capture stopped", "role", w.cfg.Role, "device", dev.Name,
				"chunks", w.stats.Chunks, "dropped", w.stats.DroppedChunks, "samples", w.stats.Samples)
			return nil
		default:
		}

		n, err := stream.Read(buf)
		if err != nil {
			w.stats.DroppedChunks++
			if !audio.IsTransient(err) {
				// Broken stream: back off for a chunk so the loop does not spin.
				slog.Debug("Capture read failed", "role", w.cfg.Role, "device", dev.Name, "error", err)
				select {
				case <-ctx.Done():
				case <-time.After(w.cfg.Chunk):
				}
			}
			continue
		}
		if n == 0 {
			continue
		}

		mono := audio.Normalize(buf[:n], nativeRate, w.cfg.TargetRate, channels)
		if err := w.cfg.Sink.Write(mono); err != nil {
			slog.Warn("Failed to persist capture chunk", "role", w.cfg.Role, "error", err)
			w.stats.DroppedChunks++
			continue
		}
		w.stats.Chunks++
		w.stats.Samples += int64(len(mono))
	}
}
