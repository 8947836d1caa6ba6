// Package encode turns the finalized stereo WAV into the delivered recording.
package encode

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
)

// Encoder converts a stereo WAV file into the output format. Implementations
// either produce outPath completely or leave it untouched.
type Encoder interface {
	Name() string
	Encode(ctx context.Context, wavPath, outPath string) error
}

// EncodingError reports a failed encode. The intermediate WAV is kept.
type EncodingError struct {
	Encoder string
	Output  string
	Err     error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("%s encoding to %s failed: %v", e.Encoder, e.Output, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// Options selects and parameterizes an encoder.
type Options struct {
	Encoder string // "ffmpeg" or "wav"
	Format  string // "mp3", "ogg", "flac", "wav"
	Bitrate string // e.g. "128k"
	Binary  string // ffmpeg executable, defaults to "ffmpeg"
}

// New returns the encoder named by opts.
func New(opts Options) (Encoder, error) {
	switch opts.Encoder {
	case "", "ffmpeg":
		if _, ok := codecs[opts.Format]; !ok {
			return nil, fmt.Errorf("unsupported output format: %s", opts.Format)
		}
		bin := opts.Binary
		if bin == "" {
			bin = "ffmpeg"
		}
		return &FFmpeg{Binary: bin, Format: opts.Format, Bitrate: opts.Bitrate}, nil
	case "wav":
		if opts.Format != "" && opts.Format != "wav" {
			return nil, fmt.Errorf("wav encoder cannot produce %s", opts.Format)
		}
		return WAVCopy{}, nil
	default:
		return nil, fmt.Errorf("unknown encoder: %s", opts.Encoder)
	}
}

type codec struct {
	muxer string
	codec string
	lossy bool
}

var codecs = map[string]codec{
	"mp3":  {muxer: "mp3", codec: "libmp3lame", lossy: true},
	"ogg":  {muxer: "ogg", codec: "libopus", lossy: true},
	"flac": {muxer: "flac", codec: "flac"},
	"wav":  {muxer: "wav", codec: "pcm_s16le"},
}

// FFmpeg encodes by running the ffmpeg binary.
type FFmpeg struct {
	Binary  string
	Format  string
	Bitrate string
}

func (f *FFmpeg) Name() string { return "ffmpeg" }

// Args returns the ffmpeg argument list for one encode.
func (f *FFmpeg) Args(wavPath, outPath string) []string {
	c := codecs[f.Format]
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", wavPath,
		"-c:a", c.codec,
	}
	if c.lossy && f.Bitrate != "" {
		args = append(args, "-b:a", f.Bitrate)
	}
	return append(args, "-f", c.muxer, "-y", outPath)
}

// Encode writes to a temporary file next to outPath and renames it into
// place once ffmpeg succeeds.
func (f *FFmpeg) Encode(ctx context.Context, wavPath, outPath string) error {
	if _, ok := codecs[f.Format]; !ok {
		return &EncodingError{Encoder: f.Name(), Output: outPath, Err: fmt.Errorf("unsupported format %s", f.Format)}
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return &EncodingError{Encoder: f.Name(), Output: outPath, Err: err}
	}

	tmp := partialPath(outPath)
	defer os.Remove(tmp)

	cmd := exec.CommandContext(ctx, f.Binary, f.Args(wavPath, tmp)...)
	slog.Debug("Running FFmpeg for encoding", "command", strings.Join(cmd.Args, " "))

	output, err := cmd.CombinedOutput()
	if err != nil {
		return &EncodingError{
			Encoder: f.Name(),
			Output:  outPath,
			Err:     fmt.Errorf("%w\nOutput: %s", err, strings.TrimSpace(string(output))),
		}
	}
	if _, err := os.Stat(tmp); err != nil {
		return &EncodingError{Encoder: f.Name(), Output: outPath, Err: fmt.Errorf("output file not created: %w", err)}
	}

	if err := atomic.ReplaceFile(tmp, outPath); err != nil {
		return &EncodingError{Encoder: f.Name(), Output: outPath, Err: err}
	}
	slog.Info("Encoded recording", "file", outPath, "format", f.Format)
	return nil
}

// WAVCopy delivers the stereo WAV unchanged.
type WAVCopy struct{}

func (WAVCopy) Name() string { return "wav" }

func (w WAVCopy) Encode(ctx context.Context, wavPath, outPath string) error {
	if err := ctx.Err(); err != nil {
		return &EncodingError{Encoder: w.Name(), Output: outPath, Err: err}
	}
	in, err := os.Open(wavPath)
	if err != nil {
		return &EncodingError{Encoder: w.Name(), Output: outPath, Err: err}
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return &EncodingError{Encoder: w.Name(), Output: outPath, Err: err}
	}
	if err := atomic.WriteFile(outPath, in); err != nil {
		return &EncodingError{Encoder: w.Name(), Output: outPath, Err: err}
	}
	slog.Info("Copied recording", "file", outPath)
	return nil
}

func partialPath(outPath string) string {
	dir, base := filepath.Split(outPath)
	return filepath.Join(dir, "."+base+".partial")
}
