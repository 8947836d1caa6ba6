package mix

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/audiolibrelab/callscribe/internal/audio"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	// wavHeaderSize is the canonical RIFF/WAVE header length. Shorter
	// files hold no audio.
	wavHeaderSize = 44

	// pcmMinSize is one 16-bit sample; raw intermediates have no header.
	pcmMinSize = 2
)

// LoadMono reads a mono stream from a raw .pcm intermediate or a .wav file.
// Missing or too-short files are an empty stream, not an error. Multi-channel
// WAV input is downmixed.
func LoadMono(path, role string, defaultRate int) (MonoStream, error) {
	empty := MonoStream{Role: role, SampleRate: defaultRate}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Debug("Stream file missing, treating as empty", "role", role, "file", path)
		return empty, nil
	}
	if err != nil {
		return empty, err
	}

	if strings.EqualFold(filepath.Ext(path), ".wav") {
		if info.Size() < wavHeaderSize {
			return empty, nil
		}
		return loadWAV(path, role, defaultRate)
	}

	if info.Size() < pcmMinSize {
		return empty, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return empty, fmt.Errorf("failed to read %s: %w", path, err)
	}
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return MonoStream{Role: role, SampleRate: defaultRate, Samples: samples}, nil
}

func loadWAV(path, role string, defaultRate int) (MonoStream, error) {
	empty := MonoStream{Role: role, SampleRate: defaultRate}

	f, err := os.Open(path)
	if err != nil {
		return empty, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		slog.Warn("Invalid WAV file, treating as empty", "role", role, "file", path)
		return empty, nil
	}
	if dec.BitDepth != 16 {
		return empty, fmt.Errorf("%s: unsupported bit depth %d (want 16)", path, dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return empty, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}
	if ch := int(dec.NumChans); ch > 1 {
		samples = audio.Downmix(samples, ch)
	}
	return MonoStream{Role: role, SampleRate: int(dec.SampleRate), Samples: samples}, nil
}

// WriteWAV writes an interleaved stereo result as 16-bit PCM WAV. The header
// is written once, at the end, by the encoder.
func WriteWAV(path string, res StereoResult) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	enc := wav.NewEncoder(f, res.SampleRate, 16, 2, 1)
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: 2,
			SampleRate:  res.SampleRate,
		},
		Data:           make([]int, len(res.Samples)),
		SourceBitDepth: 16,
	}
	for i, s := range res.Samples {
		buf.Data[i] = int(s)
	}

	if err := enc.Write(buf); err != nil {
		enc.Close()
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}
	return f.Close()
}

// ReadStereoWAV reads back a stereo WAV written by WriteWAV.
func ReadStereoWAV(path string) (StereoResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return StereoResult{}, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return StereoResult{}, fmt.Errorf("%s: not a valid WAV file", path)
	}
	if dec.NumChans != 2 {
		return StereoResult{}, fmt.Errorf("%s: expected 2 channels, got %d", path, dec.NumChans)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return StereoResult{}, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}
	return StereoResult{Samples: samples, SampleRate: int(dec.SampleRate), Frames: len(samples) / 2}, nil
}
