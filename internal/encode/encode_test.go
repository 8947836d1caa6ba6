package encode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	enc, err := New(Options{Encoder: "ffmpeg", Format: "mp3", Bitrate: "96k"})
	require.NoError(t, err)
	ff, ok := enc.(*FFmpeg)
	require.True(t, ok)
	assert.Equal(t, "ffmpeg", ff.Binary)

	enc, err = New(Options{Encoder: "wav", Format: "wav"})
	require.NoError(t, err)
	assert.Equal(t, "wav", enc.Name())

	_, err = New(Options{Encoder: "wav", Format: "mp3"})
	assert.Error(t, err)
	_, err = New(Options{Encoder: "ffmpeg", Format: "aac"})
	assert.Error(t, err)
	_, err = New(Options{Encoder: "sox"})
	assert.Error(t, err)
}

func TestFFmpegArgs(t *testing.T) {
	tests := []struct {
		format string
		want   []string
	}{
		{"mp3", []string{"-hide_banner", "-loglevel", "error", "-i", "in.wav", "-c:a", "libmp3lame", "-b:a", "128k", "-f", "mp3", "-y", "out"}},
		{"ogg", []string{"-hide_banner", "-loglevel", "error", "-i", "in.wav", "-c:a", "libopus", "-b:a", "128k", "-f", "ogg", "-y", "out"}},
		{"flac", []string{"-hide_banner", "-loglevel", "error", "-i", "in.wav", "-c:a", "flac", "-f", "flac", "-y", "out"}},
		{"wav", []string{"-hide_banner", "-loglevel", "error", "-i", "in.wav", "-c:a", "pcm_s16le", "-f", "wav", "-y", "out"}},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			f := &FFmpeg{Binary: "ffmpeg", Format: tt.format, Bitrate: "128k"}
			assert.Equal(t, tt.want, f.Args("in.wav", "out"))
		})
	}
}

func TestFFmpegEncode_FailureLeavesNoOutput(t *testing.T) {
	dir := t.TempDir()
	wavPath := filepath.Join(dir, "x_stereo.wav")
	require.NoError(t, os.WriteFile(wavPath, []byte("RIFF"), 0o644))
	out := filepath.Join(dir, "out", "x.mp3")

	f := &FFmpeg{Binary: filepath.Join(dir, "no-such-ffmpeg"), Format: "mp3"}
	err := f.Encode(context.Background(), wavPath, out)

	var encErr *EncodingError
	require.True(t, errors.As(err, &encErr))
	assert.Equal(t, "ffmpeg", encErr.Encoder)
	assert.Equal(t, out, encErr.Output)
	assert.NoFileExists(t, out)
	assert.NoFileExists(t, partialPath(out))
	assert.FileExists(t, wavPath)
}

func TestFFmpegEncode_ReplacesIntoPlace(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in for ffmpeg")
	}
	dir := t.TempDir()
	// Stand-in binary: copies the -i input to the final argument.
	script := filepath.Join(dir, "fake-ffmpeg")
	require.NoError(t, os.WriteFile(script, []byte(`#!/bin/sh
in=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-i" ]; then in="$a"; fi
  prev="$a"
  last="$a"
done
cp "$in" "$last"
`), 0o755))

	wavPath := filepath.Join(dir, "x_stereo.wav")
	require.NoError(t, os.WriteFile(wavPath, []byte("payload"), 0o644))
	out := filepath.Join(dir, "x.flac")

	f := &FFmpeg{Binary: script, Format: "flac"}
	require.NoError(t, f.Encode(context.Background(), wavPath, out))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
	assert.NoFileExists(t, partialPath(out))
}

func TestWAVCopy(t *testing.T) {
	dir := t.TempDir()
	wavPath := filepath.Join(dir, "in.wav")
	require.NoError(t, os.WriteFile(wavPath, []byte("RIFFdata"), 0o644))
	out := filepath.Join(dir, "rec", "id.wav")

	require.NoError(t, WAVCopy{}.Encode(context.Background(), wavPath, out))
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "RIFFdata", string(got))

	err = WAVCopy{}.Encode(context.Background(), filepath.Join(dir, "missing.wav"), filepath.Join(dir, "m.wav"))
	var encErr *EncodingError
	assert.ErrorAs(t, err, &encErr)
	assert.NoFileExists(t, filepath.Join(dir, "m.wav"))
}
