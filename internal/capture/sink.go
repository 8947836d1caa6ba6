package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ErrSinkClosed is returned when writing to a closed sink.
var ErrSinkClosed = errors.New("sink closed")

// Sink persists one mono stream as headerless little-endian 16-bit PCM.
// Nothing in the file ever needs rewriting, so a crash leaves every flushed
// sample readable. Close is safe to call from any goroutine, any number of
// times.
type Sink struct {
	mu         sync.Mutex
	path       string
	sampleRate int
	file       *os.File
	w          *bufio.Writer
	samples    int64
	sinceFlush int
	flushEvery int
	closed     bool
}

// CreateSink creates (or truncates) the file at path. A durability flush is
// forced each time flushInterval worth of audio at sampleRate was written.
func CreateSink(path string, sampleRate int, flushInterval time.Duration) (*Sink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create sink %s: %w", path, err)
	}
	flushEvery := int(int64(sampleRate) * int64(flushInterval) / int64(time.Second))
	if flushEvery < 1 {
		flushEvery = sampleRate
	}
	return &Sink{
		path:       path,
		sampleRate: sampleRate,
		file:       f,
		w:          bufio.NewWriterSize(f, 64*1024),
		flushEvery: flushEvery,
	}, nil
}

// Path returns the backing file path.
func (s *Sink) Path() string { return s.path }

// SampleRate returns the rate of the stored samples.
func (s *Sink) SampleRate() int { return s.sampleRate }

// Samples returns how many samples were written so far.
func (s *Sink) Samples() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples
}

// Write appends samples.
func (s *Sink) Write(samples []int16) error {
	if len(samples) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	if err := binary.Write(s.w, binary.LittleEndian, samples); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.path, err)
	}
	s.samples += int64(len(samples))
	s.sinceFlush += len(samples)
	if s.sinceFlush >= s.flushEvery {
		s.sinceFlush = 0
		return s.flushLocked()
	}
	return nil
}

// Flush pushes buffered samples to stable storage.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	return s.flushLocked()
}

func (s *Sink) flushLocked() error {
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", s.path, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", s.path, err)
	}
	return nil
}

// Close flushes and closes the file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	flushErr := s.w.Flush()
	closeErr := s.file.Close()
	if flushErr != nil {
		return fmt.Errorf("failed to flush %s: %w", s.path, flushErr)
	}
	return closeErr
}
