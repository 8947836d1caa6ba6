package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/callscribe/internal/audio"
	"github.com/audiolibrelab/callscribe/internal/config"
	"github.com/audiolibrelab/callscribe/internal/encode"
	"github.com/audiolibrelab/callscribe/internal/mix"
	"github.com/audiolibrelab/callscribe/internal/play"
	"github.com/audiolibrelab/callscribe/internal/session"
	"github.com/docker/go-units"
	"github.com/natefinch/atomic"
	"github.com/shirou/gopsutil/v3/disk"
	"gopkg.in/yaml.v3"
)

var (
	// ErrRecordingNotFound is returned for unknown recording ids.
	ErrRecordingNotFound = errors.New("recording not found")

	// ErrInsufficientDiskSpace is returned when the output directory has
	// less free space than output.min_free_mb.
	ErrInsufficientDiskSpace = errors.New("insufficient disk space")
)

// Service represents the core CallScribe service interface
type Service interface {
	// Device operations
	ListDevices() (*DeviceList, error)

	// Recording operations
	StartRecording(loopbackIndex, micIndex *int) (string, error)
	StopRecording(ctx context.Context) (*session.Result, error)
	GetRecordingStatus() session.Status

	// Offline mixing
	Mix(ctx context.Context, systemPath, micPath, outPath string) (*MixResult, error)

	// Recordings
	ListRecordings() ([]RecordingInfo, error)
	RecordingPath(id string) (string, error)
	DeleteRecording(id string) error
	Play(id string) error

	GetConfig() *config.Config
	GetLastError() string
	Backend() string

	// Terminate stops any recording and releases the audio subsystem.
	Terminate()
}

// DeviceList is the device enumeration split the way callers use it.
type DeviceList struct {
	Devices         []audio.Device `json:"devices"`
	Loopback        []audio.Device `json:"loopback"`
	Inputs          []audio.Device `json:"input"`
	DefaultLoopback *audio.Device  `json:"default_loopback,omitempty"`
	DefaultMic      *audio.Device  `json:"default_mic,omitempty"`
}

// MixResult describes an offline mix.
type MixResult struct {
	Path         string  `json:"path"`
	Frames       int     `json:"frames"`
	SampleRate   int     `json:"sample_rate"`
	DurationSecs float64 `json:"duration_secs"`
}

// RecordingInfo describes a delivered recording.
type RecordingInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	SizeHuman    string    `json:"size_human"`
	ModTime      time.Time `json:"mod_time"`
	ModTimeHuman string    `json:"mod_time_human"`
	Format       string    `json:"format"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	DurationSecs float64   `json:"duration_secs,omitempty"`
	AudioURL     string    `json:"audio_url"`
}

// recordingMeta is the sidecar written next to each delivered recording.
type recordingMeta struct {
	ID           string    `yaml:"id"`
	File         string    `yaml:"file"`
	StartedAt    time.Time `yaml:"started_at"`
	DurationSecs float64   `yaml:"duration_secs"`
	Frames       int       `yaml:"frames"`
	SampleRate   int       `yaml:"sample_rate"`
}

var supportedExts = map[string]bool{
	".mp3":  true,
	".ogg":  true,
	".flac": true,
	".wav":  true,
}

// Deps overrides collaborators built from the configuration.
type Deps struct {
	Host      *audio.Host
	Encoder   encode.Encoder
	Player    *play.Player
	DiskUsage func(path string) (*disk.UsageStat, error)
}

var _ Service = (*CallScribeService)(nil)

// CallScribeService is the main service implementation
type CallScribeService struct {
	cfg      *config.Config
	host     *audio.Host
	recorder *session.Recorder
	player   *play.Player
	usage    func(path string) (*disk.UsageStat, error)

	recordingsMutex sync.RWMutex

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a new CallScribe service instance
func New(cfg *config.Config, deps Deps) (*CallScribeService, error) {
	host := deps.Host
	if host == nil {
		var err error
		host, err = audio.NewHost(cfg.Audio.Backend)
		if err != nil {
			return nil, err
		}
	}

	enc := deps.Encoder
	if enc == nil {
		var err error
		enc, err = encode.New(encode.Options{
			Encoder: cfg.Output.Encoder,
			Format:  cfg.Output.Format,
			Bitrate: cfg.Output.Bitrate,
		})
		if err != nil {
			return nil, err
		}
	}

	rec, err := session.New(session.Options{
		Host:          host,
		Encoder:       enc,
		TargetRate:    cfg.Audio.SampleRate,
		Chunk:         cfg.Chunk(),
		FlushInterval: cfg.FlushInterval(),
		JoinTimeout:   cfg.JoinTimeout(),
		TempDir:       cfg.TempDirectory(),
		OutputDir:     cfg.Output.Directory,
		Format:        cfg.Output.Format,
	})
	if err != nil {
		return nil, err
	}

	player := deps.Player
	if player == nil {
		player = play.New()
	}

	usage := deps.DiskUsage
	if usage == nil {
		usage = disk.Usage
	}

	return &CallScribeService{
		cfg:      cfg,
		host:     host,
		recorder: rec,
		player:   player,
		usage:    usage,
	}, nil
}

// ListDevices enumerates devices and resolves the defaults the recorder
// would pick.
func (s *CallScribeService) ListDevices() (*DeviceList, error) {
	sub, err := s.host.Subsystem()
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to open audio subsystem: %v", err))
		return nil, err
	}
	devices, err := sub.Devices()
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to list devices: %v", err))
		return nil, &audio.DeviceError{Op: "enumerate", Index: -1, Err: err}
	}

	list := &DeviceList{
		Devices:  devices,
		Loopback: []audio.Device{},
		Inputs:   []audio.Device{},
	}
	for _, d := range devices {
		switch {
		case d.IsLoopback:
			list.Loopback = append(list.Loopback, d)
		case d.InputChannels > 0:
			list.Inputs = append(list.Inputs, d)
		}
	}
	if d, ok := audio.FindLoopback(sub); ok {
		list.DefaultLoopback = &d
	}
	if d, ok := audio.FindMic(sub); ok {
		list.DefaultMic = &d
	}
	return list, nil
}

// StartRecording starts a session. Nil indexes fall back to the configured
// device overrides, then to the detected defaults.
func (s *CallScribeService) StartRecording(loopbackIndex, micIndex *int) (string, error) {
	slog.Debug("Service.StartRecording called", "loopback_index", loopbackIndex, "mic_index", micIndex)
	s.clearLastError()

	if loopbackIndex == nil {
		loopbackIndex = s.cfg.Devices.LoopbackIndex
	}
	if micIndex == nil {
		micIndex = s.cfg.Devices.MicIndex
	}

	if !s.recorder.IsRecording() {
		if err := s.checkDiskSpace(); err != nil {
			s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
			return "", err
		}
	}

	id, err := s.recorder.Start(loopbackIndex, micIndex)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return "", err
	}
	return id, nil
}

// StopRecording stops the current session and records its metadata.
func (s *CallScribeService) StopRecording(ctx context.Context) (*session.Result, error) {
	res, err := s.recorder.Stop(ctx)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to stop recording: %v", err))
		return nil, err
	}
	s.clearLastError()

	if err := s.writeMeta(res); err != nil {
		slog.Warn("Failed to write recording metadata", "session_id", res.ID, "error", err)
	}
	return &res, nil
}

// GetRecordingStatus returns the recorder snapshot
func (s *CallScribeService) GetRecordingStatus() session.Status {
	return s.recorder.Status()
}

// Mix mixes two existing mono files into outPath. The output format follows
// outPath's extension.
func (s *CallScribeService) Mix(ctx context.Context, systemPath, micPath, outPath string) (*MixResult, error) {
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(outPath)), ".")
	encName := s.cfg.Output.Encoder
	if format == "wav" {
		encName = "wav"
	}
	enc, err := encode.New(encode.Options{Encoder: encName, Format: format, Bitrate: s.cfg.Output.Bitrate})
	if err != nil {
		return nil, err
	}

	tmpDir := s.cfg.TempDirectory()
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	stereoFile, err := os.CreateTemp(tmpDir, "mix-*_stereo.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to create stereo intermediate: %w", err)
	}
	stereoPath := stereoFile.Name()
	stereoFile.Close()
	defer os.Remove(stereoPath)

	res, err := mix.New(s.cfg.Audio.SampleRate).MixFiles(systemPath, micPath, stereoPath)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to mix: %v", err))
		return nil, err
	}
	if err := enc.Encode(ctx, stereoPath, outPath); err != nil {
		s.setLastError(fmt.Sprintf("Failed to encode mix: %v", err))
		return nil, err
	}
	return &MixResult{
		Path:         outPath,
		Frames:       res.Frames,
		SampleRate:   res.SampleRate,
		DurationSecs: res.Seconds(),
	}, nil
}

// ListRecordings returns delivered recordings, newest first.
func (s *CallScribeService) ListRecordings() ([]RecordingInfo, error) {
	s.recordingsMutex.RLock()
	defer s.recordingsMutex.RUnlock()

	dir := s.cfg.Output.Directory
	files, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return []RecordingInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read recordings directory: %w", err)
	}

	recordings := []RecordingInfo{}
	for _, file := range files {
		if file.IsDir() || strings.HasPrefix(file.Name(), ".") {
			continue
		}
		ext := strings.ToLower(filepath.Ext(file.Name()))
		if !supportedExts[ext] {
			continue
		}
		// Intermediates share the directory when no temp directory is set.
		if strings.HasSuffix(file.Name(), "_stereo.wav") {
			continue
		}

		info, err := file.Info()
		if err != nil {
			slog.Warn("Failed to get file info", "file", file.Name(), "error", err)
			continue
		}

		id := strings.TrimSuffix(file.Name(), filepath.Ext(file.Name()))
		rec := RecordingInfo{
			ID:           id,
			Name:         file.Name(),
			Path:         filepath.Join(dir, file.Name()),
			Size:         info.Size(),
			SizeHuman:    units.HumanSize(float64(info.Size())),
			ModTime:      info.ModTime(),
			ModTimeHuman: info.ModTime().Format("2006-01-02 15:04:05"),
			Format:       strings.TrimPrefix(ext, "."),
			AudioURL:     fmt.Sprintf("/api/recordings/%s/audio", id),
		}
		if meta, err := s.readMeta(id); err == nil {
			rec.StartedAt = meta.StartedAt
			rec.DurationSecs = meta.DurationSecs
		}
		recordings = append(recordings, rec)
	}

	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].ModTime.After(recordings[j].ModTime)
	})
	return recordings, nil
}

// RecordingPath resolves a recording id (or file name) to its file.
func (s *CallScribeService) RecordingPath(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: %q", ErrRecordingNotFound, id)
	}
	dir := s.cfg.Output.Directory

	if supportedExts[strings.ToLower(filepath.Ext(id))] {
		p := filepath.Join(dir, id)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("%w: %s", ErrRecordingNotFound, id)
	}

	candidates := []string{s.cfg.Output.Format}
	for ext := range supportedExts {
		candidates = append(candidates, strings.TrimPrefix(ext, "."))
	}
	for _, format := range candidates {
		p := filepath.Join(dir, id+"."+format)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrRecordingNotFound, id)
}

// DeleteRecording removes a recording and its metadata.
func (s *CallScribeService) DeleteRecording(id string) error {
	path, err := s.RecordingPath(id)
	if err != nil {
		return err
	}

	s.recordingsMutex.Lock()
	defer s.recordingsMutex.Unlock()

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete recording: %w", err)
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := os.Remove(s.metaPath(base)); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to delete recording metadata", "id", base, "error", err)
	}
	slog.Info("Deleted recording", "file", path)
	return nil
}

// Play plays a delivered recording
func (s *CallScribeService) Play(id string) error {
	path, err := s.RecordingPath(id)
	if err != nil {
		return err
	}
	return s.player.Play(path)
}

// GetConfig returns the current configuration
func (s *CallScribeService) GetConfig() *config.Config {
	return s.cfg
}

// Backend returns the audio backend in use, with "auto" resolved.
func (s *CallScribeService) Backend() string {
	return string(s.host.Backend())
}

// checkDiskSpace refuses a recording when the output directory's filesystem
// is below output.min_free_mb. A failed measurement is logged and ignored.
func (s *CallScribeService) checkDiskSpace() error {
	if s.cfg.Output.MinFreeMB <= 0 {
		return nil
	}
	dir := s.cfg.Output.Directory
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	usage, err := s.usage(dir)
	if err != nil {
		slog.Warn("Failed to check disk space", "dir", dir, "error", err)
		return nil
	}

	minFree := uint64(s.cfg.Output.MinFreeMB) * units.MiB
	if usage.Free < minFree {
		return fmt.Errorf("%w: %s free in %s, minimum %s", ErrInsufficientDiskSpace,
			units.BytesSize(float64(usage.Free)), dir, units.BytesSize(float64(minFree)))
	}
	slog.Debug("Disk space check passed", "dir", dir, "free", units.BytesSize(float64(usage.Free)))
	return nil
}

// Terminate stops any recording and releases the audio subsystem.
func (s *CallScribeService) Terminate() {
	s.recorder.Terminate()
}

func (s *CallScribeService) metaPath(id string) string {
	return filepath.Join(s.cfg.Output.Directory, "."+id+".yaml")
}

func (s *CallScribeService) writeMeta(res session.Result) error {
	s.recordingsMutex.Lock()
	defer s.recordingsMutex.Unlock()

	meta := recordingMeta{
		ID:           res.ID,
		File:         filepath.Base(res.Path),
		StartedAt:    res.StartedAt,
		DurationSecs: res.DurationSecs,
		Frames:       res.Frames,
		SampleRate:   s.cfg.Audio.SampleRate,
	}
	data, err := yaml.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("failed to marshal recording metadata: %w", err)
	}
	return atomic.WriteFile(s.metaPath(res.ID), bytes.NewReader(data))
}

func (s *CallScribeService) readMeta(id string) (*recordingMeta, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		return nil, err
	}
	var meta recordingMeta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse recording metadata: %w", err)
	}
	return &meta, nil
}

// GetLastError returns the last error message (thread-safe)
func (s *CallScribeService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *CallScribeService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	// Log all errors for debugging and monitoring
	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *CallScribeService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}
