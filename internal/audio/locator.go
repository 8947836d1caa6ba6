package audio

import (
	"log/slog"
	"strings"
)

// FindLoopback picks the device capturing what is played to the speakers.
// It prefers a loopback device named after the default output device and
// falls back to any loopback device. The second return value is false when
// the host has none; that is an expected outcome, not an error.
func FindLoopback(sub Subsystem) (Device, bool) {
	devices, err := sub.Devices()
	if err != nil {
		slog.Warn("Failed to enumerate audio devices", "backend", sub.Name(), "error", err)
		return Device{}, false
	}

	if defaults, err := sub.Defaults(); err == nil && defaults.Output >= 0 {
		if out, ok := byIndex(devices, defaults.Output); ok {
			base := baseName(out.Name)
			for _, d := range devices {
				if d.IsLoopback && base != "" && strings.HasPrefix(d.Name, base) {
					return d, true
				}
			}
		}
	} else if err != nil {
		slog.Debug("Default output device unavailable", "backend", sub.Name(), "error", err)
	}

	for _, d := range devices {
		if d.IsLoopback {
			return d, true
		}
	}
	return Device{}, false
}

// FindMic picks the microphone: the host's default input, then the
// system-wide default input.
func FindMic(sub Subsystem) (Device, bool) {
	devices, err := sub.Devices()
	if err != nil {
		slog.Warn("Failed to enumerate audio devices", "backend", sub.Name(), "error", err)
		return Device{}, false
	}
	defaults, err := sub.Defaults()
	if err != nil {
		slog.Debug("Default input device unavailable", "backend", sub.Name(), "error", err)
		return Device{}, false
	}

	for _, idx := range []int{defaults.HostInput, defaults.SystemInput} {
		if idx < 0 {
			continue
		}
		if d, ok := byIndex(devices, idx); ok {
			return d, true
		}
	}
	return Device{}, false
}

// baseName strips a trailing parenthetical qualifier such as a driver
// suffix: "Speakers (Realtek Audio)" -> "Speakers".
func baseName(name string) string {
	if i := strings.Index(name, " ("); i >= 0 {
		name = name[:i]
	}
	return strings.TrimSpace(name)
}

func byIndex(devices []Device, index int) (Device, bool) {
	for _, d := range devices {
		if d.Index == index {
			return d, true
		}
	}
	return Device{}, false
}
