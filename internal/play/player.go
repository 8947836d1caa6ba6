package play

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// List of preferred audio players in order of preference
var defaultPlayers = []string{"vlc", "mpv", "ffplay", "aplay"}

type Player struct {
	players  []string
	lookPath func(string) (string, error)
	run      func(*exec.Cmd) error
}

func New() *Player {
	return &Player{
		players:  defaultPlayers,
		lookPath: exec.LookPath,
		run:      (*exec.Cmd).Run,
	}
}

// Play plays the recording at audioFile with the first available player.
func (p *Player) Play(audioFile string) error {
	if _, err := os.Stat(audioFile); err != nil {
		return fmt.Errorf("audio file not found: %s", audioFile)
	}

	player, err := p.findAudioPlayer()
	if err != nil {
		return fmt.Errorf("no suitable audio player found: %w", err)
	}

	cmd, err := p.command(player, audioFile)
	if err != nil {
		return err
	}

	slog.Info("Playing recording", "file", audioFile, "player", player)
	if err := p.run(cmd); err != nil {
		return fmt.Errorf("playback failed with %s: %w", player, err)
	}
	slog.Debug("Playback completed", "file", audioFile)
	return nil
}

func (p *Player) command(player, audioFile string) (*exec.Cmd, error) {
	switch player {
	case "vlc":
		return exec.Command("vlc", "--play-and-exit", audioFile), nil
	case "mpv":
		return exec.Command("mpv", "--no-video", audioFile), nil
	case "ffplay":
		return exec.Command("ffplay", "-nodisp", "-autoexit", audioFile), nil
	case "aplay":
		// aplay only works with WAV files
		if !strings.EqualFold(filepath.Ext(audioFile), ".wav") {
			return nil, fmt.Errorf("aplay requires WAV format, got %s", filepath.Ext(audioFile))
		}
		return exec.Command("aplay", audioFile), nil
	}
	return nil, fmt.Errorf("unsupported player: %s", player)
}

func (p *Player) findAudioPlayer() (string, error) {
	for _, player := range p.players {
		if _, err := p.lookPath(player); err == nil {
			return player, nil
		}
	}
	return "", fmt.Errorf("no audio player found (tried: %s)", strings.Join(p.players, ", "))
}
