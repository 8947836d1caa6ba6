package audio

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSubsystem struct{ nullSubsystem }

func (failingSubsystem) Devices() ([]Device, error) { return nil, errors.New("boom") }

func TestBaseName(t *testing.T) {
	assert.Equal(t, "Speakers", baseName("Speakers (Realtek(R) Audio)"))
	assert.Equal(t, "Headset", baseName("Headset"))
	assert.Equal(t, "", baseName(" (only qualifier)"))
}

func TestFindLoopback_PrefersDefaultOutput(t *testing.T) {
	sub := NewSimulated(Defaults{Output: 1, HostInput: -1, SystemInput: -1},
		&SimulatedDevice{Device: Device{Index: 0, Name: "Headphones (USB)", OutputChannels: 2}},
		&SimulatedDevice{Device: Device{Index: 1, Name: "Speakers (Realtek Audio)", OutputChannels: 2}},
		&SimulatedDevice{Device: Device{Index: 2, Name: "Headphones (USB) [Loopback]", IsLoopback: true}},
		&SimulatedDevice{Device: Device{Index: 3, Name: "Speakers (Realtek Audio) [Loopback]", IsLoopback: true}},
	)

	d, ok := FindLoopback(sub)
	require.True(t, ok)
	assert.Equal(t, 3, d.Index)
}

func TestFindLoopback_FallsBackToAnyLoopback(t *testing.T) {
	sub := NewSimulated(Defaults{Output: 0, HostInput: -1, SystemInput: -1},
		&SimulatedDevice{Device: Device{Index: 0, Name: "HDMI Output", OutputChannels: 2}},
		&SimulatedDevice{Device: Device{Index: 1, Name: "Monitor of Built-in Audio", IsLoopback: true}},
	)

	d, ok := FindLoopback(sub)
	require.True(t, ok)
	assert.Equal(t, 1, d.Index)
}

func TestFindLoopback_NoneIsNotAnError(t *testing.T) {
	sub := NewSimulated(Defaults{Output: -1, HostInput: 0, SystemInput: 0},
		&SimulatedDevice{Device: Device{Index: 0, Name: "Mic", InputChannels: 1}},
	)
	_, ok := FindLoopback(sub)
	assert.False(t, ok)

	_, ok = FindLoopback(failingSubsystem{})
	assert.False(t, ok)
}

func TestFindMic_PrefersHostDefault(t *testing.T) {
	sub := NewSimulated(Defaults{Output: -1, HostInput: 1, SystemInput: 0},
		&SimulatedDevice{Device: Device{Index: 0, Name: "Built-in Mic", InputChannels: 1}},
		&SimulatedDevice{Device: Device{Index: 1, Name: "Headset Mic", InputChannels: 1}},
	)
	d, ok := FindMic(sub)
	require.True(t, ok)
	assert.Equal(t, 1, d.Index)
}

func TestFindMic_FallsBackToSystemDefault(t *testing.T) {
	sub := NewSimulated(Defaults{Output: -1, HostInput: -1, SystemInput: 0},
		&SimulatedDevice{Device: Device{Index: 0, Name: "Built-in Mic", InputChannels: 1}},
	)
	d, ok := FindMic(sub)
	require.True(t, ok)
	assert.Equal(t, 0, d.Index)

	_, ok = FindMic(NewSimulated(Defaults{Output: -1, HostInput: -1, SystemInput: -1}))
	assert.False(t, ok)
}

func TestDevice_CaptureChannels(t *testing.T) {
	assert.Equal(t, 2, Device{IsLoopback: true, OutputChannels: 2}.CaptureChannels())
	assert.Equal(t, 2, Device{IsLoopback: true}.CaptureChannels())
	assert.Equal(t, 1, Device{InputChannels: 0}.CaptureChannels())
	assert.Equal(t, 4, Device{InputChannels: 4}.CaptureChannels())
}
