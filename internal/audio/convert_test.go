package audio

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownmix_AveragesFrames(t *testing.T) {
	in := []int16{100, 200, -100, -300, 7, 8}
	out := Downmix(in, 2)
	assert.Equal(t, []int16{150, -200, 7}, out)
}

func TestDownmix_TruncatesTowardZero(t *testing.T) {
	out := Downmix([]int16{1, 2, 2, -1, -2, -2}, 3)
	assert.Equal(t, []int16{1, -1}, out)
}

func TestDownmix_DropsPartialFrame(t *testing.T) {
	out := Downmix([]int16{10, 20, 30}, 2)
	assert.Equal(t, []int16{15}, out)
}

func TestDownmix_NoOverflowAtExtremes(t *testing.T) {
	out := Downmix([]int16{math.MaxInt16, math.MaxInt16, math.MinInt16, math.MinInt16}, 2)
	assert.Equal(t, []int16{math.MaxInt16, math.MinInt16}, out)
}

func TestDownmix_MonoIsCopy(t *testing.T) {
	in := []int16{1, 2, 3}
	out := Downmix(in, 1)
	require.Equal(t, in, out)
	out[0] = 99
	assert.Equal(t, int16(1), in[0])
}

func TestResample_NearestNeighbourSelection(t *testing.T) {
	in := []int16{0, 1, 2, 3, 4, 5}
	// 48k -> 16k keeps every third sample.
	assert.Equal(t, []int16{0, 3}, Resample(in, 48000, 16000))
	// 8k -> 16k repeats each sample.
	assert.Equal(t, []int16{0, 0, 1, 1, 2, 2, 3, 3, 4, 4, 5, 5}, Resample(in, 8000, 16000))
}

func TestResample_SameRateIsCopy(t *testing.T) {
	in := []int16{5, 6, 7}
	assert.Equal(t, in, Resample(in, 16000, 16000))
}

func TestResample_ShortChunkNeverEmpty(t *testing.T) {
	out := Resample([]int16{42}, 48000, 16000)
	assert.Equal(t, []int16{42}, out)
	assert.Empty(t, Resample(nil, 48000, 16000))
}

func TestNormalize_LengthProperty(t *testing.T) {
	rates := []int{8000, 11025, 16000, 22050, 32000, 44100, 48000, 96000}
	targets := []int{8000, 16000, 44100, 48000}
	for _, native := range rates {
		for _, target := range targets {
			for _, channels := range []int{1, 2, 6} {
				for _, frames := range []int{1, 7, 441, 1323, 1440, 4800} {
					name := fmt.Sprintf("%d->%d/%dch/%d", native, target, channels, frames)
					in := make([]int16, frames*channels)
					out := Normalize(in, native, target, channels)
					want := math.Round(float64(frames) * float64(target) / float64(native))
					if want < 1 {
						want = 1
					}
					assert.InDelta(t, want, float64(len(out)), 1, name)
				}
			}
		}
	}
}

func TestNormalize_DownmixThenResample(t *testing.T) {
	// Stereo frames at 32k: (10,30) (0,0) (-10,-30) (0,0)
	in := []int16{10, 30, 0, 0, -10, -30, 0, 0}
	out := Normalize(in, 32000, 16000, 2)
	assert.Equal(t, []int16{20, -20}, out)
}
