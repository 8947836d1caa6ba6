package capture

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSink_PeriodicFlushReachesDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.pcm")
	// 1 s flush interval at 100 Hz: every 100 samples.
	s, err := CreateSink(path, 100, time.Second)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Write(make([]int16, 60)))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size(), "below the flush threshold data stays buffered")

	require.NoError(t, s.Write(make([]int16, 60)))
	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(240), info.Size())
	assert.Equal(t, int64(120), s.Samples())
}

func TestSink_CloseIsIdempotentAndConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.pcm")
	s, err := CreateSink(path, 16000, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Write([]int16{1, 2, 3}))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Close()
		}()
	}
	wg.Wait()
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 2, 0, 3, 0}, raw)
	assert.ErrorIs(t, s.Flush(), ErrSinkClosed)
}
