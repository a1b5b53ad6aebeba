package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chenBenjamin97/vehicle-scanner/pkg/config"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/utils"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/video"
)

func testSettings(t *testing.T) config.Settings {
	return config.Settings{
		ClassifyEvery:     10,
		ReadEvery:         30,
		CapabilityTimeout: time.Second,
		Classes:           utils.VehicleClasses,
		ResultsDir:        t.TempDir(),
	}
}

func TestBuilder(t *testing.T) {
	src := &fakeSource{frames: 5}
	cleaned := 0

	b := NewBuilder(testSettings(t), &scriptedClassifier{}, &staticReader{})
	b.OpenSource = func(req Request) (video.Source, error) { return src, nil }
	b.NewTracker = func() (video.Tracker, func(), error) {
		return trackerFunc(oneCar), func() { cleaned++ }, nil
	}

	sess, cleanup, err := b.Build(Request{Source: "clip.mp4", Mode: Batch})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(b.Settings.ResultsDir, utils.ResultsFileName), sess.ResultsPath())

	sum, err := sess.Run(context.Background())
	require.NoError(t, err)
	cleanup()

	assert.Equal(t, 5, sum.Records)
	assert.Equal(t, 1, sum.Analysis.Classifications)
	assert.Equal(t, 1, cleaned)
	assert.FileExists(t, sum.ResultsPath)
}

func TestBuilderFailures(t *testing.T) {
	t.Run("bad cadence", func(t *testing.T) {
		s := testSettings(t)
		s.ReadEvery = 0
		_, _, err := NewBuilder(s, nil, nil).Build(Request{Source: "x"})
		assert.Error(t, err)
	})

	t.Run("source error", func(t *testing.T) {
		b := NewBuilder(testSettings(t), nil, nil)
		started := false
		b.NewTracker = func() (video.Tracker, func(), error) {
			started = true
			return trackerFunc(oneCar), func() {}, nil
		}

		_, _, err := b.Build(Request{Source: filepath.Join(t.TempDir(), "missing.mp4")})
		var srcErr *video.SourceError
		require.True(t, errors.As(err, &srcErr))
		assert.False(t, started)
	})

	t.Run("tracker error closes the source", func(t *testing.T) {
		src := &fakeSource{frames: 1}
		b := NewBuilder(testSettings(t), nil, nil)
		b.OpenSource = func(req Request) (video.Source, error) { return src, nil }
		b.NewTracker = func() (video.Tracker, func(), error) {
			return nil, nil, errors.New("no python")
		}

		_, _, err := b.Build(Request{Source: "x"})
		assert.Error(t, err)
		assert.True(t, src.closed)
	})
}
