package video

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/chenBenjamin97/vehicle-scanner/pkg/track"
)

const (
	workerEnv = "VSCAN_TEST_TRACKER_WORKER"
	markerEnv = "VSCAN_TEST_TRACKER_MARKER"
)

//TestMain lets the test binary double as a tracker worker
func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		runTestWorker()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

//runTestWorker answers every request with one identified car and one unidentified truck.
//Frame 1 hangs the first time it is seen, frame 7 reports a worker error, frame 8 answers for the wrong frame.
func runTestWorker() {
	for {
		var req trackRequest
		if err := readMessage(os.Stdin, &req); err != nil {
			return
		}

		resp := trackResponse{FrameID: req.FrameID}
		switch req.FrameID {
		case 1:
			marker := os.Getenv(markerEnv)
			if _, err := os.Stat(marker); os.IsNotExist(err) {
				os.WriteFile(marker, []byte("hung"), 0644)
				time.Sleep(time.Minute)
			}
		case 7:
			resp.Error = "model not loaded"
		case 8:
			resp.FrameID = 9
		}

		if resp.Error == "" {
			id := int64(1)
			resp.Detections = []wireDetection{
				{BBox: []float64{2, 2, 30, 20}, Class: "car", Confidence: 0.9, TrackID: &id},
				{BBox: []float64{10, 10, 40, 40}, Class: "truck", Confidence: 0.5},
			}
		}
		if err := writeMessage(os.Stdout, resp); err != nil {
			return
		}
	}
}

func startTestWorker(t *testing.T) *ProcessTracker {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)

	p, err := StartProcessTracker(ProcessConfig{
		Command: exe,
		Env:     []string{workerEnv + "=1", markerEnv + "=" + filepath.Join(t.TempDir(), "hung-once")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestProcessTrackerExchange(t *testing.T) {
	p := startTestWorker(t)
	frame := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
	defer frame.Close()

	dets, err := p.Track(context.Background(), 0, frame)
	require.NoError(t, err)
	require.Len(t, dets, 2)
	require.NotNil(t, dets[0].TrackID)
	assert.Equal(t, track.ID(1), *dets[0].TrackID)
	assert.Equal(t, "car", dets[0].ClassLabel)
	assert.Nil(t, dets[1].TrackID)
	assert.Equal(t, int64(0), p.Generation())

	t.Run("worker error keeps the worker", func(t *testing.T) {
		_, err := p.Track(context.Background(), 7, frame)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "model not loaded")

		dets, err := p.Track(context.Background(), 0, frame)
		require.NoError(t, err)
		assert.Equal(t, track.ID(1), *dets[0].TrackID)
		assert.Equal(t, int64(0), p.Generation())
	})

	t.Run("answer for another frame restarts the worker", func(t *testing.T) {
		_, err := p.Track(context.Background(), 8, frame)
		require.Error(t, err)

		dets, err := p.Track(context.Background(), 10, frame)
		require.NoError(t, err)
		assert.Equal(t, int64(1), p.Generation())
		assert.Equal(t, track.ID(1<<32|1), *dets[0].TrackID)
	})
}

func TestRestartedWorkerNeverReusesIDs(t *testing.T) {
	p := startTestWorker(t)
	store := track.NewStore(track.Options{})
	a := NewAdapter(p, store, nil, 300*time.Millisecond)

	frame := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
	defer frame.Close()

	dets, distinct := a.Process(context.Background(), 0, frame)
	require.Len(t, dets, 1)
	assert.Equal(t, 1, distinct)
	store.RecordClassification(dets[0].TrackID, "Toyota Corolla", 0.9, 0)
	store.RecordPlate(dets[0].TrackID, "OLD123", 0.8, 0)

	start := time.Now()
	dets, distinct = a.Process(context.Background(), 1, frame)
	assert.Empty(t, dets, "hung worker yields an empty frame")
	assert.Equal(t, 1, distinct)
	assert.Less(t, time.Since(start), 5*time.Second)

	dets, distinct = a.Process(context.Background(), 2, frame)
	require.Len(t, dets, 1)
	assert.Equal(t, int64(1), p.Generation())

	old, ok := store.Get(1)
	require.True(t, ok)
	assert.Equal(t, 0, old.LastSeenFrame, "the old vehicle is not refreshed by the new worker's track 1")

	newID := dets[0].TrackID
	assert.NotEqual(t, track.ID(1), newID)
	assert.Equal(t, 2, distinct)
	st := store.State(newID)
	assert.Nil(t, st.LastClassification)
	assert.Nil(t, st.LastPlateRead)
}
