package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/chenBenjamin97/vehicle-scanner/pkg/aggregate"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/analysis"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/schedule"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/sink"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/track"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/utils"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/video"
)

//fakeSource yields blank 160x120 frames. frames < 0 never runs out.
type fakeSource struct {
	frames  int
	failAt  int
	panicAt int
	onRead  func(n int)

	read   int
	closed bool
}

func (f *fakeSource) Read(dst *gocv.Mat) (bool, error) {
	if f.panicAt > 0 && f.read == f.panicAt {
		panic("decoder crashed")
	}
	if f.failAt > 0 && f.read == f.failAt {
		return false, &video.SourceError{Source: "fake", Err: errors.New("stream lost")}
	}
	if f.frames >= 0 && f.read >= f.frames {
		return false, nil
	}

	m := gocv.NewMatWithSize(120, 160, gocv.MatTypeCV8UC3)
	m.CopyTo(dst)
	m.Close()

	f.read++
	if f.onRead != nil {
		f.onRead(f.read)
	}
	return true, nil
}

func (f *fakeSource) Props() video.Props { return video.Props{FPS: 30, Width: 160, Height: 120} }
func (f *fakeSource) Name() string       { return "fake" }
func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

type trackerFunc func(frameID int) []video.RawDetection

func (fn trackerFunc) Track(ctx context.Context, frameID int, frame gocv.Mat) ([]video.RawDetection, error) {
	return fn(frameID), nil
}

type classifyResult struct {
	cls track.Classification
	err error
}

//scriptedClassifier answers its n-th call with results[n], and the last entry afterwards
type scriptedClassifier struct {
	mu      sync.Mutex
	results []classifyResult
	calls   int
}

func (s *scriptedClassifier) Classify(ctx context.Context, crop gocv.Mat) (track.Classification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := classifyResult{cls: track.Classification{Label: "Toyota Corolla", Confidence: 0.7}}
	if len(s.results) > 0 {
		idx := s.calls
		if idx >= len(s.results) {
			idx = len(s.results) - 1
		}
		r = s.results[idx]
	}
	s.calls++
	return r.cls, r.err
}

func (s *scriptedClassifier) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type staticReader struct{ calls int }

func (r *staticReader) ReadText(ctx context.Context, crop gocv.Mat) ([]track.PlateRead, error) {
	r.calls++
	return []track.PlateRead{{Text: "AB", Confidence: 0.2}, {Text: "ABC123", Confidence: 0.8}}, nil
}

type countingWriter struct {
	frames int
	closed bool
}

func (w *countingWriter) Write(frame gocv.Mat) error {
	w.frames++
	return nil
}

func (w *countingWriter) Close() error {
	w.closed = true
	return nil
}

func vehicle(id track.ID, b track.BBox) video.RawDetection {
	return video.RawDetection{BBox: b, ClassLabel: "car", Confidence: 0.9, TrackID: &id}
}

var carBox = track.BBox{X1: 10, Y1: 10, X2: 60, Y2: 50}

func oneCar(frameID int) []video.RawDetection {
	return []video.RawDetection{vehicle(1, carBox)}
}

type harness struct {
	sess   *Session
	sink   *sink.Sink
	cls    *scriptedClassifier
	reader *staticReader
	src    *fakeSource
}

func newHarness(t *testing.T, opts Options, src *fakeSource, cls *scriptedClassifier, detect trackerFunc) *harness {
	t.Helper()
	if opts.ResultsDir == "" {
		opts.ResultsDir = t.TempDir()
	}
	if cls == nil {
		cls = &scriptedClassifier{}
	}

	store := track.NewStore(track.Options{})
	sched, err := schedule.New(utils.DefaultClassifyEvery, utils.DefaultReadEvery)
	require.NoError(t, err)

	h := &harness{sink: sink.New(), cls: cls, reader: &staticReader{}, src: src}
	h.sess, err = NewSession(opts, Components{
		Source:     src,
		Adapter:    video.NewAdapter(detect, store, nil, 0),
		Scheduler:  sched,
		Invoker:    analysis.NewInvoker(cls, h.reader, time.Second),
		Aggregator: aggregate.New(store),
		Sink:       h.sink,
	})
	require.NoError(t, err)
	return h
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return len(strings.Split(strings.TrimSpace(string(data)), "\n"))
}

func TestBatchSession(t *testing.T) {
	h := newHarness(t, Options{Mode: Batch}, &fakeSource{frames: 25}, nil, oneCar)

	sum, err := h.sess.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateTerminated, h.sess.State())
	assert.Equal(t, 3, h.cls.Calls(), "classified on frames 0, 10 and 20")
	assert.Equal(t, 1, h.reader.calls, "plate read on frame 0 only")

	recs := h.sink.Records()
	require.Len(t, recs, 25)
	for i, r := range recs {
		assert.Equal(t, i, r.FrameID)
		assert.True(t, r.Timestamp.IsZero())
		assert.Equal(t, "ABC123", r.PlateText)
	}

	assert.Equal(t, 25, sum.Frames)
	assert.Equal(t, 25, sum.Records)
	assert.Equal(t, 1, sum.UniqueVehicles)
	assert.Equal(t, 1, sum.Distinct)
	assert.Equal(t, 3, sum.Analysis.Classifications)

	assert.Equal(t, filepath.Join(filepath.Dir(sum.ResultsPath), utils.ResultsFileName), sum.ResultsPath)
	assert.Equal(t, 26, countLines(t, sum.ResultsPath))
	assert.Equal(t, 1, h.sink.Flushes())
	assert.True(t, h.src.closed)

	_, err = h.sess.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestLatestClassificationWins(t *testing.T) {
	cls := &scriptedClassifier{results: []classifyResult{
		{err: errors.New("blurry")},
		{cls: track.Classification{Label: "X", Confidence: 0.9}},
		{cls: track.Classification{Label: "Y", Confidence: 0.4}},
	}}
	h := newHarness(t, Options{Mode: Batch}, &fakeSource{frames: 26}, cls, oneCar)

	_, err := h.sess.Run(context.Background())
	require.NoError(t, err)

	recs := h.sink.Records()
	require.Len(t, recs, 26)
	assert.Equal(t, utils.UnknownLabel, recs[5].MakeModel)
	assert.Equal(t, 0.0, recs[5].MakeModelConfidence)
	assert.Equal(t, "X", recs[15].MakeModel)
	assert.Equal(t, 0.9, recs[15].MakeModelConfidence)
	assert.Equal(t, "Y", recs[25].MakeModel)
	assert.Equal(t, 0.4, recs[25].MakeModelConfidence)
}

func TestDegenerateBoxSkipsAnalysis(t *testing.T) {
	flat := track.BBox{X1: 20, Y1: 20, X2: 20, Y2: 50}
	h := newHarness(t, Options{Mode: Batch}, &fakeSource{frames: 12}, nil, func(int) []video.RawDetection {
		return []video.RawDetection{vehicle(4, flat)}
	})

	_, err := h.sess.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, h.cls.Calls())
	assert.Equal(t, 0, h.reader.calls)
	for _, r := range h.sink.Records() {
		assert.Equal(t, utils.UnknownLabel, r.MakeModel)
		assert.Equal(t, 0.0, r.MakeModelConfidence)
		assert.Equal(t, utils.UnknownLabel, r.PlateText)
		assert.Equal(t, 0.0, r.PlateConfidence)
	}
}

func TestRecordsNeverExceedDetections(t *testing.T) {
	seen := map[track.ID]int{}
	detect := func(frameID int) []video.RawDetection {
		dets := []video.RawDetection{vehicle(2, carBox)}
		seen[2]++
		if frameID%3 == 0 {
			dets = append(dets, vehicle(1, track.BBox{X1: 70, Y1: 10, X2: 150, Y2: 100}))
			seen[1]++
		}
		return dets
	}
	h := newHarness(t, Options{Mode: Batch}, &fakeSource{frames: 40}, nil, detect)

	_, err := h.sess.Run(context.Background())
	require.NoError(t, err)

	perTrack := map[track.ID]int{}
	for _, r := range h.sink.Records() {
		perTrack[r.TrackID]++
	}
	for id, n := range perTrack {
		assert.LessOrEqual(t, n, seen[id], "track %d", id)
	}
}

func TestMaxFrames(t *testing.T) {
	h := newHarness(t, Options{Mode: Batch, MaxFrames: 12}, &fakeSource{frames: 100}, nil, oneCar)

	sum, err := h.sess.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, sum.Frames)
	assert.Equal(t, 12, h.src.read)
	assert.Len(t, h.sink.Records(), 12)
}

func TestLiveStop(t *testing.T) {
	src := &fakeSource{frames: -1}
	h := newHarness(t, Options{Mode: Live}, src, nil, oneCar)
	src.onRead = func(n int) {
		if n == 7 {
			h.sess.Stop()
			h.sess.Stop()
		}
	}

	sum, err := h.sess.Run(context.Background())
	require.NoError(t, err)

	recs := h.sink.Records()
	require.Len(t, recs, 7)
	assert.Equal(t, 1, recs[0].FrameID, "live frame ids count from 1")
	assert.Equal(t, 7, recs[6].FrameID)
	assert.False(t, recs[0].Timestamp.IsZero())

	assert.Equal(t, 1, h.sink.Flushes(), "exactly one terminal flush")
	assert.Equal(t, utils.LiveResultsFileName, filepath.Base(sum.ResultsPath))
	assert.Equal(t, 8, countLines(t, sum.ResultsPath))

	names, err := utils.ListDir(filepath.Dir(sum.ResultsPath))
	require.NoError(t, err)
	assert.Equal(t, []string{utils.LiveResultsFileName}, names, "no partial files")
}

func TestContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeSource{frames: -1, onRead: func(n int) {
		if n == 3 {
			cancel()
		}
	}}
	h := newHarness(t, Options{Mode: Live}, src, nil, oneCar)

	_, err := h.sess.Run(ctx)
	require.NoError(t, err)
	assert.Len(t, h.sink.Records(), 3)
	assert.Equal(t, 1, h.sink.Flushes())
}

func TestSourceErrorStillFlushes(t *testing.T) {
	h := newHarness(t, Options{Mode: Live}, &fakeSource{frames: -1, failAt: 5}, nil, oneCar)

	sum, err := h.sess.Run(context.Background())
	require.Error(t, err)

	var srcErr *video.SourceError
	require.True(t, errors.As(err, &srcErr))
	assert.Equal(t, "fake", srcErr.Source)

	assert.Equal(t, StateTerminated, h.sess.State())
	assert.Equal(t, 1, h.sink.Flushes())
	assert.Equal(t, 6, countLines(t, sum.ResultsPath))
}

func TestPanicStillFlushes(t *testing.T) {
	h := newHarness(t, Options{Mode: Batch}, &fakeSource{frames: 20, panicAt: 4}, nil, oneCar)

	sum, err := h.sess.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoder crashed")

	assert.Equal(t, StateTerminated, h.sess.State())
	assert.Equal(t, 4, sum.Records)
	assert.Equal(t, 5, countLines(t, sum.ResultsPath))
	assert.True(t, h.src.closed)
}

func TestFinalFlushFailureCanBeRetried(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	opts := Options{Mode: Batch, ResultsPath: filepath.Join(blocker, "results.csv")}
	h := newHarness(t, opts, &fakeSource{frames: 3}, nil, oneCar)

	_, err := h.sess.Run(context.Background())
	var storageErr *sink.StorageError
	require.True(t, errors.As(err, &storageErr))
	assert.Equal(t, StateTerminated, h.sess.State())

	retry := filepath.Join(dir, "retry.csv")
	path, err := h.sess.Save(retry)
	require.NoError(t, err)
	assert.Equal(t, retry, path)
	assert.Equal(t, 4, countLines(t, retry))
}

func TestSaveNow(t *testing.T) {
	t.Run("live session keeps running", func(t *testing.T) {
		src := &fakeSource{frames: -1}
		h := newHarness(t, Options{Mode: Live}, src, nil, oneCar)
		snapshot := filepath.Join(t.TempDir(), "snapshot.csv")

		saved := make(chan error, 1)
		src.onRead = func(n int) {
			switch n {
			case 5:
				go func() {
					_, err := h.sess.Save(snapshot)
					saved <- err
				}()
			case 10:
				h.sess.Stop()
			}
		}

		_, err := h.sess.Run(context.Background())
		require.NoError(t, err)
		require.NoError(t, <-saved)

		assert.Len(t, h.sink.Records(), 10)
		assert.Equal(t, 2, h.sink.Flushes())
		lines := countLines(t, snapshot)
		assert.GreaterOrEqual(t, lines, 6)
		assert.LessOrEqual(t, lines, 11)
	})

	t.Run("batch session rejects it", func(t *testing.T) {
		src := &fakeSource{frames: 4}
		h := newHarness(t, Options{Mode: Batch}, src, nil, oneCar)

		var saveErr error
		src.onRead = func(n int) {
			if n == 2 {
				_, saveErr = h.sess.Save(filepath.Join(t.TempDir(), "x.csv"))
			}
		}

		_, err := h.sess.Run(context.Background())
		require.NoError(t, err)
		assert.ErrorIs(t, saveErr, ErrNotLive)
	})

	t.Run("not started", func(t *testing.T) {
		h := newHarness(t, Options{Mode: Live}, &fakeSource{frames: -1}, nil, oneCar)
		_, err := h.sess.Save("")
		assert.ErrorIs(t, err, ErrNotRunning)
	})

	t.Run("default destination is timestamped", func(t *testing.T) {
		dir := t.TempDir()
		h := newHarness(t, Options{Mode: Live, ResultsDir: dir}, &fakeSource{frames: 2}, nil, oneCar)
		_, err := h.sess.Run(context.Background())
		require.NoError(t, err)

		path, err := h.sess.Save("")
		require.NoError(t, err)
		assert.Equal(t, dir, filepath.Dir(path))
		assert.True(t, strings.HasPrefix(filepath.Base(path), "live_results_"))
		assert.FileExists(t, path)
	})
}

func TestSubscribeAndWriter(t *testing.T) {
	detect := func(frameID int) []video.RawDetection {
		dets := []video.RawDetection{vehicle(1, carBox)}
		if frameID >= 3 {
			dets = append(dets, vehicle(2, track.BBox{X1: 80, Y1: 20, X2: 150, Y2: 110}))
		}
		return dets
	}
	h := newHarness(t, Options{Mode: Batch}, &fakeSource{frames: 6}, nil, detect)
	w := &countingWriter{}
	h.sess.c.Writer = w

	updates, cancel := h.sess.Subscribe()
	defer cancel()

	_, err := h.sess.Run(context.Background())
	require.NoError(t, err)

	var got []FrameUpdate
	for u := range updates {
		got = append(got, u)
	}
	require.Len(t, got, 6)

	last := 0
	for i, u := range got {
		assert.Equal(t, i, u.FrameID)
		assert.GreaterOrEqual(t, u.Distinct, last, "distinct count never decreases")
		last = u.Distinct
	}
	assert.Equal(t, 2, last)
	assert.Len(t, got[5].Records, 2)

	assert.Equal(t, 6, w.frames)
	assert.True(t, w.closed)

	p := h.sess.Progress()
	assert.Equal(t, "terminated", p.StateName)
	assert.Equal(t, 6, p.Frames)
	assert.Equal(t, 9, p.Records)

	late, _ := h.sess.Subscribe()
	_, open := <-late
	assert.False(t, open)
}

func TestNewSessionValidation(t *testing.T) {
	_, err := NewSession(Options{}, Components{})
	assert.Error(t, err)

	mode, ok := ParseMode("live")
	assert.True(t, ok)
	assert.Equal(t, Live, mode)
	_, ok = ParseMode("stream")
	assert.False(t, ok)
}
