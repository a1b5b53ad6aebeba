//Package pipeline runs a vehicle scanning session: frames flow one at a time through detection,
//scheduling, analysis, fusion and the sink, and the records are always flushed before the session ends.
package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/chenBenjamin97/vehicle-scanner/pkg/aggregate"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/analysis"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/schedule"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/sink"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/track"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/utils"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/video"
)

var (
	ErrAlreadyStarted = errors.New("pipeline: session already started")
	ErrNotRunning     = errors.New("pipeline: session is not running")
	ErrNotLive        = errors.New("pipeline: save now is only available for live sessions")
)

//FrameWriter receives every processed frame after the overlay was drawn on it
type FrameWriter interface {
	Write(frame gocv.Mat) error
	Close() error
}

type Options struct {
	Mode Mode
	//MaxFrames stops a session after that many frames, zero means no bound
	MaxFrames int
	//ResultsPath is the terminal flush destination; empty picks the default file name under ResultsDir
	ResultsPath string
	ResultsDir  string
	//VideoPath enables the annotated output video when no FrameWriter is given
	VideoPath string
	Codec     string
}

//Components are the collaborators of one session. The session owns Source and Writer and closes them when it ends.
type Components struct {
	Source     video.Source
	Adapter    *video.Adapter
	Scheduler  *schedule.Scheduler
	Invoker    *analysis.Invoker
	Aggregator *aggregate.Aggregator
	Sink       *sink.Sink
	Writer     FrameWriter
}

//Progress is a point in time view of a session
type Progress struct {
	State       State  `json:"-"`
	StateName   string `json:"state"`
	Frames      int    `json:"frames"`
	LastFrameID int    `json:"last_frame_id"`
	Records     int    `json:"records"`
	Distinct    int    `json:"distinct_vehicles"`
}

//FrameUpdate is published to subscribers after each processed frame
type FrameUpdate struct {
	FrameID  int           `json:"frame_id"`
	Distinct int           `json:"distinct_vehicles"`
	Records  []sink.Record `json:"records"`
}

//Summary is the end of session report
type Summary struct {
	Frames         int            `json:"frames"`
	Records        int            `json:"records"`
	UniqueVehicles int            `json:"unique_vehicles"`
	PlatesRead     int            `json:"plates_read"`
	Distinct       int            `json:"distinct_vehicles"`
	Analysis       analysis.Stats `json:"analysis"`
	ResultsPath    string         `json:"results_path"`
}

type saveRequest struct {
	destination string
	reply       chan error
}

//Session is a single run over one frame source
type Session struct {
	opts Options
	c    Components

	state    atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once
	saves    chan saveRequest
	done     chan struct{}

	mu          sync.RWMutex
	frames      int
	lastFrameID int
	distinct    int
	summary     Summary
	subscribers map[chan FrameUpdate]struct{}
}

func NewSession(opts Options, c Components) (*Session, error) {
	if c.Source == nil || c.Adapter == nil || c.Scheduler == nil || c.Invoker == nil || c.Aggregator == nil || c.Sink == nil {
		return nil, errors.New("NewSession: missing component")
	}
	if opts.MaxFrames < 0 {
		return nil, errors.Errorf("NewSession: max frames must not be negative, got %d", opts.MaxFrames)
	}

	if opts.ResultsPath == "" {
		name := utils.ResultsFileName
		if opts.Mode == Live {
			name = utils.LiveResultsFileName
		}
		opts.ResultsPath = filepath.Join(opts.ResultsDir, name)
	}

	return &Session{
		opts:        opts,
		c:           c,
		stop:        make(chan struct{}),
		saves:       make(chan saveRequest),
		done:        make(chan struct{}),
		subscribers: make(map[chan FrameUpdate]struct{}),
	}, nil
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) Mode() Mode { return s.opts.Mode }

func (s *Session) ResultsPath() string { return s.opts.ResultsPath }

//Done is closed once the session is terminated
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		log.WithFields(log.Fields{"source": s.c.Source.Name(), "from": prev, "to": st}).Debug("Session: state change")
	}
}

//Stop asks the session to finish after the frame in progress. Calling it more than once is harmless.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

//Save flushes every record collected so far to destination.
//A running live session performs it between two frames and keeps running; a terminated session flushes
//directly, which is how a failed terminal flush is retried. An empty destination picks a timestamped file.
func (s *Session) Save(destination string) (string, error) {
	if destination == "" {
		destination = filepath.Join(s.opts.ResultsDir, "live_results_"+time.Now().Format(utils.LiveSnapshotLayout)+".csv")
	}

	switch s.State() {
	case StateInit:
		return destination, ErrNotRunning
	case StateTerminated:
		return destination, s.c.Sink.Flush(destination)
	}
	if s.opts.Mode != Live {
		return destination, ErrNotLive
	}

	req := saveRequest{destination: destination, reply: make(chan error, 1)}
	select {
	case s.saves <- req:
		return destination, <-req.reply
	case <-s.done:
		return destination, s.c.Sink.Flush(destination)
	}
}

//Progress returns the current counters
func (s *Session) Progress() Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.State()
	return Progress{
		State:       st,
		StateName:   st.String(),
		Frames:      s.frames,
		LastFrameID: s.lastFrameID,
		Records:     s.c.Sink.Len(),
		Distinct:    s.distinct,
	}
}

//Summary is the final report, zero until the session terminated
func (s *Session) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summary
}

//Subscribe registers for per-frame updates. Slow subscribers miss updates instead of stalling the session.
//The channel is closed when the session terminates or cancel is called.
func (s *Session) Subscribe() (<-chan FrameUpdate, func()) {
	ch := make(chan FrameUpdate, 16)

	s.mu.Lock()
	if s.State() == StateTerminated {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
	}
	return ch, cancel
}

//Run processes frames until the source is exhausted, the frame bound is hit, Stop is called or ctx is done.
//Whatever happens, including a panic in the loop, the sink is flushed to the results path before Run returns.
func (s *Session) Run(ctx context.Context) (sum Summary, err error) {
	if !s.state.CompareAndSwap(int32(StateInit), int32(StateRunning)) {
		return Summary{}, ErrAlreadyStarted
	}
	logger := log.WithFields(log.Fields{"source": s.c.Source.Name(), "mode": s.opts.Mode})
	logger.Info("Session: started")

	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Session: panic while processing, got '%v'", r)
			err = errors.Errorf("pipeline: session panic: %v", r)
		}
		sum, err = s.finish(logger, err)
	}()

	if s.c.Writer == nil && s.opts.VideoPath != "" {
		w, werr := video.NewWriter(s.opts.VideoPath, s.opts.Codec, s.c.Source.Props())
		if werr != nil {
			//annotated video is optional output, the records are not
			logger.Errorf("Session: annotated video disabled, got '%v'", werr)
		} else {
			s.c.Writer = w
		}
	}

	frame := gocv.NewMat()
	defer frame.Close()

	read := 0
	for {
		if s.frameBoundary(ctx) {
			s.setState(StateStopRequested)
			return
		}
		if s.opts.MaxFrames > 0 && read >= s.opts.MaxFrames {
			s.setState(StateSourceExhausted)
			return
		}

		ok, rerr := s.c.Source.Read(&frame)
		if rerr != nil {
			logger.Errorf("Session: reading frame %d, got '%v'", read, rerr)
			err = rerr
			return
		}
		if !ok {
			s.setState(StateSourceExhausted)
			return
		}

		frameID, ts := read, time.Time{}
		if s.opts.Mode == Live {
			frameID, ts = read+1, time.Now()
		}
		read++

		s.processFrame(ctx, frameID, ts, &frame)
	}
}

//frameBoundary serves pending save requests and reports whether the session should stop
func (s *Session) frameBoundary(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case <-s.stop:
			return true
		case req := <-s.saves:
			req.reply <- s.c.Sink.Flush(req.destination)
		default:
			return false
		}
	}
}

func (s *Session) processFrame(ctx context.Context, frameID int, ts time.Time, frame *gocv.Mat) {
	detections, distinct := s.c.Adapter.Process(ctx, frameID, *frame)

	records := make([]sink.Record, 0, len(detections))
	for _, det := range detections {
		rec := s.analyze(ctx, frameID, ts, det, *frame)
		s.c.Sink.Append(rec)
		records = append(records, rec)
	}

	if s.c.Writer != nil {
		if err := video.PlotRecords(frame, records, video.Overlay{Distinct: distinct, FrameID: frameID, ShowFrame: s.opts.Mode == Live}); err != nil {
			log.WithField("frame", frameID).Warnf("Session: could not draw overlay, got '%v'", err)
		}
		if err := s.c.Writer.Write(*frame); err != nil {
			log.WithField("frame", frameID).Warnf("Session: could not write annotated frame, got '%v'", err)
		}
	}

	s.mu.Lock()
	s.frames++
	s.lastFrameID = frameID
	s.distinct = distinct
	frames := s.frames
	update := FrameUpdate{FrameID: frameID, Distinct: distinct, Records: records}
	for ch := range s.subscribers {
		select {
		case ch <- update:
		default:
		}
	}
	s.mu.Unlock()

	if frames%utils.ProgressLogEvery == 0 {
		log.WithFields(log.Fields{"frames": frames, "distinct_vehicles": distinct, "records": s.c.Sink.Len()}).Info("Session: progress")
	}
}

//analyze runs whatever analysis is due for det and fuses the outcome with the cached state of its track
func (s *Session) analyze(ctx context.Context, frameID int, ts time.Time, det track.Detection, frame gocv.Mat) sink.Record {
	rect := det.BBox.Crop(frame.Cols(), frame.Rows())
	due := s.c.Scheduler.Decide(frameID, rect)

	var cls *track.Classification
	var plate *track.PlateRead
	if due.Classify || due.Read {
		crop := frame.Region(rect)
		defer crop.Close()

		if due.Classify {
			if res, ok := s.c.Invoker.Classify(ctx, det.TrackID, crop); ok {
				cls = &res
			}
		}
		if due.Read {
			if res, ok := s.c.Invoker.ReadPlate(ctx, det.TrackID, crop); ok {
				plate = &res
			}
		}
	}

	return s.c.Aggregator.Fuse(frameID, ts, det, cls, plate)
}

//finish is the single exit path of Run: flush, close owned resources, report
func (s *Session) finish(logger *log.Entry, runErr error) (Summary, error) {
	s.setState(StateFlushing)

	err := runErr
	if ferr := s.c.Sink.Flush(s.opts.ResultsPath); ferr != nil {
		logger.Errorf("Session: final flush failed, got '%v'", ferr)
		if err == nil {
			err = ferr
		}
	}

	if s.c.Writer != nil {
		if werr := s.c.Writer.Close(); werr != nil {
			logger.Warnf("Session: closing annotated video, got '%v'", werr)
		}
	}
	if cerr := s.c.Source.Close(); cerr != nil {
		logger.Warnf("Session: closing source, got '%v'", cerr)
	}

	totals := s.c.Sink.Summary()

	s.mu.Lock()
	s.summary = Summary{
		Frames:         s.frames,
		Records:        totals.Records,
		UniqueVehicles: totals.UniqueVehicles,
		PlatesRead:     totals.PlatesRead,
		Distinct:       s.distinct,
		Analysis:       s.c.Invoker.Stats(),
		ResultsPath:    s.opts.ResultsPath,
	}
	sum := s.summary
	for ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, ch)
	}
	s.setState(StateTerminated)
	s.mu.Unlock()

	logger.WithFields(log.Fields{
		"frames":          sum.Frames,
		"records":         sum.Records,
		"unique_vehicles": sum.UniqueVehicles,
		"plates_read":     sum.PlatesRead,
		"classifications": sum.Analysis.Classifications,
		"plate_reads":     sum.Analysis.PlateReads,
		"results":         sum.ResultsPath,
	}).Info("Session: finished")

	return sum, err
}
