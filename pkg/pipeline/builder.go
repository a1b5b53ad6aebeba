package pipeline

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/chenBenjamin97/vehicle-scanner/pkg/aggregate"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/analysis"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/config"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/schedule"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/sink"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/track"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/video"
)

//Request is what a caller asks for when starting a session
type Request struct {
	Source      string
	Mode        Mode
	MaxFrames   int
	ResultsPath string
	VideoPath   string
}

//Builder assembles sessions from the service settings.
//Classifier and Reader are shared by every session and may be nil; each session gets its own tracker,
//since track identities belong to one stream.
type Builder struct {
	Settings   config.Settings
	Classifier analysis.Classifier
	Reader     analysis.TextReader

	OpenSource func(req Request) (video.Source, error)
	NewTracker func() (video.Tracker, func(), error)
}

func NewBuilder(settings config.Settings, classifier analysis.Classifier, reader analysis.TextReader) *Builder {
	b := &Builder{Settings: settings, Classifier: classifier, Reader: reader}

	b.OpenSource = func(req Request) (video.Source, error) {
		if req.Mode == Live {
			return video.OpenDevice(req.Source, settings.LiveWidth, settings.LiveHeight)
		}
		return video.OpenFile(req.Source)
	}
	b.NewTracker = func() (video.Tracker, func(), error) {
		p, err := video.StartProcessTracker(settings.Tracker)
		if err != nil {
			return nil, nil, err
		}
		return p, func() { p.Close() }, nil
	}

	return b
}

//Build opens the source, starts a tracker and wires a session. The returned cleanup releases the tracker
//and must be called once the session terminated.
func (b *Builder) Build(req Request) (*Session, func(), error) {
	sched, err := schedule.New(b.Settings.ClassifyEvery, b.Settings.ReadEvery)
	if err != nil {
		return nil, nil, err
	}

	src, err := b.OpenSource(req)
	if err != nil {
		return nil, nil, err
	}

	tracker, cleanup, err := b.NewTracker()
	if err != nil {
		src.Close()
		return nil, nil, errors.Wrap(err, "Build: tracker")
	}

	store := track.NewStore(track.Options{RetentionFrames: b.Settings.RetentionFrames})
	sess, err := NewSession(Options{
		Mode:        req.Mode,
		MaxFrames:   req.MaxFrames,
		ResultsPath: req.ResultsPath,
		ResultsDir:  b.Settings.ResultsDir,
		VideoPath:   req.VideoPath,
		Codec:       b.Settings.VideoCodec,
	}, Components{
		Source:     src,
		Adapter:    video.NewAdapter(tracker, store, b.Settings.Classes, b.Settings.TrackerTimeout),
		Scheduler:  sched,
		Invoker:    analysis.NewInvoker(b.Classifier, b.Reader, b.Settings.CapabilityTimeout),
		Aggregator: aggregate.New(store),
		Sink:       sink.New(),
	})
	if err != nil {
		cleanup()
		src.Close()
		return nil, nil, err
	}

	log.WithFields(log.Fields{"source": req.Source, "mode": req.Mode, "results": sess.ResultsPath()}).Info("Session created")
	return sess, cleanup, nil
}
