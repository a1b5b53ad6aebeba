//Package analysis wraps the expensive per-vehicle capabilities (make/model classification and
//licence plate reading) behind a timeout and failure-as-value contract.
package analysis

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/chenBenjamin97/vehicle-scanner/pkg/track"
)

//ErrTimeout is reported (and logged) when a capability does not answer within the call timeout
var ErrTimeout = errors.New("analysis: capability call timed out")

//Classifier returns the make/model of a vehicle crop
type Classifier interface {
	Classify(ctx context.Context, crop gocv.Mat) (track.Classification, error)
}

//TextReader returns every text region it finds in a crop, in reading order
type TextReader interface {
	ReadText(ctx context.Context, crop gocv.Mat) ([]track.PlateRead, error)
}

//Stats counts capability invocations of a session
type Stats struct {
	Classifications  int `json:"classifications"`
	ClassifyFailures int `json:"classify_failures"`
	PlateReads       int `json:"plate_reads"`
	ReadFailures     int `json:"read_failures"`
}

//Invoker calls the capabilities one at a time, bounds every call with a timeout and turns every
//failure into "no result". Either capability may be nil, in which case that analysis never produces results.
type Invoker struct {
	classifier Classifier
	reader     TextReader
	timeout    time.Duration

	//one slot per capability: a call that outlived its timeout keeps the slot until it returns
	classifySlot chan struct{}
	readSlot     chan struct{}

	mu    sync.Mutex
	stats Stats
}

//NewInvoker builds an invoker. A zero timeout leaves calls unbounded.
func NewInvoker(classifier Classifier, reader TextReader, timeout time.Duration) *Invoker {
	return &Invoker{
		classifier:   classifier,
		reader:       reader,
		timeout:      timeout,
		classifySlot: make(chan struct{}, 1),
		readSlot:     make(chan struct{}, 1),
	}
}

//Classify runs the classifier on crop. The boolean is false when the call failed or timed out.
func (inv *Invoker) Classify(ctx context.Context, id track.ID, crop gocv.Mat) (track.Classification, bool) {
	if inv.classifier == nil {
		return track.Classification{}, false
	}

	res, err := invoke(ctx, inv, inv.classifySlot, crop, inv.classifier.Classify)

	inv.mu.Lock()
	inv.stats.Classifications++
	if err != nil {
		inv.stats.ClassifyFailures++
	}
	inv.mu.Unlock()

	if err != nil {
		log.WithField("track_id", id).Warnf("Invoker: classification failed, got '%v'", err)
		return track.Classification{}, false
	}
	return res, true
}

//ReadPlate runs the text reader on crop and keeps the most confident candidate.
//The boolean is false when the call failed, timed out or found no text.
func (inv *Invoker) ReadPlate(ctx context.Context, id track.ID, crop gocv.Mat) (track.PlateRead, bool) {
	if inv.reader == nil {
		return track.PlateRead{}, false
	}

	candidates, err := invoke(ctx, inv, inv.readSlot, crop, inv.reader.ReadText)

	inv.mu.Lock()
	inv.stats.PlateReads++
	if err != nil {
		inv.stats.ReadFailures++
	}
	inv.mu.Unlock()

	if err != nil {
		log.WithField("track_id", id).Warnf("Invoker: plate reading failed, got '%v'", err)
		return track.PlateRead{}, false
	}
	return BestPlate(candidates)
}

func (inv *Invoker) Stats() Stats {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.stats
}

//BestPlate picks the candidate with the highest confidence; on ties the first one wins
func BestPlate(candidates []track.PlateRead) (track.PlateRead, bool) {
	if len(candidates) == 0 {
		return track.PlateRead{}, false
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Confidence > best.Confidence {
			best = c
		}
	}
	return best, true
}

type outcome[T any] struct {
	val T
	err error
}

//invoke runs fn on a private clone of crop in its own goroutine so the caller can give up after the
//timeout without the capability touching a Mat the caller is about to free.
//Cancellation of ctx is ignored: an in-flight analysis is never preempted by a stop request.
func invoke[T any](ctx context.Context, inv *Invoker, slot chan struct{}, crop gocv.Mat, fn func(context.Context, gocv.Mat) (T, error)) (T, error) {
	var zero T

	callCtx := context.WithoutCancel(ctx)
	if inv.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, inv.timeout)
		defer cancel()
	}

	select {
	case slot <- struct{}{}:
	case <-callCtx.Done():
		return zero, errors.Wrap(ErrTimeout, "previous call still running")
	}

	own := crop.Clone()
	done := make(chan outcome[T], 1)

	go func() {
		defer func() { <-slot }()
		defer own.Close()
		defer func() {
			if r := recover(); r != nil {
				done <- outcome[T]{err: errors.Errorf("capability panic: %v", r)}
			}
		}()

		v, err := fn(callCtx, own)
		done <- outcome[T]{val: v, err: err}
	}()

	select {
	case o := <-done:
		return o.val, o.err
	case <-callCtx.Done():
		return zero, ErrTimeout
	}
}
