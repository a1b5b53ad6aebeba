package video

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/chenBenjamin97/vehicle-scanner/pkg/track"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/utils"
)

//Adapter turns tracker output into detections bound to tracks of the session's store
type Adapter struct {
	tracker Tracker
	store   *track.Store
	classes []string
	timeout time.Duration
}

//NewAdapter builds an adapter keeping only detections whose label is in classes.
//An empty classes list falls back to utils.VehicleClasses. A zero timeout leaves tracker calls unbounded.
func NewAdapter(tracker Tracker, store *track.Store, classes []string, timeout time.Duration) *Adapter {
	if len(classes) == 0 {
		classes = utils.VehicleClasses
	}
	return &Adapter{tracker: tracker, store: store, classes: classes, timeout: timeout}
}

//Process runs the tracker on frame and returns the kept detections, in tracker order, together with the
//number of distinct tracks seen so far this session. A tracker failure yields no detections for the frame.
func (a *Adapter) Process(ctx context.Context, frameID int, frame gocv.Mat) ([]track.Detection, int) {
	callCtx := context.WithoutCancel(ctx)
	if a.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, a.timeout)
		defer cancel()
	}

	raws, err := a.tracker.Track(callCtx, frameID, frame)
	if err != nil {
		log.WithField("frame", frameID).Warnf("Adapter: tracking failed, got '%v'", err)
		return nil, a.store.Distinct()
	}

	detections := make([]track.Detection, 0, len(raws))
	seen := make(map[track.ID]struct{}, len(raws))
	dropped := 0
	for _, raw := range raws {
		if !utils.InSlice(raw.ClassLabel, a.classes) {
			continue
		}
		if raw.TrackID == nil {
			dropped++
			continue
		}
		//one detection per track and frame, the first box wins
		if _, dup := seen[*raw.TrackID]; dup {
			continue
		}
		seen[*raw.TrackID] = struct{}{}

		if _, created := a.store.Upsert(*raw.TrackID, raw.ClassLabel, frameID); created {
			log.WithFields(log.Fields{"frame": frameID, "track_id": *raw.TrackID, "class": raw.ClassLabel}).Debug("Adapter: new track")
		}
		detections = append(detections, track.Detection{
			TrackID:    *raw.TrackID,
			BBox:       raw.BBox,
			ClassLabel: raw.ClassLabel,
			Confidence: raw.Confidence,
		})
	}

	if dropped > 0 {
		log.WithField("frame", frameID).Debugf("Adapter: dropped %d detections without identity", dropped)
	}
	if n := a.store.Evict(frameID); n > 0 {
		log.WithField("frame", frameID).Debugf("Adapter: forgot %d stale tracks", n)
	}

	return detections, a.store.Distinct()
}
