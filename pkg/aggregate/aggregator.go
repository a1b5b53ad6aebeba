//Package aggregate fuses one frame's detection with the newest known analysis results of its track.
package aggregate

import (
	"time"

	"github.com/chenBenjamin97/vehicle-scanner/pkg/sink"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/track"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/utils"
)

//Aggregator applies the retention policy: a result produced on this frame replaces the cached one
//unconditionally, otherwise the cached value (or the unknown sentinel) is reported.
type Aggregator struct {
	store *track.Store
}

func New(store *track.Store) *Aggregator {
	return &Aggregator{store: store}
}

//Fuse builds the record of det on frameID. cls and plate are nil when that analysis did not run
//or produced nothing on this frame. ts is left zero by batch sessions.
func (a *Aggregator) Fuse(frameID int, ts time.Time, det track.Detection, cls *track.Classification, plate *track.PlateRead) sink.Record {
	if cls != nil {
		a.store.RecordClassification(det.TrackID, cls.Label, cls.Confidence, frameID)
	}
	if plate != nil {
		a.store.RecordPlate(det.TrackID, plate.Text, plate.Confidence, frameID)
	}

	st := a.store.State(det.TrackID)

	rec := sink.Record{
		FrameID:             frameID,
		Timestamp:           ts,
		TrackID:             det.TrackID,
		ClassLabel:          det.ClassLabel,
		DetectionConfidence: det.Confidence,
		MakeModel:           utils.UnknownLabel,
		PlateText:           utils.UnknownLabel,
		BBox:                det.BBox,
	}
	if st.LastClassification != nil {
		rec.MakeModel = st.LastClassification.Label
		rec.MakeModelConfidence = st.LastClassification.Confidence
	}
	if st.LastPlateRead != nil {
		rec.PlateText = st.LastPlateRead.Text
		rec.PlateConfidence = st.LastPlateRead.Confidence
	}

	return rec
}
