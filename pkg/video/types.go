package video

import (
	"github.com/chenBenjamin97/vehicle-scanner/pkg/track"
)

//RawDetection is one box as returned by the tracking capability, before class filtering.
//TrackID is nil when the tracker could not assign an identity on this frame.
type RawDetection struct {
	BBox       track.BBox
	ClassLabel string
	Confidence float64
	TrackID    *track.ID
}

//Props describes the frames a source produces
type Props struct {
	FPS    float64
	Width  int
	Height int
}

//wire format of the tracking worker, see ProcessTracker
type trackRequest struct {
	FrameID int    `msgpack:"frame_id"`
	Width   int    `msgpack:"width"`
	Height  int    `msgpack:"height"`
	Image   []byte `msgpack:"image"`
}

type trackResponse struct {
	FrameID    int             `msgpack:"frame_id"`
	Detections []wireDetection `msgpack:"detections"`
	Error      string          `msgpack:"error,omitempty"`
}

type wireDetection struct {
	BBox       []float64 `msgpack:"bbox"`
	Class      string    `msgpack:"class"`
	Confidence float64   `msgpack:"confidence"`
	TrackID    *int64    `msgpack:"track_id"`
}
