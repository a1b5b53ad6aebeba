package sink

import (
	"strconv"
	"time"

	"github.com/chenBenjamin97/vehicle-scanner/pkg/track"
)

//Columns is the stable column order of every persisted results file
var Columns = []string{
	"frame_id",
	"timestamp",
	"vehicle_id",
	"vehicle_class",
	"detection_confidence",
	"make_model",
	"make_model_confidence",
	"license_plate",
	"plate_confidence",
	"bbox",
}

//Record is one fused row: one vehicle in one frame. Records are values and are never modified after Append.
type Record struct {
	FrameID             int        `json:"frame_id"`
	Timestamp           time.Time  `json:"timestamp"` //zero in batch mode
	TrackID             track.ID   `json:"vehicle_id"`
	ClassLabel          string     `json:"vehicle_class"`
	DetectionConfidence float64    `json:"detection_confidence"`
	MakeModel           string     `json:"make_model"`
	MakeModelConfidence float64    `json:"make_model_confidence"`
	PlateText           string     `json:"license_plate"`
	PlateConfidence     float64    `json:"plate_confidence"`
	BBox                track.BBox `json:"bbox"`
}

//Row renders the record in Columns order
func (r Record) Row() []string {
	ts := ""
	if !r.Timestamp.IsZero() {
		ts = r.Timestamp.Format(time.RFC3339Nano)
	}

	return []string{
		strconv.Itoa(r.FrameID),
		ts,
		strconv.FormatInt(int64(r.TrackID), 10),
		r.ClassLabel,
		formatFloat(r.DetectionConfidence),
		r.MakeModel,
		formatFloat(r.MakeModelConfidence),
		r.PlateText,
		formatFloat(r.PlateConfidence),
		formatBBox(r.BBox),
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func formatBBox(b track.BBox) string {
	return "[" + formatFloat(b.X1) + ", " + formatFloat(b.Y1) + ", " + formatFloat(b.X2) + ", " + formatFloat(b.Y2) + "]"
}
